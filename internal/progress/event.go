package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
	StageUnitDone   Stage = "UNIT_DONE"
	StageUnitError  Stage = "UNIT_ERROR"
	StageFetchDone  Stage = "FETCH_DONE"
	StageFetchRetry Stage = "FETCH_RETRY"
	StageFetchError Stage = "FETCH_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch events.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single piece of harvest progress.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Source names the storefront the event belongs to.
	Source string
	// Class is the fetch class (listing, product, review) for fetch events.
	Class string
	// Unit is the brand for unit events.
	Unit string
	// URL is the optional request URL.
	URL string
	// Attempt is the 1-based attempt number for fetch events.
	Attempt int
	// Bytes carries the response size for completed fetches.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures latency for fetches and total runtime for runs.
	Dur time.Duration
	// Note holds low-volume context such as the error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageUnitDone, StageUnitError:
		if e.Unit == "" {
			return errors.New("unit events require unit")
		}
	case StageFetchDone, StageFetchRetry, StageFetchError:
		if e.Class == "" {
			return errors.New("fetch events require class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
