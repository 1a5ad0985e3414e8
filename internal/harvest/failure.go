package harvest

import (
	"errors"
	"fmt"
)

// ErrNoData marks a payload that was fetched but yielded nothing usable.
var ErrNoData = errors.New("no data extracted")

// ErrNoSnapshot marks an item that has no stored product snapshot yet.
var ErrNoSnapshot = errors.New("no product snapshot")

// FailureKind groups fetch failures by how the caller should react.
type FailureKind string

// Supported failure kinds.
const (
	// KindTransient failures (timeouts, connection errors, 5xx) are retried.
	KindTransient FailureKind = "transient"
	// KindPermanent failures (4xx, bad URL) are never retried.
	KindPermanent FailureKind = "permanent"
	// KindDecode means the payload arrived but could not be parsed.
	KindDecode FailureKind = "decode"
	// KindCanceled means the run was interrupted.
	KindCanceled FailureKind = "canceled"
)

// FetchFailure is returned once a fetch gives up.
type FetchFailure struct {
	URL        string
	Kind       FailureKind
	StatusCode int
	Attempts   int
	Err        error
}

func (f *FetchFailure) Error() string {
	if f.StatusCode > 0 {
		return fmt.Sprintf("fetch %s failed (%s, status %d, %d attempts): %v",
			f.URL, f.Kind, f.StatusCode, f.Attempts, f.Err)
	}
	return fmt.Sprintf("fetch %s failed (%s, %d attempts): %v", f.URL, f.Kind, f.Attempts, f.Err)
}

func (f *FetchFailure) Unwrap() error {
	return f.Err
}

// FailureKindOf extracts the failure kind from err, defaulting to permanent.
func FailureKindOf(err error) FailureKind {
	var failure *FetchFailure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return KindPermanent
}

// StatusError reports a non-success HTTP status from a single attempt.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.Code)
}
