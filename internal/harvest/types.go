package harvest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus tracks the lifecycle of a per-source harvesting session.
type SessionStatus string

// Supported session statuses.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session is one per-source run record.
type Session struct {
	ID         uuid.UUID
	Source     string
	Status     SessionStatus
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Sessions maps a source name to the session opened for it in this run.
type Sessions map[string]uuid.UUID

// FetchClass labels the kind of request so gates and metrics can tell them apart.
type FetchClass string

// Supported fetch classes.
const (
	ClassListing FetchClass = "listing"
	ClassProduct FetchClass = "product"
	ClassReview  FetchClass = "review"
	ClassBrands  FetchClass = "brands"
)

// FetchRequest describes one remote payload to retrieve.
type FetchRequest struct {
	Class  FetchClass
	Source string
	URL    string
	// Delay is the politeness delay hint; zero means the fetcher default.
	Delay   time.Duration
	Headers http.Header
}

// FetchResponse is the payload returned by a successful fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// WorkUnit is one brand to harvest.
type WorkUnit struct {
	// Name is the brand as written in the brands file.
	Name string
	// Slug is the normalized form used in source URLs.
	Slug string
}

// NewWorkUnit builds a WorkUnit with its normalized slug.
func NewWorkUnit(name string) WorkUnit {
	return WorkUnit{Name: strings.TrimSpace(name), Slug: NormalizeBrand(name)}
}

// ListingRef identifies one product found on a listing page.
type ListingRef struct {
	Source string
	// ItemID is the source-scoped identifier, e.g. "thegioiskinfood-1234".
	ItemID string
	URL    string
	Name   string
	Brand  string
	Data   json.RawMessage
}

// NumericID returns the numeric suffix of ItemID when present.
func (l ListingRef) NumericID() (int64, bool) {
	return NumericSuffix(l.ItemID)
}

// ProductData is what an extractor pulls out of a product detail page.
type ProductData struct {
	CanonicalID *int64
	Name        string
	Data        json.RawMessage
}

// ProductRecord is the row persisted for one product snapshot.
type ProductRecord struct {
	Source      string
	ItemID      string
	ContentHash string
	Data        json.RawMessage
}

// ProductResult is the outcome of the product stage for one listing.
type ProductResult struct {
	Source      string
	ItemID      string
	Name        string
	CanonicalID *int64
	SnapshotID  int64
	Inserted    bool
}

// ReviewPageRecord is the row persisted for one page of reviews.
type ReviewPageRecord struct {
	SessionID  uuid.UUID
	ItemID     string
	SnapshotID int64
	Page       int
	Total      int
	Data       json.RawMessage
}

// NumericSuffix parses the digits after the last '-' of id, or the whole id.
func NumericSuffix(id string) (int64, bool) {
	part := id
	if i := strings.LastIndex(id, "-"); i >= 0 {
		part = id[i+1:]
	}
	if part == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(part, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ItemID formats a source-scoped item identifier.
func ItemID(source, rawID string) string {
	return source + "-" + strings.TrimSpace(rawID)
}
