package harvest

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// SessionStore opens and closes per-source sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, source string) (uuid.UUID, error)
	CompleteSession(ctx context.Context, id uuid.UUID, status SessionStatus) error
}

// Store persists harvested records. Every insert is insert-if-absent.
type Store interface {
	SessionStore
	// InsertListing reports true when the listing was inserted or already present.
	InsertListing(ctx context.Context, sessionID uuid.UUID, listing ListingRef) (bool, error)
	// InsertProduct returns the snapshot id and whether a new row was written.
	InsertProduct(ctx context.Context, sessionID uuid.UUID, record ProductRecord) (int64, bool, error)
	// InsertReviewPage reports whether a new row was written.
	InsertReviewPage(ctx context.Context, record ReviewPageRecord) (bool, error)
	// LatestProductSnapshotID returns ErrNoSnapshot when the item has none.
	LatestProductSnapshotID(ctx context.Context, itemID string) (int64, error)
	// LatestReviewPage returns 0 when no page has been stored.
	LatestReviewPage(ctx context.Context, itemID string) (int, error)
	ListingsForBrand(ctx context.Context, source, brand string) ([]ListingRef, error)
	Close()
}

// Extractor turns source payloads into records.
type Extractor interface {
	ParseListingPage(payload []byte, source string) ([]ListingRef, error)
	ParseProductPage(payload []byte, ref ListingRef) (ProductData, error)
	ParseBrandDirectory(payload []byte) ([]string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for snapshot deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}
