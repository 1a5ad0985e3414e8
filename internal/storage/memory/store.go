package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Store implements harvest.Store in memory with the same insert-if-absent
// semantics as the Postgres store.
type Store struct {
	mu    sync.RWMutex
	clock harvest.Clock
	ids   harvest.IDGenerator

	sessions map[uuid.UUID]harvest.Session
	listings map[string]harvest.ListingRef
	order    []string

	nextSnapshot  int64
	snapshots     map[string]int64 // source|item|hash -> id
	latestProduct map[string]int64 // item -> id
	products      []harvest.ProductRecord

	reviews map[string]map[int]harvest.ReviewPageRecord
}

// NewStore returns an empty Store.
func NewStore(clock harvest.Clock, ids harvest.IDGenerator) *Store {
	return &Store{
		clock:         clock,
		ids:           ids,
		sessions:      make(map[uuid.UUID]harvest.Session),
		listings:      make(map[string]harvest.ListingRef),
		snapshots:     make(map[string]int64),
		latestProduct: make(map[string]int64),
		reviews:       make(map[string]map[int]harvest.ReviewPageRecord),
	}
}

// CreateSession opens a running session for source.
func (s *Store) CreateSession(_ context.Context, source string) (uuid.UUID, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("create session id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = harvest.Session{
		ID:        id,
		Source:    source,
		Status:    harvest.SessionRunning,
		StartedAt: s.clock.Now(),
	}
	return id, nil
}

// CompleteSession records the final status of a session.
func (s *Store) CompleteSession(_ context.Context, id uuid.UUID, status harvest.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	now := s.clock.Now()
	session.Status = status
	session.FinishedAt = &now
	s.sessions[id] = session
	return nil
}

// InsertListing keeps the first listing seen per item id.
func (s *Store) InsertListing(_ context.Context, _ uuid.UUID, listing harvest.ListingRef) (bool, error) {
	if listing.ItemID == "" {
		return false, fmt.Errorf("listing item id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listings[listing.ItemID]; !exists {
		s.listings[listing.ItemID] = listing
		s.order = append(s.order, listing.ItemID)
	}
	return true, nil
}

// InsertProduct stores a snapshot unless an identical one exists.
func (s *Store) InsertProduct(_ context.Context, _ uuid.UUID, record harvest.ProductRecord) (int64, bool, error) {
	if record.ItemID == "" {
		return 0, false, fmt.Errorf("product item id is required")
	}
	key := record.Source + "|" + record.ItemID + "|" + record.ContentHash
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.snapshots[key]; exists {
		return id, false, nil
	}
	s.nextSnapshot++
	id := s.nextSnapshot
	s.snapshots[key] = id
	s.latestProduct[record.ItemID] = id
	s.products = append(s.products, record)
	return id, true, nil
}

// InsertReviewPage stores a page unless it is already present for the item.
func (s *Store) InsertReviewPage(_ context.Context, record harvest.ReviewPageRecord) (bool, error) {
	if record.ItemID == "" || record.Page < 1 {
		return false, fmt.Errorf("review page requires item id and page >= 1")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pages, ok := s.reviews[record.ItemID]
	if !ok {
		pages = make(map[int]harvest.ReviewPageRecord)
		s.reviews[record.ItemID] = pages
	}
	if _, exists := pages[record.Page]; exists {
		return false, nil
	}
	pages[record.Page] = record
	return true, nil
}

// LatestProductSnapshotID returns the newest snapshot for itemID.
func (s *Store) LatestProductSnapshotID(_ context.Context, itemID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.latestProduct[itemID]
	if !ok {
		return 0, harvest.ErrNoSnapshot
	}
	return id, nil
}

// LatestReviewPage returns the highest stored page for itemID, or 0.
func (s *Store) LatestReviewPage(_ context.Context, itemID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := 0
	for page := range s.reviews[itemID] {
		if page > latest {
			latest = page
		}
	}
	return latest, nil
}

// ListingsForBrand returns the stored listings of source whose brand loosely
// matches brand, in insertion order.
func (s *Store) ListingsForBrand(_ context.Context, source, brand string) ([]harvest.ListingRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.ListingRef
	for _, id := range s.order {
		listing := s.listings[id]
		if listing.Source == source && harvest.BrandMatches(listing.Brand, brand) {
			out = append(out, listing)
		}
	}
	return out, nil
}

// Close implements harvest.Store.
func (s *Store) Close() {}

// Sessions returns every session, oldest first.
func (s *Store) Sessions() []harvest.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Products returns the stored product snapshots in insertion order.
func (s *Store) Products() []harvest.ProductRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]harvest.ProductRecord(nil), s.products...)
}

// ReviewPages returns the stored page numbers for itemID in ascending order.
func (s *Store) ReviewPages(itemID string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := make([]int, 0, len(s.reviews[itemID]))
	for page := range s.reviews[itemID] {
		pages = append(pages, page)
	}
	sort.Ints(pages)
	return pages
}

// ListingCount returns the number of distinct stored listings.
func (s *Store) ListingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listings)
}
