package harvest

// SourceStats counts per-source outcomes for one work unit or a whole run.
type SourceStats struct {
	Listings          int `json:"listings"`
	ListingsDuplicate int `json:"listings_duplicate"`
	ListingFailures   int `json:"listing_failures"`
	ProductsNew       int `json:"products_new"`
	ProductsDuplicate int `json:"products_duplicate"`
	ProductsFailed    int `json:"products_failed"`
	ProductsSkipped   int `json:"products_skipped"`
	ReviewPagesSaved  int `json:"review_pages_saved"`
	ReviewPagesFailed int `json:"review_pages_failed"`
	ReviewItemsFailed int `json:"review_items_failed"`
}

// Add accumulates other into s.
func (s *SourceStats) Add(other SourceStats) {
	s.Listings += other.Listings
	s.ListingsDuplicate += other.ListingsDuplicate
	s.ListingFailures += other.ListingFailures
	s.ProductsNew += other.ProductsNew
	s.ProductsDuplicate += other.ProductsDuplicate
	s.ProductsFailed += other.ProductsFailed
	s.ProductsSkipped += other.ProductsSkipped
	s.ReviewPagesSaved += other.ReviewPagesSaved
	s.ReviewPagesFailed += other.ReviewPagesFailed
	s.ReviewItemsFailed += other.ReviewItemsFailed
}

// Failures is the number of per-item failures recorded.
func (s SourceStats) Failures() int {
	return s.ListingFailures + s.ProductsFailed + s.ReviewPagesFailed + s.ReviewItemsFailed
}

// UnitResult is the aggregate outcome of one work unit.
type UnitResult struct {
	Unit    WorkUnit
	Sources map[string]SourceStats
}

// NewUnitResult returns an empty result for unit.
func NewUnitResult(unit WorkUnit) UnitResult {
	return UnitResult{Unit: unit, Sources: make(map[string]SourceStats)}
}

// Degraded reports whether any item inside the unit failed.
func (r UnitResult) Degraded() bool {
	for _, s := range r.Sources {
		if s.Failures() > 0 {
			return true
		}
	}
	return false
}
