package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/hash/sha256"
	iduuid "github.com/JakeFAU/catalog-harvester/internal/id/uuid"
	"github.com/JakeFAU/catalog-harvester/internal/paginator"
	"github.com/JakeFAU/catalog-harvester/internal/storage/memory"
)

const reviewBase = "https://reviews.test/ratings"

// siteFetcher serves canned pages by URL and the review API by query.
type siteFetcher struct {
	mu           sync.Mutex
	pages        map[string]string
	fail         map[string]int
	reviewTotal  int
	reviewPerPg  int
	requests     map[harvest.FetchClass]int
	requestedURL []string
}

func newSiteFetcher() *siteFetcher {
	return &siteFetcher{
		pages:    make(map[string]string),
		fail:     make(map[string]int),
		requests: make(map[harvest.FetchClass]int),
	}
}

func (s *siteFetcher) Fetch(_ context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	s.mu.Lock()
	s.requests[req.Class]++
	s.requestedURL = append(s.requestedURL, req.URL)
	body, ok := s.pages[req.URL]
	code := s.fail[req.URL]
	s.mu.Unlock()

	if code != 0 {
		return harvest.FetchResponse{}, &harvest.FetchFailure{URL: req.URL, Kind: harvest.KindTransient, StatusCode: code, Attempts: 3, Err: errors.New("server error")}
	}
	if strings.HasPrefix(req.URL, reviewBase) {
		return s.reviewPage(req.URL)
	}
	if !ok {
		return harvest.FetchResponse{}, &harvest.FetchFailure{URL: req.URL, Kind: harvest.KindPermanent, StatusCode: 404, Attempts: 1, Err: errors.New("not found")}
	}
	return harvest.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(body), Attempts: 1}, nil
}

func (s *siteFetcher) reviewPage(raw string) (harvest.FetchResponse, error) {
	u, _ := url.Parse(raw)
	page, _ := strconv.Atoi(u.Query().Get("page"))
	var ratings []map[string]int
	for i := (page - 1) * s.reviewPerPg; i < min(page*s.reviewPerPg, s.reviewTotal); i++ {
		ratings = append(ratings, map[string]int{"id": i})
	}
	body, _ := json.Marshal(map[string]any{"total": s.reviewTotal, "list_ratings": ratings})
	return harvest.FetchResponse{URL: raw, StatusCode: 200, Body: body, Attempts: 1}, nil
}

func (s *siteFetcher) Count(class harvest.FetchClass) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[class]
}

func lamthaoCard(id, slug, name string) string {
	return fmt.Sprintf(`<div class="product-inner" data-proid="%s"><h3 class="titleproduct"><a href="/products/%s">%s</a></h3></div>`, id, slug, name)
}

func lamthaoProduct(id int, title, vendor string) string {
	return fmt.Sprintf(`<html><script>window.F1GENZ_vars = { product: { data: {"id":%d,"title":%q,"handle":"h%d","vendor":%q,"price_min":10000000,"compare_at_price_min":0,"available":true,"variants":[]} } };</script></html>`,
		id, title, id, vendor)
}

type fixture struct {
	fetcher *siteFetcher
	store   *memory.Store
	archive *memory.BlobStore
	sources []Source
	clock   *system.Manual
}

// newFixture wires BrandX with two listings on source A (paginated) and one
// on source B, whose review API reports 25 reviews at 10 per page.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fetcher: newSiteFetcher(),
		clock:   system.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
		archive: memory.NewBlobStore(),
	}
	f.store = memory.NewStore(f.clock, iduuid.New())

	f.fetcher.pages["https://a.test/collections/vendors?q=brandx&page=1"] =
		"<html>" + lamthaoCard("11", "a-one", "BrandX Serum") + lamthaoCard("12", "a-two", "BrandX Toner") + "</html>"
	f.fetcher.pages["https://a.test/collections/vendors?q=brandx&page=2"] = "<html><p>Không có sản phẩm</p></html>"
	f.fetcher.pages["https://a.test/products/a-one"] = lamthaoProduct(11, "BrandX Serum", "BrandX")
	f.fetcher.pages["https://a.test/products/a-two"] = lamthaoProduct(12, "BrandX Toner", "BrandX")

	f.fetcher.pages["https://b.test/collections/brandx"] = `<html><div class="proLoop">
<div data-product-id="21"></div>
<p class="productName"><a href="/products/b-one">BrandX Cream</a></p>
<div class="loopvendor"><a class="fill-vendor">BrandX</a></div></div></html>`
	f.fetcher.pages["https://b.test/products/b-one"] = `<html><h1 class="page-product-info-title">BrandX Cream</h1></html>`
	f.fetcher.reviewTotal = 25
	f.fetcher.reviewPerPg = 10

	reviews, err := paginator.New(paginator.Config{
		Source: "thegioiskinfood", BaseURL: reviewBase, OrgID: "1", PageSize: 10,
	}, f.fetcher, f.store, nil)
	require.NoError(t, err)

	f.sources = []Source{
		{
			Name:             "lamthaocosmetics",
			BaseURL:          "https://a.test",
			ListingURL:       "https://a.test/collections/vendors?q={brand}&page={page}",
			ListingPaginated: true,
			ListingMaxPages:  5,
			Extractor:        extract.LamThaoExtractor{},
		},
		{
			Name:       "thegioiskinfood",
			BaseURL:    "https://b.test",
			ListingURL: "https://b.test/collections/{brand}",
			Extractor:  extract.SkinfoodExtractor{},
			Reviews:    reviews,
		},
	}
	return f
}

func (f *fixture) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg, f.sources, Dependencies{
		Fetcher: f.fetcher,
		Store:   f.store,
		Hasher:  sha256.New(),
		Clock:   f.clock,
		Archive: f.archive,
	}, nil)
	require.NoError(t, err)
	return o
}

func (f *fixture) sessions() harvest.Sessions {
	return harvest.Sessions{"lamthaocosmetics": uuid.New(), "thegioiskinfood": uuid.New()}
}

var fullRun = Config{Mode: ModeCrawl, Products: true, Reviews: true, ArchivePrefix: "raw"}

func TestRunAllStages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	o := f.orchestrator(t, fullRun)

	res, err := o.Run(context.Background(), harvest.NewWorkUnit("BrandX"), f.sessions())
	require.NoError(t, err)
	assert.False(t, res.Degraded())

	assert.Equal(t, harvest.SourceStats{Listings: 2, ProductsNew: 2}, res.Sources["lamthaocosmetics"])
	assert.Equal(t, harvest.SourceStats{Listings: 1, ProductsNew: 1, ReviewPagesSaved: 3}, res.Sources["thegioiskinfood"])

	assert.Equal(t, 3, f.store.ListingCount())
	assert.Len(t, f.store.Products(), 3)
	assert.Equal(t, []int{1, 2, 3}, f.store.ReviewPages("thegioiskinfood-21"))
	assert.Equal(t, 3, f.fetcher.Count(harvest.ClassReview))
	assert.Equal(t, 3, f.fetcher.Count(harvest.ClassListing), "two pages on A, one on B")

	paths := f.archive.Paths()
	require.Len(t, paths, 3)
	assert.True(t, strings.HasPrefix(paths[0], "raw/lamthaocosmetics/2025/03/01/lamthaocosmetics-11-"), paths[0])

	listings, err := f.store.ListingsForBrand(context.Background(), "lamthaocosmetics", "brandx")
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "BrandX", listings[0].Brand, "brand filled from the work unit")
}

func TestRerunIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.orchestrator(t, fullRun).Run(context.Background(), harvest.NewWorkUnit("BrandX"), f.sessions())
	require.NoError(t, err)

	res, err := f.orchestrator(t, fullRun).Run(context.Background(), harvest.NewWorkUnit("BrandX"), f.sessions())
	require.NoError(t, err)
	assert.Equal(t, harvest.SourceStats{Listings: 2, ProductsDuplicate: 2}, res.Sources["lamthaocosmetics"])
	assert.Equal(t, harvest.SourceStats{Listings: 1, ProductsDuplicate: 1}, res.Sources["thegioiskinfood"])
	assert.Len(t, f.store.Products(), 3)
	assert.Equal(t, []int{1, 2, 3}, f.store.ReviewPages("thegioiskinfood-21"))
}

func TestSeenSetSkipsItemsAcrossUnits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	o := f.orchestrator(t, fullRun)
	sessions := f.sessions()

	_, err := o.Run(context.Background(), harvest.NewWorkUnit("BrandX"), sessions)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), harvest.NewWorkUnit("brandx"), sessions)
	require.NoError(t, err)
	assert.Equal(t, harvest.SourceStats{ListingsDuplicate: 2}, res.Sources["lamthaocosmetics"])
	assert.Equal(t, harvest.SourceStats{ListingsDuplicate: 1}, res.Sources["thegioiskinfood"])
}

func TestProductFailureIsIsolated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.fail["https://a.test/products/a-two"] = 503
	f.fetcher.pages["https://a.test/products/a-one"] = "<html>maintenance</html>"

	res, err := f.orchestrator(t, fullRun).Run(context.Background(), harvest.NewWorkUnit("BrandX"), f.sessions())
	require.NoError(t, err)
	assert.True(t, res.Degraded())
	assert.Equal(t, harvest.SourceStats{Listings: 2, ProductsFailed: 1, ProductsSkipped: 1}, res.Sources["lamthaocosmetics"])
	assert.Equal(t, 3, res.Sources["thegioiskinfood"].ReviewPagesSaved)
}

// listingRejectingStore refuses listing writes for the given item ids.
type listingRejectingStore struct {
	*memory.Store
	reject map[string]error
}

func (s listingRejectingStore) InsertListing(ctx context.Context, sessionID uuid.UUID, listing harvest.ListingRef) (bool, error) {
	if err, ok := s.reject[listing.ItemID]; ok {
		return false, err
	}
	return s.Store.InsertListing(ctx, sessionID, listing)
}

func TestUnsavedListingIsNotHarvested(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	store := listingRejectingStore{Store: f.store, reject: map[string]error{
		"lamthaocosmetics-12": errors.New("db down"),
		"thegioiskinfood-21":  nil,
	}}
	o, err := New(fullRun, f.sources, Dependencies{
		Fetcher: f.fetcher,
		Store:   store,
		Hasher:  sha256.New(),
		Clock:   f.clock,
		Archive: f.archive,
	}, nil)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), harvest.NewWorkUnit("BrandX"), f.sessions())
	require.NoError(t, err)
	assert.Equal(t, harvest.SourceStats{Listings: 1, ListingFailures: 1, ProductsNew: 1}, res.Sources["lamthaocosmetics"])
	assert.Equal(t, harvest.SourceStats{ListingFailures: 1}, res.Sources["thegioiskinfood"])

	assert.Equal(t, 1, f.store.ListingCount())
	assert.Len(t, f.store.Products(), 1)
	assert.Equal(t, 1, f.fetcher.Count(harvest.ClassProduct))
	assert.Zero(t, f.fetcher.Count(harvest.ClassReview))
}

func TestListingOnlyRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.orchestrator(t, Config{Mode: ModeCrawl}).Run(context.Background(), harvest.NewWorkUnit("BrandX"), f.sessions())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sources["lamthaocosmetics"].Listings)
	assert.Zero(t, f.fetcher.Count(harvest.ClassProduct))
	assert.Empty(t, f.store.Products())
}

func TestStoredListingMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.orchestrator(t, Config{Mode: ModeCrawl}).Run(context.Background(), harvest.NewWorkUnit("BrandX"), f.sessions())
	require.NoError(t, err)
	listingFetches := f.fetcher.Count(harvest.ClassListing)

	res, err := f.orchestrator(t, Config{Mode: ModeStored, Products: true}).Run(context.Background(), harvest.NewWorkUnit("BrandX"), f.sessions())
	require.NoError(t, err)
	assert.Equal(t, listingFetches, f.fetcher.Count(harvest.ClassListing), "stored mode fetches no listing pages")
	assert.Equal(t, harvest.SourceStats{Listings: 2, ProductsNew: 2}, res.Sources["lamthaocosmetics"])
	assert.Equal(t, harvest.SourceStats{Listings: 1, ProductsNew: 1}, res.Sources["thegioiskinfood"])
}

func TestZeroListingsIsNotAFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.pages["https://a.test/collections/vendors?q=nobody&page=1"] = "<html></html>"
	f.fetcher.pages["https://b.test/collections/nobody"] = "<html></html>"

	res, err := f.orchestrator(t, fullRun).Run(context.Background(), harvest.NewWorkUnit("Nobody"), f.sessions())
	require.NoError(t, err)
	assert.False(t, res.Degraded())
	assert.Equal(t, harvest.SourceStats{}, res.Sources["lamthaocosmetics"])
	assert.Equal(t, harvest.SourceStats{}, res.Sources["thegioiskinfood"])
}

func TestRunRequiresSessionPerSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.orchestrator(t, fullRun).Run(context.Background(), harvest.NewWorkUnit("BrandX"), harvest.Sessions{"lamthaocosmetics": uuid.New()})
	require.ErrorContains(t, err, "no session")
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orchestrator(t, fullRun).Run(ctx, harvest.NewWorkUnit("BrandX"), f.sessions())
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	deps := Dependencies{Fetcher: newSiteFetcher(), Store: memory.NewStore(system.New(), iduuid.New()), Hasher: sha256.New(), Clock: system.New()}
	_, err := New(fullRun, nil, deps, nil)
	require.Error(t, err)
	_, err = New(fullRun, []Source{{Name: "a", Extractor: extract.LamThaoExtractor{}, ListingURL: "https://a/{page}"}}, deps, nil)
	require.ErrorContains(t, err, "{brand}")
	_, err = New(Config{Mode: "bogus"}, []Source{{Name: "a", Extractor: extract.LamThaoExtractor{}, ListingURL: "{brand}"}}, deps, nil)
	require.ErrorContains(t, err, "listing mode")
}

func TestListingURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://x/c?q=some-by-mi&page=3", listingURL("https://x/c?q={brand}&page={page}", "some-by-mi", 3))
	assert.Equal(t, "https://b.test/products/x", resolveURL("https://b.test", "/products/x"))
	assert.Equal(t, "https://c.test/y", resolveURL("https://b.test", "https://c.test/y"))
}
