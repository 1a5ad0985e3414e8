// Package paginator harvests the review pages of one product, resuming after
// the last page already stored.
package paginator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Config describes the review API of one source.
type Config struct {
	Source   string
	BaseURL  string
	OrgID    string
	PageSize int
	Delay    time.Duration
}

// Item identifies the product whose reviews are harvested.
type Item struct {
	SessionID uuid.UUID
	ItemID    string
	NumericID int64
}

// Result summarizes one Harvest call.
type Result struct {
	StartPage      int
	TotalPages     int
	Saved          int
	Failed         int
	ShortCircuited bool
	// NoSnapshot is set when the item was skipped for lack of a product row.
	NoSnapshot bool
}

// Paginator fetches review pages through a gated fetcher and persists them.
type Paginator struct {
	cfg     Config
	fetcher harvest.Fetcher
	store   harvest.Store
	logger  *zap.Logger
}

// New validates cfg and returns a Paginator.
func New(cfg Config, fetcher harvest.Fetcher, store harvest.Store, logger *zap.Logger) (*Paginator, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("review api base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse review api base url: %w", err)
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("review page size must be > 0, got %d", cfg.PageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Paginator{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		logger:  logger.Named("paginator").With(zap.String("source", cfg.Source)),
	}, nil
}

// Harvest stores every review page of item not stored yet. Individual page
// failures are counted in Result.Failed; the returned error is reserved for
// failures that stop the item as a whole (lookup or probe).
func (p *Paginator) Harvest(ctx context.Context, item Item) (Result, error) {
	log := p.logger.With(zap.String("item_id", item.ItemID))

	snapshotID, err := p.store.LatestProductSnapshotID(ctx, item.ItemID)
	if errors.Is(err, harvest.ErrNoSnapshot) {
		log.Debug("no product snapshot, skipping reviews")
		return Result{NoSnapshot: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("lookup product snapshot: %w", err)
	}

	marker, err := p.store.LatestReviewPage(ctx, item.ItemID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup review marker: %w", err)
	}
	start := StartPage(marker)
	res := Result{StartPage: start}

	probe, err := p.fetchPage(ctx, item, start)
	if err != nil {
		return res, fmt.Errorf("probe page %d: %w", start, err)
	}
	if len(probe.Ratings) == 0 {
		log.Debug("no reviews beyond stored marker", zap.Int("marker", marker))
		return res, nil
	}

	plan := Decide(marker, probe.Total, p.cfg.PageSize)
	res.TotalPages = plan.Total
	if plan.Done {
		log.Debug("all review pages already stored", zap.Int("marker", marker), zap.Int("total_pages", plan.Total))
		res.ShortCircuited = true
		return res, nil
	}

	inserted, err := p.save(ctx, item, snapshotID, start, probe)
	if err != nil {
		res.Failed++
		log.Warn("persist review page failed", zap.Int("page", start), zap.Error(err))
	} else if inserted {
		res.Saved++
	}

	outcomes := iter.Mapper[int, pageOutcome]{MaxGoroutines: max(1, len(plan.Remaining))}.
		Map(plan.Remaining, func(page *int) pageOutcome {
			return p.harvestPage(ctx, item, snapshotID, *page)
		})
	for _, out := range outcomes {
		switch {
		case out.err != nil:
			res.Failed++
			log.Warn("review page failed", zap.Int("page", out.page), zap.Error(out.err))
		case out.inserted:
			res.Saved++
		}
	}

	log.Info("reviews harvested",
		zap.Int("start_page", start),
		zap.Int("total_pages", plan.Total),
		zap.Int("saved", res.Saved),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

type pageOutcome struct {
	page     int
	inserted bool
	err      error
}

func (p *Paginator) harvestPage(ctx context.Context, item Item, snapshotID int64, page int) pageOutcome {
	decoded, err := p.fetchPage(ctx, item, page)
	if err != nil {
		return pageOutcome{page: page, err: err}
	}
	if len(decoded.Ratings) == 0 {
		return pageOutcome{page: page}
	}
	inserted, err := p.save(ctx, item, snapshotID, page, decoded)
	return pageOutcome{page: page, inserted: inserted, err: err}
}

func (p *Paginator) fetchPage(ctx context.Context, item Item, page int) (Page, error) {
	target := p.PageURL(item.NumericID, page)
	resp, err := p.fetcher.Fetch(ctx, harvest.FetchRequest{
		Class:  harvest.ClassReview,
		Source: p.cfg.Source,
		URL:    target,
		Delay:  p.cfg.Delay,
	})
	if err != nil {
		return Page{}, err
	}
	decoded, err := DecodePage(resp.Body)
	if err != nil {
		return Page{}, &harvest.FetchFailure{URL: target, Kind: harvest.KindDecode, Attempts: resp.Attempts, Err: err}
	}
	return decoded, nil
}

func (p *Paginator) save(ctx context.Context, item Item, snapshotID int64, page int, decoded Page) (bool, error) {
	inserted, err := p.store.InsertReviewPage(ctx, harvest.ReviewPageRecord{
		SessionID:  item.SessionID,
		ItemID:     item.ItemID,
		SnapshotID: snapshotID,
		Page:       page,
		Total:      decoded.Total,
		Data:       decoded.Raw,
	})
	if err != nil {
		return false, fmt.Errorf("insert review page %d: %w", page, err)
	}
	return inserted, nil
}

// PageURL builds the review API URL for one page.
func (p *Paginator) PageURL(numericID int64, page int) string {
	q := url.Values{}
	q.Set("org_id", p.cfg.OrgID)
	q.Set("product_id", strconv.FormatInt(numericID, 10))
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(p.cfg.PageSize))
	q.Set("source_cr_at", "desc")
	return p.cfg.BaseURL + "?" + q.Encode()
}

// Page is one decoded review API response.
type Page struct {
	Total   int
	Ratings []json.RawMessage
	Raw     json.RawMessage
}

// DecodePage parses a review API body of the form
// {"total": N, "list_ratings": [...]}.
func DecodePage(body []byte) (Page, error) {
	var payload struct {
		Total       int               `json:"total"`
		ListRatings []json.RawMessage `json:"list_ratings"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Page{}, fmt.Errorf("decode review page: %w", err)
	}
	return Page{
		Total:   payload.Total,
		Ratings: payload.ListRatings,
		Raw:     append(json.RawMessage(nil), body...),
	}, nil
}
