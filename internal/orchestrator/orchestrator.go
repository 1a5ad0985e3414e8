// Package orchestrator runs the listing, product and review stages for one
// work unit across every configured source.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/paginator"
)

// ListingMode selects where listings come from.
type ListingMode string

// Supported listing modes.
const (
	// ModeCrawl fetches listing pages from the source.
	ModeCrawl ListingMode = "crawl"
	// ModeStored reads listings saved by an earlier run.
	ModeStored ListingMode = "stored"
)

// Source describes one storefront.
type Source struct {
	Name    string
	BaseURL string
	// ListingURL is a template with {brand} and {page} placeholders.
	ListingURL       string
	ListingPaginated bool
	ListingMaxPages  int
	ListingDelay     time.Duration
	ProductDelay     time.Duration
	Extractor        harvest.Extractor
	// Reviews is nil when the source has no review API.
	Reviews *paginator.Paginator
}

// Config controls which stages run and where raw payloads are archived.
type Config struct {
	Mode     ListingMode
	Products bool
	Reviews  bool
	// SeenCacheSize bounds the run-wide set of processed item ids.
	SeenCacheSize int
	ArchivePrefix string
}

// Dependencies are the collaborators shared by every stage.
type Dependencies struct {
	Fetcher harvest.Fetcher
	Store   harvest.Store
	Hasher  harvest.Hasher
	Clock   harvest.Clock
	// Archive is optional; nil disables raw payload archiving.
	Archive harvest.BlobStore
}

// Orchestrator runs the stages of one work unit. It is safe for concurrent
// use by several units.
type Orchestrator struct {
	cfg     Config
	sources []Source
	deps    Dependencies
	seen    *lru.Cache[string, struct{}]
	logger  *zap.Logger
}

// New validates the configuration and builds an Orchestrator.
func New(cfg Config, sources []Source, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	if len(sources) == 0 {
		return nil, errors.New("at least one source is required")
	}
	if deps.Store == nil || deps.Hasher == nil || deps.Clock == nil {
		return nil, errors.New("store, hasher and clock are required")
	}
	if deps.Fetcher == nil && (cfg.Mode != ModeStored || cfg.Products) {
		return nil, errors.New("fetcher is required")
	}
	switch cfg.Mode {
	case ModeCrawl, ModeStored:
	case "":
		cfg.Mode = ModeCrawl
	default:
		return nil, fmt.Errorf("unknown listing mode %q", cfg.Mode)
	}
	for _, src := range sources {
		if src.Name == "" || src.Extractor == nil {
			return nil, fmt.Errorf("source %q needs a name and an extractor", src.Name)
		}
		if cfg.Mode == ModeCrawl && !strings.Contains(src.ListingURL, "{brand}") {
			return nil, fmt.Errorf("source %s listing url must contain {brand}", src.Name)
		}
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 50000
	}
	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		sources: sources,
		deps:    deps,
		seen:    seen,
		logger:  logger.Named("orchestrator"),
	}, nil
}

// Sources returns the configured source names in order.
func (o *Orchestrator) Sources() []string {
	names := make([]string, 0, len(o.sources))
	for _, s := range o.sources {
		names = append(names, s.Name)
	}
	return names
}

// Run executes every stage of unit on all sources concurrently. Per-item
// failures are counted in the result; the error is returned only when the
// unit could not run at all or the context was canceled.
func (o *Orchestrator) Run(ctx context.Context, unit harvest.WorkUnit, sessions harvest.Sessions) (harvest.UnitResult, error) {
	result := harvest.NewUnitResult(unit)
	for _, src := range o.sources {
		if _, ok := sessions[src.Name]; !ok {
			return result, fmt.Errorf("no session for source %s", src.Name)
		}
	}

	stats := iter.Mapper[Source, harvest.SourceStats]{MaxGoroutines: len(o.sources)}.
		Map(o.sources, func(src *Source) harvest.SourceStats {
			return o.runSource(ctx, *src, unit, sessions[src.Name])
		})
	for i, src := range o.sources {
		result.Sources[src.Name] = stats[i]
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("unit %s interrupted: %w", unit.Name, err)
	}
	return result, nil
}

func (o *Orchestrator) runSource(ctx context.Context, src Source, unit harvest.WorkUnit, session uuid.UUID) harvest.SourceStats {
	log := o.logger.With(zap.String("source", src.Name), zap.String("unit", unit.Name))
	var stats harvest.SourceStats

	listings := o.listings(ctx, src, unit, session, &stats, log)
	log.Info("listing stage done",
		zap.Int("listings", stats.Listings),
		zap.Int("duplicates", stats.ListingsDuplicate),
		zap.Int("failures", stats.ListingFailures),
	)
	if !o.cfg.Products || len(listings) == 0 || ctx.Err() != nil {
		return stats
	}

	products := o.products(ctx, src, session, listings, &stats, log)
	log.Info("product stage done",
		zap.Int("new", stats.ProductsNew),
		zap.Int("duplicate", stats.ProductsDuplicate),
		zap.Int("failed", stats.ProductsFailed),
		zap.Int("skipped", stats.ProductsSkipped),
	)
	if !o.cfg.Reviews || src.Reviews == nil || len(products) == 0 || ctx.Err() != nil {
		return stats
	}

	o.reviews(ctx, src, session, products, &stats, log)
	log.Info("review stage done",
		zap.Int("pages_saved", stats.ReviewPagesSaved),
		zap.Int("pages_failed", stats.ReviewPagesFailed),
		zap.Int("items_failed", stats.ReviewItemsFailed),
	)
	return stats
}

// listings discovers the unit's listings for src and returns the ones not
// processed earlier in the run.
func (o *Orchestrator) listings(
	ctx context.Context,
	src Source,
	unit harvest.WorkUnit,
	session uuid.UUID,
	stats *harvest.SourceStats,
	log *zap.Logger,
) []harvest.ListingRef {
	if o.cfg.Mode == ModeStored {
		refs, err := o.deps.Store.ListingsForBrand(ctx, src.Name, unit.Name)
		if err != nil {
			stats.ListingFailures++
			log.Warn("load stored listings failed", zap.Error(err))
			return nil
		}
		var out []harvest.ListingRef
		for _, ref := range refs {
			if o.markSeen(ref.ItemID) {
				stats.ListingsDuplicate++
				continue
			}
			stats.Listings++
			out = append(out, ref)
		}
		return out
	}

	maxPages := 1
	if src.ListingPaginated {
		maxPages = max(1, src.ListingMaxPages)
	}
	var out []harvest.ListingRef
	pageSeen := make(map[string]struct{})
	for page := 1; page <= maxPages; page++ {
		if ctx.Err() != nil {
			break
		}
		target := listingURL(src.ListingURL, unit.Slug, page)
		resp, err := o.deps.Fetcher.Fetch(ctx, harvest.FetchRequest{
			Class:  harvest.ClassListing,
			Source: src.Name,
			URL:    target,
			Delay:  src.ListingDelay,
		})
		if err != nil {
			if harvest.FailureKindOf(err) != harvest.KindCanceled {
				stats.ListingFailures++
				log.Warn("listing page failed", zap.Int("page", page), zap.Error(err))
			}
			break
		}
		refs, err := src.Extractor.ParseListingPage(resp.Body, src.Name)
		if err != nil {
			stats.ListingFailures++
			log.Warn("listing page unparsable", zap.Int("page", page), zap.Error(err))
			break
		}
		fresh := 0
		for _, ref := range refs {
			if _, dup := pageSeen[ref.ItemID]; dup {
				continue
			}
			pageSeen[ref.ItemID] = struct{}{}
			fresh++
			ref = o.completeRef(src, unit, ref)
			if o.markSeen(ref.ItemID) {
				stats.ListingsDuplicate++
				continue
			}
			ok, err := o.deps.Store.InsertListing(ctx, session, ref)
			if err != nil || !ok {
				stats.ListingFailures++
				log.Warn("persist listing failed", zap.String("item_id", ref.ItemID), zap.Error(err))
				continue
			}
			stats.Listings++
			out = append(out, ref)
		}
		log.Debug("listing page read", zap.Int("page", page), zap.Int("cards", len(refs)), zap.Int("fresh", fresh))
		if fresh == 0 {
			break
		}
	}
	return out
}

// markSeen reports whether itemID was already processed in this run.
func (o *Orchestrator) markSeen(itemID string) bool {
	seen, _ := o.seen.ContainsOrAdd(itemID, struct{}{})
	return seen
}

func (o *Orchestrator) completeRef(src Source, unit harvest.WorkUnit, ref harvest.ListingRef) harvest.ListingRef {
	if ref.Source == "" {
		ref.Source = src.Name
	}
	if ref.Brand == "" {
		ref.Brand = unit.Name
	}
	return ref
}

func listingURL(template, slug string, page int) string {
	return strings.NewReplacer(
		"{brand}", url.PathEscape(slug),
		"{page}", strconv.Itoa(page),
	).Replace(template)
}

func resolveURL(base, ref string) string {
	if base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

type productOutcome struct {
	result *harvest.ProductResult
	// one of "new", "duplicate", "failed", "skipped", "canceled"
	state string
}

func (o *Orchestrator) products(
	ctx context.Context,
	src Source,
	session uuid.UUID,
	listings []harvest.ListingRef,
	stats *harvest.SourceStats,
	log *zap.Logger,
) []harvest.ProductResult {
	outcomes := iter.Mapper[harvest.ListingRef, productOutcome]{MaxGoroutines: len(listings)}.
		Map(listings, func(ref *harvest.ListingRef) productOutcome {
			return o.product(ctx, src, session, *ref, log)
		})

	var out []harvest.ProductResult
	for _, oc := range outcomes {
		switch oc.state {
		case "new":
			stats.ProductsNew++
		case "duplicate":
			stats.ProductsDuplicate++
		case "failed":
			stats.ProductsFailed++
		case "skipped":
			stats.ProductsSkipped++
		}
		if oc.result != nil {
			out = append(out, *oc.result)
		}
	}
	return out
}

func (o *Orchestrator) product(
	ctx context.Context,
	src Source,
	session uuid.UUID,
	ref harvest.ListingRef,
	log *zap.Logger,
) productOutcome {
	log = log.With(zap.String("item_id", ref.ItemID))
	target := resolveURL(src.BaseURL, ref.URL)
	resp, err := o.deps.Fetcher.Fetch(ctx, harvest.FetchRequest{
		Class:  harvest.ClassProduct,
		Source: src.Name,
		URL:    target,
		Delay:  src.ProductDelay,
	})
	if err != nil {
		if harvest.FailureKindOf(err) == harvest.KindCanceled {
			return productOutcome{state: "canceled"}
		}
		log.Warn("product fetch failed", zap.Error(err))
		return productOutcome{state: "failed"}
	}

	data, err := src.Extractor.ParseProductPage(resp.Body, ref)
	if err != nil {
		log.Info("product page yielded no data", zap.Error(err))
		return productOutcome{state: "skipped"}
	}
	hash, err := o.deps.Hasher.Hash(data.Data)
	if err != nil {
		log.Warn("hash product failed", zap.Error(err))
		return productOutcome{state: "failed"}
	}
	o.archive(ctx, src, ref, hash, resp.Body, log)

	snapshotID, inserted, err := o.deps.Store.InsertProduct(ctx, session, harvest.ProductRecord{
		Source:      src.Name,
		ItemID:      ref.ItemID,
		ContentHash: hash,
		Data:        data.Data,
	})
	if err != nil {
		log.Warn("persist product failed", zap.Error(err))
		return productOutcome{state: "failed"}
	}

	canonical := data.CanonicalID
	if canonical == nil {
		if id, ok := ref.NumericID(); ok {
			canonical = &id
		}
	}
	state := "duplicate"
	if inserted {
		state = "new"
	}
	return productOutcome{
		state: state,
		result: &harvest.ProductResult{
			Source:      src.Name,
			ItemID:      ref.ItemID,
			Name:        data.Name,
			CanonicalID: canonical,
			SnapshotID:  snapshotID,
			Inserted:    inserted,
		},
	}
}

// archive stores the raw product page; failures only cost the archive copy.
func (o *Orchestrator) archive(ctx context.Context, src Source, ref harvest.ListingRef, hash string, body []byte, log *zap.Logger) {
	if o.deps.Archive == nil {
		return
	}
	path := o.archivePath(src.Name, ref.ItemID, hash)
	if _, err := o.deps.Archive.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(body)); err != nil {
		log.Warn("archive product page failed", zap.String("path", path), zap.Error(err))
	}
}

func (o *Orchestrator) archivePath(source, itemID, hash string) string {
	short := hash
	if len(short) > 16 {
		short = short[:16]
	}
	day := o.deps.Clock.Now().UTC().Format("2006/01/02")
	name := fmt.Sprintf("%s/%s/%s-%s.html", source, day, itemID, short)
	if prefix := strings.Trim(o.cfg.ArchivePrefix, "/"); prefix != "" {
		return prefix + "/" + name
	}
	return name
}

type reviewOutcome struct {
	res paginator.Result
	err error
}

func (o *Orchestrator) reviews(
	ctx context.Context,
	src Source,
	session uuid.UUID,
	products []harvest.ProductResult,
	stats *harvest.SourceStats,
	log *zap.Logger,
) {
	items := make([]paginator.Item, 0, len(products))
	for _, p := range products {
		if p.CanonicalID == nil {
			continue
		}
		items = append(items, paginator.Item{SessionID: session, ItemID: p.ItemID, NumericID: *p.CanonicalID})
	}
	if len(items) == 0 {
		return
	}

	outcomes := iter.Mapper[paginator.Item, reviewOutcome]{MaxGoroutines: len(items)}.
		Map(items, func(item *paginator.Item) reviewOutcome {
			res, err := src.Reviews.Harvest(ctx, *item)
			return reviewOutcome{res: res, err: err}
		})
	for i, oc := range outcomes {
		stats.ReviewPagesSaved += oc.res.Saved
		stats.ReviewPagesFailed += oc.res.Failed
		if oc.err != nil && harvest.FailureKindOf(oc.err) != harvest.KindCanceled {
			stats.ReviewItemsFailed++
			log.Warn("review harvest failed", zap.String("item_id", items[i].ItemID), zap.Error(oc.err))
		}
	}
}
