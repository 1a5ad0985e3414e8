// Package app builds the long-lived services of a harvest from configuration
// and shuts them down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/brands"
	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/coordinator"
	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/fetcher"
	collyfetcher "github.com/JakeFAU/catalog-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-harvester/internal/gate"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/hash/sha256"
	iduuid "github.com/JakeFAU/catalog-harvester/internal/id/uuid"
	"github.com/JakeFAU/catalog-harvester/internal/orchestrator"
	"github.com/JakeFAU/catalog-harvester/internal/paginator"
	"github.com/JakeFAU/catalog-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/catalog-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-harvester/internal/storage/gcs"
	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
	"github.com/JakeFAU/catalog-harvester/internal/storage/memory"
	"github.com/JakeFAU/catalog-harvester/internal/storage/postgres"
)

const closeTimeout = 15 * time.Second

// Option overrides a collaborator, mostly for tests.
type Option func(*options)

type options struct {
	transport http.RoundTripper
	store     harvest.Store
	publisher harvest.Publisher
	registry  *prometheus.Registry
	clock     harvest.Clock
}

// WithTransport sends every fetch through rt instead of the shared pool.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithStore replaces the configured storage backend.
func WithStore(store harvest.Store) Option {
	return func(o *options) { o.store = store }
}

// WithPublisher replaces the Pub/Sub summary publisher.
func WithPublisher(p harvest.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock replaces the system clock.
func WithClock(c harvest.Clock) Option {
	return func(o *options) { o.clock = c }
}

// App holds the shared services of one process.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Registry     *prometheus.Registry
	Hub          *progress.Hub
	Store        harvest.Store
	Archive      harvest.BlobStore
	Publisher    harvest.Publisher
	Gates        *gate.Set
	Fetcher      harvest.Fetcher
	Orchestrator *orchestrator.Orchestrator
	Coordinator  *coordinator.Coordinator
	Server       *api.Server

	pool      *collyfetcher.Pool
	closers   []func(context.Context) error
	closeOnce sync.Once
	closeErr  error
}

// New wires every service from cfg. On error, whatever was already opened
// is closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	a := &App{Config: cfg, Logger: logger, Registry: o.registry}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	promSink, err := sinks.NewPrometheusSink(o.registry)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	a.Hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")), promSink)
	a.closers = append(a.closers, a.Hub.Close)

	if err := a.openStore(ctx, o); err != nil {
		return nil, err
	}
	if err := a.openArchive(ctx); err != nil {
		return nil, err
	}
	if err := a.openPublisher(ctx, o); err != nil {
		return nil, err
	}
	if err := a.buildFetcher(o); err != nil {
		return nil, err
	}
	if err := a.buildPipeline(o); err != nil {
		return nil, err
	}
	a.Server = api.NewServer(a.Coordinator, o.registry, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("archive", cfg.Archive.Provider),
		zap.Bool("publish_summary", a.Publisher != nil),
		zap.Strings("sources", a.Orchestrator.Sources()),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context, o options) error {
	if o.store != nil {
		a.Store = o.store
		return nil
	}
	switch a.Config.DB.Driver {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             a.Config.DB.DSN,
			MaxConns:        a.Config.DB.MaxConns,
			MinConns:        a.Config.DB.MinConns,
			MaxConnLifetime: a.Config.DB.MaxConnLifetime,
		}, o.clock, iduuid.New())
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.Store = store
		if a.Config.DB.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				store.Close()
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
	case "memory":
		a.Logger.Warn("using in-memory storage; records are discarded at exit")
		a.Store = memory.NewStore(o.clock, iduuid.New())
	default:
		return fmt.Errorf("unknown db driver %q", a.Config.DB.Driver)
	}
	store := a.Store
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) openArchive(ctx context.Context) error {
	switch a.Config.Archive.Provider {
	case "", "none":
	case "memory":
		a.Archive = memory.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: a.Config.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.Archive = store
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.Config.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.Archive = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	default:
		return fmt.Errorf("unknown archive provider %q", a.Config.Archive.Provider)
	}
	return nil
}

func (a *App) openPublisher(ctx context.Context, o options) error {
	if o.publisher != nil {
		a.Publisher = o.publisher
		return nil
	}
	if a.Config.PubSub.ProjectID == "" {
		return nil
	}
	pub, err := pubsubpublisher.Open(ctx, pubsubpublisher.Config{
		ProjectID: a.Config.PubSub.ProjectID,
		TopicID:   a.Config.PubSub.TopicName,
	})
	if err != nil {
		return fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.Publisher = pub
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	return nil
}

// buildFetcher stacks gate -> delay/retry -> single attempt -> pool.
func (a *App) buildFetcher(o options) error {
	cfg := a.Config
	transport := o.transport
	if transport == nil {
		a.pool = collyfetcher.NewPool(collyfetcher.PoolConfig{
			MaxConns:        cfg.HTTP.MaxConns,
			MaxConnsPerHost: cfg.HTTP.MaxConnsPerHost,
		})
		transport = a.pool
		pool := a.pool
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
	}
	headers := http.Header{}
	if cfg.HTTP.AcceptLanguage != "" {
		headers.Set("Accept-Language", cfg.HTTP.AcceptLanguage)
	}
	attempt := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Headers:   headers,
		Timeout:   cfg.HTTP.Timeout,
	}, transport)

	policy := fetcher.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, cfg.HTTP.BackoffBase, cfg.HTTP.BackoffMin, cfg.HTTP.BackoffMax)
	limited := fetcher.NewRateLimited(attempt, policy,
		fetcher.Config{DefaultDelay: cfg.Harvest.RequestDelay, Jitter: cfg.HTTP.Jitter},
		fetcher.WithLimiter(ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			Burst:             cfg.HTTP.Burst,
		})),
		fetcher.WithEmitter(a.Hub),
		fetcher.WithLogger(a.Logger.Named("fetcher")),
	)

	overrides := map[string]int{}
	for _, s := range cfg.Sources {
		if s.ProductConcurrency > 0 {
			overrides[s.Name] = s.ProductConcurrency
		}
	}
	gates, err := gate.NewSet(gate.Config{
		Global: cfg.Gates.Global,
		Classes: map[harvest.FetchClass]int{
			harvest.ClassListing: cfg.Gates.Listing,
			harvest.ClassProduct: cfg.Gates.Product,
			harvest.ClassReview:  cfg.Gates.Review,
			harvest.ClassBrands:  cfg.Gates.Listing,
		},
		SourceOverrides: map[harvest.FetchClass]map[string]int{harvest.ClassProduct: overrides},
	})
	if err != nil {
		return fmt.Errorf("init gates: %w", err)
	}
	if err := a.Registry.Register(gates); err != nil {
		return fmt.Errorf("register gate metrics: %w", err)
	}
	a.Gates = gates
	a.Fetcher = fetcher.NewGated(gates, limited)
	return nil
}

func (a *App) buildPipeline(o options) error {
	cfg := a.Config
	sources := make([]orchestrator.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		ex, err := extract.Lookup(sc.Extractor)
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.Name, err)
		}
		src := orchestrator.Source{
			Name:             sc.Name,
			BaseURL:          sc.BaseURL,
			ListingURL:       sc.ListingURL,
			ListingPaginated: sc.ListingPaginated,
			ListingMaxPages:  sc.ListingMaxPages,
			ListingDelay:     sc.ListingDelay,
			ProductDelay:     sc.ProductDelay,
			Extractor:        ex,
		}
		if r := sc.ReviewAPI; r != nil {
			p, err := paginator.New(paginator.Config{
				Source:   sc.Name,
				BaseURL:  r.BaseURL,
				OrgID:    r.OrgID,
				PageSize: r.PageSize,
				Delay:    r.Delay,
			}, a.Fetcher, a.Store, a.Logger)
			if err != nil {
				return fmt.Errorf("source %s: %w", sc.Name, err)
			}
			src.Reviews = p
		}
		sources = append(sources, src)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Mode:          orchestrator.ListingMode(cfg.Harvest.ListingMode),
		Products:      cfg.StageEnabled(config.StageProduct),
		Reviews:       cfg.StageEnabled(config.StageReview),
		SeenCacheSize: cfg.Harvest.SeenCacheSize,
		ArchivePrefix: cfg.Archive.Prefix,
	}, sources, orchestrator.Dependencies{
		Fetcher: a.Fetcher,
		Store:   a.Store,
		Hasher:  sha256.New(),
		Clock:   o.clock,
		Archive: a.Archive,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	a.Orchestrator = orch

	coord, err := coordinator.New(coordinator.Config{
		BrandConcurrency: cfg.Harvest.BrandConcurrency,
		FinalizeTimeout:  cfg.Harvest.FinalizeTimeout,
		SummaryTopic:     cfg.PubSub.TopicName,
	}, orch, a.Store, o.clock, a.Publisher, a.Hub, a.Logger)
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}
	a.Coordinator = coord
	return nil
}

// BrandDirectories lists the sources that publish a brand directory page.
func (a *App) BrandDirectories() ([]brands.Directory, error) {
	var dirs []brands.Directory
	for _, sc := range a.Config.Sources {
		if sc.BrandsURL == "" {
			continue
		}
		ex, err := extract.Lookup(sc.Extractor)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		dirs = append(dirs, brands.Directory{Source: sc.Name, URL: sc.BrandsURL, Extractor: ex})
	}
	if len(dirs) == 0 {
		return nil, errors.New("no source has a brands_url")
	}
	return dirs, nil
}

// Close shuts services down in reverse order of creation. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, closeTimeout)
		defer cancel()
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closeErr = multierr.Append(a.closeErr, a.closers[i](ctx))
		}
		if a.Logger != nil {
			_ = a.Logger.Sync()
		}
	})
	return a.closeErr
}
