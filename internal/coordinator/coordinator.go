// Package coordinator drives a whole harvesting run: it opens one session per
// source, processes work units in bounded batches, isolates unit failures and
// always finalizes the sessions.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

const (
	defaultBrandConcurrency = 3
	defaultFinalizeTimeout  = 30 * time.Second
)

// UnitRunner executes every stage of one work unit.
type UnitRunner interface {
	Sources() []string
	Run(ctx context.Context, unit harvest.WorkUnit, sessions harvest.Sessions) (harvest.UnitResult, error)
}

// Config controls batching and the end-of-run report.
type Config struct {
	// BrandConcurrency is the number of units run concurrently per batch.
	BrandConcurrency int
	// FinalizeTimeout bounds session finalization and summary publishing.
	FinalizeTimeout time.Duration
	// SummaryTopic receives the JSON summary; empty disables publishing.
	SummaryTopic string
	// Tracer records one span per run and per unit; nil uses the global
	// provider.
	Tracer trace.Tracer
}

// Coordinator runs work units in sequential batches.
type Coordinator struct {
	cfg       Config
	runner    UnitRunner
	sessions  harvest.SessionStore
	clock     harvest.Clock
	publisher harvest.Publisher
	emitter   progress.Emitter
	logger    *zap.Logger

	mu   sync.Mutex
	live Summary
}

// New builds a Coordinator. publisher and emitter may be nil.
func New(
	cfg Config,
	runner UnitRunner,
	sessions harvest.SessionStore,
	clock harvest.Clock,
	publisher harvest.Publisher,
	emitter progress.Emitter,
	logger *zap.Logger,
) (*Coordinator, error) {
	if runner == nil || sessions == nil || clock == nil {
		return nil, errors.New("runner, session store and clock are required")
	}
	if len(runner.Sources()) == 0 {
		return nil, errors.New("runner has no sources")
	}
	if cfg.BrandConcurrency <= 0 {
		cfg.BrandConcurrency = defaultBrandConcurrency
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/JakeFAU/catalog-harvester/internal/coordinator")
	}
	return &Coordinator{
		cfg:       cfg,
		runner:    runner,
		sessions:  sessions,
		clock:     clock,
		publisher: publisher,
		emitter:   emitter,
		logger:    logger.Named("coordinator"),
		live:      Summary{Status: StatusPending, Sources: map[string]harvest.SourceStats{}},
	}, nil
}

// Run processes units and returns the final summary. Unit failures never
// fail the run; only a session that cannot be opened, a panic outside a unit,
// or cancellation of ctx does. Sessions are finalized on every path.
func (c *Coordinator) Run(ctx context.Context, units []harvest.WorkUnit) (summary Summary, err error) {
	ctx, span := c.cfg.Tracer.Start(ctx, "harvest.run", trace.WithAttributes(attribute.Int("units", len(units))))
	started := c.clock.Now()
	c.begin(started, len(units))
	c.emitter.Emit(progress.Event{TS: started.UTC(), Stage: progress.StageRunStart, Note: fmt.Sprintf("%d units", len(units))})
	c.logger.Info("run started", zap.Int("units", len(units)), zap.Int("brand_concurrency", c.cfg.BrandConcurrency))

	status := StatusFailed
	sessions, err := c.openSessions(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			status = StatusFailed
			err = fmt.Errorf("run panicked: %v", rec)
		}
		sessionStatus := harvest.SessionFailed
		if status == StatusCompleted {
			sessionStatus = harvest.SessionCompleted
		}
		if ferr := c.finalize(ctx, sessions, sessionStatus); ferr != nil {
			c.logger.Error("finalize sessions failed", zap.Error(ferr))
			err = multierr.Append(err, ferr)
			status = StatusFailed
		}
		summary = c.finish(status, err)
		c.report(ctx, summary, err)
		span.SetAttributes(attribute.String("status", string(status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if err != nil {
		return Summary{}, err
	}

	for i := 0; i < len(units); i += c.cfg.BrandConcurrency {
		if ctx.Err() != nil {
			break
		}
		batch := units[i:min(i+c.cfg.BrandConcurrency, len(units))]
		c.logger.Info("batch started", zap.Int("offset", i), zap.Int("size", len(batch)))
		c.runBatch(ctx, batch, sessions)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		status = StatusInterrupted
		return Summary{}, fmt.Errorf("run interrupted: %w", ctxErr)
	}
	status = StatusCompleted
	return Summary{}, nil
}

// Snapshot returns a copy of the live summary.
func (c *Coordinator) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live.clone()
}

func (c *Coordinator) openSessions(ctx context.Context) (harvest.Sessions, error) {
	sessions := make(harvest.Sessions)
	for _, source := range c.runner.Sources() {
		id, err := c.sessions.CreateSession(ctx, source)
		if err != nil {
			return sessions, fmt.Errorf("open session for %s: %w", source, err)
		}
		sessions[source] = id
		c.logger.Info("session opened", zap.String("source", source), zap.String("session_id", id.String()))
	}
	c.mu.Lock()
	for source, id := range sessions {
		c.live.Sessions[source] = id.String()
	}
	c.mu.Unlock()
	return sessions, nil
}

// finalize closes every opened session. It runs on a context detached from
// ctx so an interrupted run still records its terminal status.
func (c *Coordinator) finalize(ctx context.Context, sessions harvest.Sessions, status harvest.SessionStatus) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FinalizeTimeout)
	defer cancel()
	var errs error
	for source, id := range sessions {
		if err := c.sessions.CompleteSession(ctx, id, status); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("complete session for %s: %w", source, err))
			continue
		}
		c.logger.Info("session closed", zap.String("source", source), zap.String("status", string(status)))
	}
	return errs
}

func (c *Coordinator) runBatch(ctx context.Context, batch []harvest.WorkUnit, sessions harvest.Sessions) {
	var wg conc.WaitGroup
	for _, unit := range batch {
		wg.Go(func() {
			c.runUnit(ctx, unit, sessions)
		})
	}
	wg.Wait()
}

func (c *Coordinator) runUnit(ctx context.Context, unit harvest.WorkUnit, sessions harvest.Sessions) {
	ctx, span := c.cfg.Tracer.Start(ctx, "harvest.unit", trace.WithAttributes(attribute.String("brand", unit.Name)))
	defer span.End()
	started := c.clock.Now()
	var (
		result harvest.UnitResult
		err    error
		pc     panics.Catcher
	)
	pc.Try(func() {
		result, err = c.runner.Run(ctx, unit, sessions)
	})
	if rec := pc.Recovered(); rec != nil {
		c.logger.Error("unit panicked",
			zap.String("unit", unit.Name),
			zap.Any("panic", rec.Value),
			zap.ByteString("stack", rec.Stack),
		)
		err = fmt.Errorf("unit %s panicked: %w", unit.Name, rec.AsError())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Bool("degraded", result.Degraded()))
	}
	c.record(unit, result, err, c.clock.Now().Sub(started))
}

func (c *Coordinator) record(unit harvest.WorkUnit, result harvest.UnitResult, err error, dur time.Duration) {
	evt := progress.Event{TS: c.clock.Now().UTC(), Stage: progress.StageUnitDone, Unit: unit.Name, Dur: dur}

	c.mu.Lock()
	c.live.UnitsProcessed++
	for source, stats := range result.Sources {
		total := c.live.Sources[source]
		total.Add(stats)
		c.live.Sources[source] = total
	}
	switch {
	case err != nil:
		c.live.UnitsFailed = append(c.live.UnitsFailed, unit.Name)
		evt.Stage = progress.StageUnitError
		evt.Note = err.Error()
	case result.Degraded():
		c.live.UnitsDegraded = append(c.live.UnitsDegraded, unit.Name)
		evt.Note = "degraded"
	}
	c.mu.Unlock()

	c.emitter.Emit(evt)
	if err != nil {
		c.logger.Warn("unit failed", zap.String("unit", unit.Name), zap.Duration("duration", dur), zap.Error(err))
		return
	}
	c.logger.Info("unit done",
		zap.String("unit", unit.Name),
		zap.Duration("duration", dur),
		zap.Bool("degraded", result.Degraded()),
	)
}

func (c *Coordinator) begin(started time.Time, units int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = Summary{
		Status:     StatusRunning,
		StartedAt:  started,
		UnitsTotal: units,
		Sources:    make(map[string]harvest.SourceStats),
		Sessions:   make(map[string]string),
	}
}

func (c *Coordinator) finish(status RunStatus, err error) Summary {
	finished := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live.Status = status
	c.live.FinishedAt = finished
	c.live.Duration = finished.Sub(c.live.StartedAt)
	if err != nil {
		c.live.Error = err.Error()
	}
	return c.live.clone()
}

// report emits the terminal run event and publishes the summary.
func (c *Coordinator) report(ctx context.Context, summary Summary, runErr error) {
	evt := progress.Event{TS: summary.FinishedAt.UTC(), Stage: progress.StageRunDone, Dur: summary.Duration}
	if runErr != nil {
		evt.Stage = progress.StageRunError
		evt.Note = runErr.Error()
	}
	c.emitter.Emit(evt)

	c.logger.Info("run finished",
		zap.String("status", string(summary.Status)),
		zap.Duration("duration", summary.Duration),
		zap.Int("units_processed", summary.UnitsProcessed),
		zap.Strings("units_failed", summary.UnitsFailed),
		zap.Strings("units_degraded", summary.UnitsDegraded),
	)

	if c.publisher == nil || c.cfg.SummaryTopic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FinalizeTimeout)
	defer cancel()
	msgID, err := c.publisher.Publish(ctx, c.cfg.SummaryTopic, summary)
	if err != nil {
		c.logger.Warn("publish summary failed", zap.String("topic", c.cfg.SummaryTopic), zap.Error(err))
		return
	}
	c.logger.Info("summary published", zap.String("topic", c.cfg.SummaryTopic), zap.String("message_id", msgID))
}
