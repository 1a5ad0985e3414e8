// Package fetcher wraps a single-attempt transport with the politeness and
// resilience rules every harvest request follows: a jittered delay before
// the call, an optional per-host rate limit, classified failures and
// bounded retries with exponential backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// Waiter blocks until a request to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) (time.Duration, error)
}

// Config tunes the RateLimited fetcher.
type Config struct {
	// DefaultDelay applies when a request carries no delay hint.
	DefaultDelay time.Duration
	// Jitter is the fractional spread applied to the delay (0.2 = ±20%).
	Jitter float64
}

// RateLimited implements harvest.Fetcher on top of a single-attempt fetcher.
type RateLimited struct {
	next    harvest.Fetcher
	policy  RetryPolicy
	limiter Waiter
	emitter progress.Emitter
	logger  *zap.Logger
	cfg     Config

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
	now    func() time.Time
}

// Option customizes a RateLimited fetcher.
type Option func(*RateLimited)

// WithLimiter puts a per-host rate limiter in front of every attempt.
func WithLimiter(w Waiter) Option {
	return func(f *RateLimited) { f.limiter = w }
}

// WithEmitter reports attempts and outcomes to emitter.
func WithEmitter(emitter progress.Emitter) Option {
	return func(f *RateLimited) {
		if emitter != nil {
			f.emitter = emitter
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *RateLimited) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithSleep replaces the delay/backoff sleeper; used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *RateLimited) { f.sleep = sleep }
}

// WithRandom replaces the jitter source; it must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(f *RateLimited) { f.random = random }
}

// NewRateLimited wraps next.
func NewRateLimited(next harvest.Fetcher, policy RetryPolicy, cfg Config, opts ...Option) *RateLimited {
	if policy == nil {
		policy = NewExponentialRetryPolicy(0, 0, -1, 0)
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0.2
	}
	f := &RateLimited{
		next:    next,
		policy:  policy,
		emitter: progress.Nop{},
		logger:  zap.NewNop(),
		cfg:     cfg,
		sleep:   sleepContext,
		random:  rand.Float64,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch waits the jittered delay, then tries the request until it succeeds,
// fails permanently, exhausts the attempt ceiling or ctx is done. Every
// failure is returned as *harvest.FetchFailure.
func (f *RateLimited) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	delay := req.Delay
	if delay <= 0 {
		delay = f.cfg.DefaultDelay
	}
	if err := f.sleep(ctx, f.jitter(delay)); err != nil {
		return harvest.FetchResponse{}, f.fail(req, harvest.KindCanceled, 0, 0, err)
	}

	for attempt := 1; ; attempt++ {
		if f.limiter != nil {
			waited, err := f.limiter.Wait(ctx, req.URL)
			if err != nil {
				return harvest.FetchResponse{}, f.fail(req, harvest.KindCanceled, attempt-1, 0, err)
			}
			if waited > 0 {
				f.logger.Debug("rate limited", zap.String("url", req.URL), zap.Duration("waited", waited))
			}
		}

		start := f.now()
		resp, err := f.next.Fetch(ctx, req)
		if err == nil {
			resp.Attempts = attempt
			f.emit(req, progress.Event{
				Stage:       progress.StageFetchDone,
				Attempt:     attempt,
				Bytes:       int64(len(resp.Body)),
				StatusClass: progress.ClassifyStatus(resp.StatusCode),
				Dur:         f.now().Sub(start),
			})
			return resp, nil
		}

		kind := Classify(err)
		if ctx.Err() != nil {
			kind = harvest.KindCanceled
		}
		status := statusCodeOf(err)
		if !f.policy.ShouldRetry(kind, attempt) {
			return harvest.FetchResponse{}, f.fail(req, kind, attempt, status, err)
		}

		backoff := f.policy.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		f.emit(req, progress.Event{
			Stage:       progress.StageFetchRetry,
			Attempt:     attempt,
			StatusClass: progress.ClassifyStatus(status),
			Note:        err.Error(),
		})
		if err := f.sleep(ctx, backoff); err != nil {
			return harvest.FetchResponse{}, f.fail(req, harvest.KindCanceled, attempt, status, err)
		}
	}
}

func (f *RateLimited) fail(req harvest.FetchRequest, kind harvest.FailureKind, attempts, status int, err error) error {
	failure := &harvest.FetchFailure{
		URL:        req.URL,
		Kind:       kind,
		StatusCode: status,
		Attempts:   attempts,
		Err:        err,
	}
	if kind != harvest.KindCanceled {
		f.logger.Warn("fetch failed",
			zap.String("url", req.URL),
			zap.String("class", string(req.Class)),
			zap.String("kind", string(kind)),
			zap.Int("status", status),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
	f.emit(req, progress.Event{
		Stage:       progress.StageFetchError,
		Attempt:     attempts,
		StatusClass: progress.ClassifyStatus(status),
		Note:        string(kind),
	})
	return failure
}

func (f *RateLimited) emit(req harvest.FetchRequest, evt progress.Event) {
	evt.TS = f.now().UTC()
	evt.Source = req.Source
	evt.Class = string(req.Class)
	evt.URL = req.URL
	f.emitter.Emit(evt)
}

// jitter spreads d uniformly over [d*(1-j), d*(1+j)].
func (f *RateLimited) jitter(d time.Duration) time.Duration {
	if d <= 0 || f.cfg.Jitter == 0 {
		return d
	}
	spread := (f.random()*2 - 1) * f.cfg.Jitter
	return time.Duration(float64(d) * (1 + spread))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sleep canceled: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// IsCanceled reports whether err is a fetch abandoned because of cancellation.
func IsCanceled(err error) bool {
	var failure *harvest.FetchFailure
	if errors.As(err, &failure) {
		return failure.Kind == harvest.KindCanceled
	}
	return errors.Is(err, context.Canceled)
}
