package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/gate"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	results []error
	calls   int
	onCall  func()
}

func (s *scriptedFetcher) Fetch(_ context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onCall != nil {
		s.onCall()
	}
	idx := s.calls
	s.calls++
	if idx < len(s.results) && s.results[idx] != nil {
		return harvest.FetchResponse{}, s.results[idx]
	}
	return harvest.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte("ok")}, nil
}

func (s *scriptedFetcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sleep canceled: %w", err)
	}
	return nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) Stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Stage)
	}
	return out
}

func newTestFetcher(next harvest.Fetcher, sleeper *recordingSleeper, emitter progress.Emitter) *RateLimited {
	return NewRateLimited(next,
		NewExponentialRetryPolicy(3, time.Second, 2*time.Second, 10*time.Second),
		Config{DefaultDelay: time.Second, Jitter: 0.2},
		WithSleep(sleeper.Sleep),
		WithRandom(func() float64 { return 0.5 }),
		WithEmitter(emitter),
	)
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{results: []error{&harvest.StatusError{Code: 503}}}
	sleeper := &recordingSleeper{}
	emitter := &captureEmitter{}
	f := newTestFetcher(next, sleeper, emitter)

	resp, err := f.Fetch(context.Background(), harvest.FetchRequest{
		Class: harvest.ClassProduct, Source: "lamthaocosmetics", URL: "https://lamthaocosmetics.vn/products/a",
	})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Attempts)
	require.Equal(t, 2, next.Calls())
	// initial delay (jitter midpoint) then one clamped backoff
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.sleeps)
	require.Equal(t, []progress.Stage{progress.StageFetchRetry, progress.StageFetchDone}, emitter.Stages())
}

func TestFetchPermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{results: []error{&harvest.StatusError{Code: 404}}}
	sleeper := &recordingSleeper{}
	emitter := &captureEmitter{}
	f := newTestFetcher(next, sleeper, emitter)

	_, err := f.Fetch(context.Background(), harvest.FetchRequest{Class: harvest.ClassProduct, URL: "https://example.com/x"})
	require.Error(t, err)

	var failure *harvest.FetchFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, harvest.KindPermanent, failure.Kind)
	require.Equal(t, 404, failure.StatusCode)
	require.Equal(t, 1, failure.Attempts)
	require.Equal(t, 1, next.Calls())
	require.Len(t, sleeper.sleeps, 1, "only the politeness delay")
	require.Equal(t, []progress.Stage{progress.StageFetchError}, emitter.Stages())
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	timeout := &url.Error{Op: "Get", URL: "https://example.com", Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}
	next := &scriptedFetcher{results: []error{timeout, timeout, timeout, timeout}}
	sleeper := &recordingSleeper{}
	f := newTestFetcher(next, sleeper, &captureEmitter{})

	_, err := f.Fetch(context.Background(), harvest.FetchRequest{Class: harvest.ClassReview, URL: "https://example.com"})
	var failure *harvest.FetchFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, harvest.KindTransient, failure.Kind)
	require.Equal(t, 3, failure.Attempts)
	require.Equal(t, 3, next.Calls())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 2 * time.Second}, sleeper.sleeps)
}

func TestFetchCanceledDuringDelay(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{}
	f := NewRateLimited(next, nil, Config{DefaultDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, harvest.FetchRequest{Class: harvest.ClassListing, URL: "https://example.com"})
	require.True(t, IsCanceled(err))
	require.Zero(t, next.Calls())
}

func TestFetchCanceledMidAttemptIsNotRetried(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	next := &scriptedFetcher{
		results: []error{&harvest.StatusError{Code: 502}},
		onCall:  cancel,
	}
	sleeper := &recordingSleeper{}
	f := newTestFetcher(next, sleeper, &captureEmitter{})

	_, err := f.Fetch(ctx, harvest.FetchRequest{Class: harvest.ClassReview, URL: "https://example.com"})
	require.True(t, IsCanceled(err))
	require.Equal(t, 1, next.Calls())
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()

	low := NewRateLimited(nil, nil, Config{Jitter: 0.2}, WithRandom(func() float64 { return 0 }))
	high := NewRateLimited(nil, nil, Config{Jitter: 0.2}, WithRandom(func() float64 { return 0.999999 }))

	require.InDelta(t, float64(800*time.Millisecond), float64(low.jitter(time.Second)), float64(time.Millisecond))
	require.InDelta(t, float64(1200*time.Millisecond), float64(high.jitter(time.Second)), float64(time.Millisecond))
	require.Zero(t, low.jitter(0))
}

func TestExponentialBackoffClamps(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, time.Second, 2*time.Second, 10*time.Second)
	require.Equal(t, 2*time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 4*time.Second, p.Backoff(3))
	require.Equal(t, 8*time.Second, p.Backoff(4))
	require.Equal(t, 10*time.Second, p.Backoff(5))

	require.True(t, p.ShouldRetry(harvest.KindTransient, 4))
	require.False(t, p.ShouldRetry(harvest.KindTransient, 5))
	require.False(t, p.ShouldRetry(harvest.KindPermanent, 1))
	require.False(t, p.ShouldRetry(harvest.KindDecode, 1))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want harvest.FailureKind
	}{
		{"server error", &harvest.StatusError{Code: 500}, harvest.KindTransient},
		{"rate limited", &harvest.StatusError{Code: 429}, harvest.KindTransient},
		{"not found", &harvest.StatusError{Code: 404}, harvest.KindPermanent},
		{"forbidden", fmt.Errorf("wrapped: %w", &harvest.StatusError{Code: 403}), harvest.KindPermanent},
		{"canceled", context.Canceled, harvest.KindCanceled},
		{"deadline", context.DeadlineExceeded, harvest.KindTransient},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, harvest.KindTransient},
		{"reset", &url.Error{Op: "Get", Err: errors.New("connection reset by peer")}, harvest.KindTransient},
		{"bad url", &url.Error{Op: "parse", Err: errors.New("invalid")}, harvest.KindPermanent},
		{"other", errors.New("unsupported protocol"), harvest.KindPermanent},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.err), tc.name)
	}
}

func TestGatedHoldsSlotForWholeFetch(t *testing.T) {
	t.Parallel()

	set, err := gate.NewSet(gate.Config{Classes: map[harvest.FetchClass]int{harvest.ClassProduct: 1}})
	require.NoError(t, err)
	product, err := set.For(harvest.ClassProduct, "a")
	require.NoError(t, err)

	var inside int
	next := &scriptedFetcher{onCall: func() { inside = product.InFlight() }}
	g := NewGated(set, next)

	_, err = g.Fetch(context.Background(), harvest.FetchRequest{Class: harvest.ClassProduct, Source: "a", URL: "https://a"})
	require.NoError(t, err)
	require.Equal(t, 1, inside)
	require.Equal(t, 0, product.InFlight())

	_, err = g.Fetch(context.Background(), harvest.FetchRequest{Class: harvest.ClassReview, Source: "a", URL: "https://a"})
	var failure *harvest.FetchFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, harvest.KindPermanent, failure.Kind)
}
