// Package gate bounds the number of in-flight fetches with weighted
// semaphores: one global gate plus one gate per fetch class.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate caps concurrent holders at a fixed capacity.
type Gate struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64
}

// New returns a Gate admitting at most capacity holders.
func New(name string, capacity int) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("gate %s: capacity must be > 0, got %d", name, capacity)
	}
	return &Gate{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}, nil
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// func is safe to call more than once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return func() {}, fmt.Errorf("acquire gate %s: %w", g.name, err)
	}
	current := g.inFlight.Add(1)
	for {
		peak := g.peak.Load()
		if current <= peak || g.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.inFlight.Add(-1)
			g.sem.Release(1)
		})
	}, nil
}

// Name returns the gate label.
func (g *Gate) Name() string { return g.name }

// Capacity returns the configured slot count.
func (g *Gate) Capacity() int { return int(g.capacity) }

// InFlight returns the number of current holders.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Peak returns the highest number of simultaneous holders observed.
func (g *Gate) Peak() int { return int(g.peak.Load()) }
