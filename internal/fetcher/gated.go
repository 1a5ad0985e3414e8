package fetcher

import (
	"context"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Acquirer hands out gate slots per fetch class and source.
type Acquirer interface {
	Acquire(ctx context.Context, class harvest.FetchClass, source string) (func(), error)
}

// Gated holds a gate slot for the whole fetch, delay and retries included.
type Gated struct {
	gates Acquirer
	next  harvest.Fetcher
}

// NewGated wraps next with gates.
func NewGated(gates Acquirer, next harvest.Fetcher) *Gated {
	return &Gated{gates: gates, next: next}
}

// Fetch implements harvest.Fetcher.
func (g *Gated) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	release, err := g.gates.Acquire(ctx, req.Class, req.Source)
	if err != nil {
		kind := harvest.KindPermanent
		if ctx.Err() != nil {
			kind = harvest.KindCanceled
		}
		return harvest.FetchResponse{}, &harvest.FetchFailure{URL: req.URL, Kind: kind, Err: err}
	}
	defer release()
	return g.next.Fetch(ctx, req)
}
