package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/cache"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/geotile"
	"github.com/paulmach/orb/maptile"
)

// ValueResult is the outcome of a value request. Value is meaningful only
// when Found is true; a point without coverage has Found false and no error.
type ValueResult struct {
	Value  float64
	Found  bool
	Metric *RequestMetric
	Err    error
}

type valueOutcome struct {
	value  float64
	found  bool
	metric RequestMetric
}

// ObtainValue blocks until the value request completes.
func (p *Provider) ObtainValue(req domain.ValueRequest, collectMetric bool) ValueResult {
	ch := make(chan ValueResult, 1)
	p.ObtainValueAsync(req, collectMetric, func(r ValueResult) { ch <- r })
	return <-ch
}

// ObtainValueAsync samples one band at a point and calls cb from a worker.
func (p *Provider) ObtainValueAsync(req domain.ValueRequest, collectMetric bool, cb func(ValueResult)) {
	submitted := time.Now()
	req = req.Clone()
	deliver := func(out valueOutcome, err error) {
		cb(ValueResult{
			Value:  out.value,
			Found:  out.found,
			Err:    err,
			Metric: p.observe(kindValue, outcomeLabel(err, out.found), collectMetric, out.metric, submitted),
		})
	}

	if p.closed.Load() {
		go deliver(valueOutcome{}, domain.ErrProviderClosed)
		return
	}
	if !req.Band.Valid() {
		go deliver(valueOutcome{}, fmt.Errorf("%w: unknown band %d", domain.ErrInvalidRequest, req.Band))
		return
	}

	// Requests for the same point only share a sample from the same time slot.
	observed := p.DateTime()
	key := req.Key() + "@" + p.timeKey(observed)
	f, leader := p.values.join(key, req.Token.Context(), domain.ErrCancelled, deliver)
	if !leader {
		p.metrics.DedupAttached.WithLabelValues(kindValue).Inc()
		return
	}
	p.submit(func() {
		out, err := p.computeValue(f.ctx, req, observed, submitted)
		p.values.finish(f, out, p.closedErr(err))
	}, func() {
		p.values.finish(f, valueOutcome{}, domain.ErrProviderClosed)
	})
}

func (p *Provider) computeValue(ctx context.Context, req domain.ValueRequest, observed, submitted time.Time) (valueOutcome, error) {
	out := valueOutcome{value: math.NaN(), metric: RequestMetric{QueueWait: time.Since(submitted)}}
	token := domain.NewCancelTokenFromContext(ctx)
	defer token.Cancel()

	if token.Cancelled() {
		return out, domain.ErrCancelled
	}
	if domain.LayerForZoom(req.Zoom) == domain.LayerUndefined {
		return out, nil
	}

	grid, err := p.gridFor(token, req.Point.Tile(domain.GeoTileZoom()), observed, &out.metric)
	if err != nil || grid == nil {
		return out, err
	}
	out.value, out.found = grid.Sample(req.Band, req.Point)
	return out, nil
}

// gridFor returns the decoded grid of a geo tile, downloading it first when
// it is missing. A nil grid with a nil error means no coverage.
func (p *Provider) gridFor(token *domain.CancelToken, geo maptile.Tile, observed time.Time, m *RequestMetric) (*geotile.Grid, error) {
	key := p.cache.Key(observed, geo)
	if !p.cache.HasRaw(key) {
		start := time.Now()
		err := p.downloader.Ensure(token, observed, geo)
		m.Download += time.Since(start)
		switch {
		case token.Cancelled() || errors.Is(err, domain.ErrCancelled):
			return nil, domain.ErrCancelled
		case err != nil:
			p.logger.Debug("geo tile unavailable", "key", key.String(), "error", err)
			return nil, nil
		}
	}

	start := time.Now()
	g, err := p.cache.Grid(key)
	m.Decode += time.Since(start)
	if errors.Is(err, cache.ErrNotCached) {
		return nil, nil
	}
	return g, err
}
