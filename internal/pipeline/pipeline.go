// Package pipeline runs a kline sync for one (symbol, interval) pair: plan
// the segments, fetch them concurrently, check continuity as outcomes arrive
// and assemble a single deduplicated table. Downloader drives it over a batch
// of pairs and persists the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"klinesync/internal/catalog"
	"klinesync/internal/continuity"
	"klinesync/internal/metrics"
	"klinesync/internal/planner"
	"klinesync/logger"
	"klinesync/models"
)

var (
	// ErrUnknownSymbol is returned for symbols the catalog does not list.
	ErrUnknownSymbol = errors.New("ticker is not downloadable")
	// ErrNoDataAvailable is returned when a sync produced no klines at all.
	ErrNoDataAvailable = errors.New("no data found")
)

// Fetcher downloads one segment. Failures are reported in the outcome.
type Fetcher interface {
	Fetch(ctx context.Context, seg models.Segment) models.FetchOutcome
}

// Syncer fetches a date range for a pair.
type Syncer struct {
	catalog     *catalog.Catalog
	fetcher     Fetcher
	now         func() time.Time
	maxInFlight int
	progress    *metrics.Progress
	log         *logger.Log
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithClock sets the clock that decides which day is today.
func WithClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxInFlight bounds concurrent segment fetches. Zero means unbounded.
func WithMaxInFlight(n int) SyncerOption {
	return func(s *Syncer) { s.maxInFlight = n }
}

// WithProgress announces the segment count of every sync to p. p should
// also observe the fetcher so it sees completions.
func WithProgress(p *metrics.Progress) SyncerOption {
	return func(s *Syncer) { s.progress = p }
}

func NewSyncer(cat *catalog.Catalog, fetcher Fetcher, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		catalog: cat,
		fetcher: fetcher,
		now:     time.Now,
		log:     logger.GetLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sync returns every kline of symbol/interval published between start and
// end, both inclusive by date. The result is sorted and unique by Date.
//
// A failed segment is tolerated unless it lies before a segment that already
// succeeded, in which case the sync fails with *continuity.HoleError and the
// fetches still running are cancelled.
func (s *Syncer) Sync(ctx context.Context, symbol, interval string, start, end time.Time) (models.Table, error) {
	if !s.catalog.Contains(symbol) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	log := s.log.WithComponent("syncer").WithFields(logger.Fields{
		"run_id":   uuid.NewString(),
		"symbol":   symbol,
		"interval": interval,
		"start":    models.Date(start).Format(time.DateOnly),
		"end":      models.Date(end).Format(time.DateOnly),
	})

	segments := planner.Plan(symbol, interval, start, end)
	if len(segments) == 0 {
		log.Debug("nothing to fetch")
		return models.Table{}, nil
	}
	if s.progress != nil {
		s.progress.Begin(symbol, len(segments))
	}
	log.WithField("segments", len(segments)).Info("sync started")

	began := time.Now()
	tracker := continuity.NewTracker(s.now)
	g, gctx := errgroup.WithContext(ctx)
	if s.maxInFlight > 0 {
		g.SetLimit(s.maxInFlight)
	}

	var (
		mu     sync.Mutex
		tables []models.Table
	)
	for _, seg := range segments {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out := s.fetcher.Fetch(gctx, seg)
			// A fetch cut short by cancellation says nothing about the archive.
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := tracker.Observe(out); err != nil {
				return err
			}
			if out.OK() {
				mu.Lock()
				tables = append(tables, out.Table)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("sync aborted")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var combined models.Table
	for _, t := range tables {
		combined = append(combined, t...)
	}
	combined = combined.Dedup()
	combined.SortByDate()

	if len(combined) == 0 {
		return nil, fmt.Errorf("%w for %s between %s and %s", ErrNoDataAvailable, symbol,
			models.Date(start).Format(time.DateOnly), models.Date(end).Format(time.DateOnly))
	}

	logger.LogPerformanceEntry(log, "syncer", "sync", time.Since(began), logger.Fields{
		"records":  len(combined),
		"segments": len(segments),
	})
	return combined, nil
}
