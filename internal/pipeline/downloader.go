package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"klinesync/internal/metrics"
	"klinesync/internal/symbols"
	"klinesync/logger"
	"klinesync/models"
	"klinesync/writer"
)

// Status is the result of ensuring one pair.
type Status string

const (
	StatusUpdated   Status = "updated"
	StatusNoNewData Status = "no_new_data"
	StatusError     Status = "error"
)

// PairResult reports what EnsureTickers did for one pair and interval.
type PairResult struct {
	Pair     string
	Symbol   string
	Interval string
	Status   Status
	Records  int
	Err      error
}

// Downloader keeps archives up to date. One failing pair never stops the
// rest of the batch.
type Downloader struct {
	syncer    *Syncer
	store     writer.ArchiveStore
	normalize symbols.Normalizer
	prom      *metrics.Prometheus
	locks     *pairLocks
	log       *logger.Log
}

// DownloaderOption configures a Downloader.
type DownloaderOption func(*Downloader)

// WithNormalizer sets how caller pairs become archive symbols.
func WithNormalizer(n symbols.Normalizer) DownloaderOption {
	return func(d *Downloader) {
		if n != nil {
			d.normalize = n
		}
	}
}

// WithPrometheus records pair results on p.
func WithPrometheus(p *metrics.Prometheus) DownloaderOption {
	return func(d *Downloader) { d.prom = p }
}

func NewDownloader(syncer *Syncer, store writer.ArchiveStore, opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		syncer:    syncer,
		store:     store,
		normalize: symbols.FromCCXT,
		locks:     newPairLocks(),
		log:       logger.GetLogger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// EnsureTickers brings the archive of every pair and interval up to today.
// A pair resumes from the day of its newest stored kline, or from
// fallbackStart when it has no archive. A zero fallbackStart means two years
// before today.
func (d *Downloader) EnsureTickers(ctx context.Context, pairs, intervals []string, fallbackStart time.Time) []PairResult {
	today := models.Date(d.syncer.now())
	if fallbackStart.IsZero() {
		fallbackStart = today.AddDate(-2, 0, 0)
	}
	fallbackStart = models.Date(fallbackStart)

	results := make([]PairResult, 0, len(pairs)*len(intervals))
	for _, pair := range pairs {
		symbol := d.normalize(pair)
		for _, interval := range intervals {
			res := PairResult{Pair: pair, Symbol: symbol, Interval: interval}
			if err := ctx.Err(); err != nil {
				res.Status, res.Err = StatusError, err
			} else {
				d.ensure(ctx, &res, fallbackStart, today)
			}
			d.report(res)
			results = append(results, res)
		}
	}
	return results
}

func (d *Downloader) ensure(ctx context.Context, res *PairResult, fallbackStart, today time.Time) {
	key := writer.ArchiveKey{Symbol: res.Symbol, Interval: res.Interval}
	unlock := d.locks.lock(key)
	defer unlock()

	existing, ok, err := d.store.Load(ctx, key)
	if err != nil {
		res.Status, res.Err = StatusError, err
		return
	}
	start := fallbackStart
	if ok {
		if last, found := existing.Last(); found {
			start = models.Date(last.Date)
		}
	}

	table, err := d.syncer.Sync(ctx, res.Symbol, res.Interval, start, today)
	switch {
	case errors.Is(err, ErrNoDataAvailable):
		res.Status, res.Err = StatusNoNewData, err
		return
	case err != nil:
		res.Status, res.Err = StatusError, err
		return
	case len(table) == 0:
		res.Status = StatusNoNewData
		return
	}

	merged := writer.Merge(existing, table)
	if err := d.store.Save(ctx, key, merged); err != nil {
		res.Status, res.Err = StatusError, err
		return
	}
	res.Status, res.Records = StatusUpdated, len(table)

	logger.IncrementArchiveWrite(len(table))
	d.log.LogMetric("downloader", "records_written", int64(len(table)), "counter", logger.Fields{
		"symbol":   res.Symbol,
		"interval": res.Interval,
		"archive":  len(merged),
	})
}

func (d *Downloader) report(res PairResult) {
	log := d.log.WithComponent("downloader").WithFields(logger.Fields{
		"pair":     res.Pair,
		"symbol":   res.Symbol,
		"interval": res.Interval,
		"status":   string(res.Status),
		"records":  res.Records,
	})
	if res.Err != nil {
		log = log.WithError(res.Err)
	}
	switch res.Status {
	case StatusUpdated:
		log.Info("updated data")
	case StatusNoNewData:
		log.Info("no new data available")
	default:
		log.Error("failed to update data")
	}
	if d.prom != nil {
		d.prom.ObservePair(res.Symbol, res.Interval, string(res.Status), res.Records)
	}
}

// pairLocks serializes work on one archive across concurrent callers.
type pairLocks struct {
	mu    sync.Mutex
	locks map[writer.ArchiveKey]*sync.Mutex
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[writer.ArchiveKey]*sync.Mutex)}
}

func (l *pairLocks) lock(key writer.ArchiveKey) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
