package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"klinesync/config"
	"klinesync/internal/metrics"
	"klinesync/logger"
	"klinesync/models"
	"klinesync/processor"
)

// SegmentError is a failed segment download. It stays inside the segment's
// FetchOutcome; only the continuity check decides whether it is fatal.
type SegmentError struct {
	URL        string
	Path       string
	StatusCode int
	Err        error
}

func (e *SegmentError) Error() string {
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		return fmt.Sprintf("%s: status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// NotFound reports whether the mirror does not publish the segment.
func (e *SegmentError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// KlineReader downloads and decodes kline archives from the Binance data
// mirror.
type KlineReader struct {
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	observer metrics.Observer
	log      *logger.Log
}

// Option configures a KlineReader.
type Option func(*KlineReader)

// WithHTTPClient replaces the pooled client built from the configuration.
func WithHTTPClient(c *http.Client) Option {
	return func(r *KlineReader) { r.client = c }
}

// WithObserver sets who is told about finished segments.
func WithObserver(o metrics.Observer) Option {
	return func(r *KlineReader) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithBaseURL overrides source.base_url.
func WithBaseURL(u string) Option {
	return func(r *KlineReader) { r.baseURL = strings.TrimRight(u, "/") }
}

// NewKlineReader builds a reader with a connection pool sized from
// cfg.Source.ConnectionPool. Requests are paced only when
// cfg.Sync.RequestsPerSecond is positive.
func NewKlineReader(cfg *config.Config, opts ...Option) *KlineReader {
	log := logger.GetLogger()

	pool := cfg.Source.ConnectionPool
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
	}

	r := &KlineReader{
		baseURL:  strings.TrimRight(cfg.Source.BaseURL, "/"),
		client:   &http.Client{Transport: transport},
		timeout:  cfg.Sync.RequestTimeout,
		observer: metrics.Nop,
		log:      log,
	}
	if rps := cfg.Sync.RequestsPerSecond; rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	for _, o := range opts {
		o(r)
	}

	log.WithComponent("kline_reader").WithFields(logger.Fields{
		"base_url":            r.baseURL,
		"max_conns_per_host":  pool.MaxConnsPerHost,
		"timeout":             r.timeout,
		"requests_per_second": cfg.Sync.RequestsPerSecond,
	}).Debug("kline reader initialized")

	return r
}

// URL returns the mirror address of seg.
func (r *KlineReader) URL(seg models.Segment) string {
	return fmt.Sprintf("%s/%s/klines%s", r.baseURL, seg.Granularity, seg.Path())
}

// Fetch downloads and decodes one segment. It always returns an outcome for
// seg; failures are reported through Outcome.Err as *SegmentError.
func (r *KlineReader) Fetch(ctx context.Context, seg models.Segment) models.FetchOutcome {
	url := r.URL(seg)
	log := r.log.WithComponent("kline_reader").WithFields(logger.Fields{
		"symbol":   seg.Symbol,
		"interval": seg.Interval,
		"segment":  seg.Path(),
	})

	start := time.Now()
	table, status, err := r.download(ctx, url)
	if err != nil {
		r.observer.OnSegmentComplete(seg, false)
		segErr := &SegmentError{URL: url, Path: seg.Path(), StatusCode: status, Err: err}
		log.WithError(segErr).Debug("segment fetch failed")
		return models.FetchOutcome{Segment: seg, Err: segErr}
	}

	r.observer.OnSegmentComplete(seg, true)
	logger.LogPerformanceEntry(log, "kline_reader", "segment_fetch", time.Since(start), logger.Fields{
		"records": len(table),
	})
	return models.FetchOutcome{Segment: seg, Table: table}
}

func (r *KlineReader) download(ctx context.Context, url string) (models.Table, int, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	table, err := processor.DecodeKlineZip(payload)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode: %w", err)
	}
	return table, resp.StatusCode, nil
}
