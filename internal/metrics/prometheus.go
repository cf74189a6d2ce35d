package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"klinesync/models"
)

// Prometheus counts segments and pair results on its own registry.
//
//	klinesync_segments_total{symbol,interval,result}
//	klinesync_pairs_total{status}
//	klinesync_records_written_total{symbol,interval}
type Prometheus struct {
	registry *prometheus.Registry
	segments *prometheus.CounterVec
	pairs    *prometheus.CounterVec
	records  *prometheus.CounterVec
}

// NewPrometheus registers the sync collectors plus Go and process collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinesync_segments_total",
			Help: "Number of segment downloads by result",
		}, []string{"symbol", "interval", "result"}),
		pairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinesync_pairs_total",
			Help: "Number of symbol/interval syncs by status",
		}, []string{"status"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klinesync_records_written_total",
			Help: "Number of klines written to archives",
		}, []string{"symbol", "interval"}),
	}
	p.registry.MustRegister(
		p.segments,
		p.pairs,
		p.records,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) OnSegmentComplete(seg models.Segment, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	p.segments.WithLabelValues(seg.Symbol, seg.Interval, result).Inc()
}

// ObservePair counts one finished pair sync.
func (p *Prometheus) ObservePair(symbol, interval, status string, records int) {
	p.pairs.WithLabelValues(status).Inc()
	if records > 0 {
		p.records.WithLabelValues(symbol, interval).Add(float64(records))
	}
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (p *Prometheus) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
