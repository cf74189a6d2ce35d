package binance

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"klinesync/config"
	"klinesync/internal/metrics"
	"klinesync/models"
)

const dayCSV = "1709251200000,1,2,0.5,1.5,10,1709251499999,15,3,4,6,0\n"

func minimalConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Source.BaseURL = baseURL
	cfg.Sync.RequestTimeout = time.Second
	return &cfg
}

func zipped(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("klines.csv")
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func daySegment(d int) models.Segment {
	date := time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
	return models.Segment{Symbol: "BTCUSDT", Interval: "5m", Granularity: models.Daily, PeriodStart: date, CycleDate: date}
}

func TestURL(t *testing.T) {
	r := NewKlineReader(minimalConfig("https://data.binance.vision/data/futures/um/"))
	got := r.URL(daySegment(1))
	want := "https://data.binance.vision/data/futures/um/daily/klines/BTCUSDT/5m/BTCUSDT-5m-2024-03-01.zip"
	if got != want {
		t.Fatalf("URL = %s, want %s", got, want)
	}
	monthly := models.Segment{Symbol: "BTCUSDT", Interval: "1h", Granularity: models.Monthly,
		PeriodStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), CycleDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)}
	want = "https://data.binance.vision/data/futures/um/monthly/klines/BTCUSDT/1h/BTCUSDT-1h-2024-01.zip"
	if got := r.URL(monthly); got != want {
		t.Fatalf("URL = %s, want %s", got, want)
	}
}

func TestFetch(t *testing.T) {
	payload := zipped(t, dayCSV)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/daily/klines/BTCUSDT/5m/BTCUSDT-5m-2024-03-01.zip":
			_, _ = w.Write(payload)
		case "/daily/klines/BTCUSDT/5m/BTCUSDT-5m-2024-03-03.zip":
			_, _ = w.Write([]byte("garbage"))
		default:
			http.NotFound(w, req)
		}
	}))
	defer srv.Close()

	var ok, failed int64
	observer := metrics.ObserverFunc(func(_ models.Segment, success bool) {
		if success {
			atomic.AddInt64(&ok, 1)
		} else {
			atomic.AddInt64(&failed, 1)
		}
	})
	r := NewKlineReader(minimalConfig(srv.URL), WithObserver(observer))

	out := r.Fetch(context.Background(), daySegment(1))
	if !out.OK() {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if len(out.Table) != 1 || out.Segment != daySegment(1) {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	out = r.Fetch(context.Background(), daySegment(2))
	var segErr *SegmentError
	if !errors.As(out.Err, &segErr) || !segErr.NotFound() {
		t.Fatalf("expected not found SegmentError, got %v", out.Err)
	}
	if segErr.Path != "/BTCUSDT/5m/BTCUSDT-5m-2024-03-02.zip" {
		t.Errorf("unexpected path: %s", segErr.Path)
	}

	out = r.Fetch(context.Background(), daySegment(3))
	if out.OK() {
		t.Fatalf("expected decode error")
	}

	if ok != 1 || failed != 2 {
		t.Errorf("observer saw ok=%d failed=%d", ok, failed)
	}
}

func TestFetchCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	}))
	defer srv.Close()

	cfg := minimalConfig(srv.URL)
	cfg.Sync.RequestsPerSecond = 100
	r := NewKlineReader(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if out := r.Fetch(ctx, daySegment(1)); out.OK() {
		t.Fatalf("expected cancelled fetch to fail")
	}
}
