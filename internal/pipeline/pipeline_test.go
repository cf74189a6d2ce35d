package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"klinesync/config"
	"klinesync/internal/catalog"
	"klinesync/internal/continuity"
	"klinesync/internal/metrics"
	"klinesync/logger"
	"klinesync/models"
	"klinesync/reader/binance"
)

var today = time.Date(2024, 3, 2, 15, 30, 0, 0, time.UTC)

func clock() time.Time { return today }

func day(month time.Month, d int) time.Time {
	return time.Date(2024, month, d, 0, 0, 0, 0, time.UTC)
}

func kl(at time.Time, close string) models.Kline {
	return models.Kline{
		Date:   at,
		Open:   decimal.NewFromInt(1),
		High:   decimal.NewFromInt(2),
		Low:    decimal.RequireFromString("0.5"),
		Close:  decimal.RequireFromString(close),
		Volume: decimal.NewFromInt(10),
		Count:  3,
	}
}

// fakeFetcher answers by segment path. Paths without a handler fail.
type fakeFetcher struct {
	handlers map[string]func(ctx context.Context) (models.Table, error)
	calls    int64
}

func (f *fakeFetcher) Fetch(ctx context.Context, seg models.Segment) models.FetchOutcome {
	atomic.AddInt64(&f.calls, 1)
	h, ok := f.handlers[seg.Path()]
	if !ok {
		return models.FetchOutcome{Segment: seg, Err: errors.New("status 404")}
	}
	table, err := h(ctx)
	return models.FetchOutcome{Segment: seg, Table: table, Err: err}
}

func serve(table models.Table) func(context.Context) (models.Table, error) {
	return func(context.Context) (models.Table, error) { return table, nil }
}

func btcCatalog() *catalog.Catalog {
	return catalog.New([]string{"BTCUSDT", "ETHUSDT"})
}

func TestSyncUnknownSymbol(t *testing.T) {
	fetcher := &fakeFetcher{}
	s := NewSyncer(btcCatalog(), fetcher, WithClock(clock))
	_, err := s.Sync(context.Background(), "XRPUSDT", "5m", day(3, 1), day(3, 2))
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("no segment should be fetched, got %d calls", fetcher.calls)
	}
}

func TestSyncEmptyRange(t *testing.T) {
	s := NewSyncer(btcCatalog(), &fakeFetcher{}, WithClock(clock))
	table, err := s.Sync(context.Background(), "BTCUSDT", "5m", day(3, 2), day(3, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table == nil || len(table) != 0 {
		t.Fatalf("expected empty table, got %v", table)
	}
}

func TestSyncNoData(t *testing.T) {
	s := NewSyncer(btcCatalog(), &fakeFetcher{}, WithClock(clock))
	_, err := s.Sync(context.Background(), "BTCUSDT", "5m", day(3, 1), day(3, 2))
	if !errors.Is(err, ErrNoDataAvailable) {
		t.Fatalf("expected ErrNoDataAvailable, got %v", err)
	}
}

func TestSyncToleratesUnpublishedToday(t *testing.T) {
	fetcher := &fakeFetcher{handlers: map[string]func(context.Context) (models.Table, error){
		"/BTCUSDT/5m/BTCUSDT-5m-2024-03-01.zip": serve(models.Table{kl(day(3, 1), "1")}),
	}}
	s := NewSyncer(btcCatalog(), fetcher, WithClock(clock))
	table, err := s.Sync(context.Background(), "BTCUSDT", "5m", day(3, 1), day(3, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(table) != 1 {
		t.Fatalf("expected 1 row, got %d", len(table))
	}
}

func TestSyncHoleCancelsSiblings(t *testing.T) {
	confirmed := make(chan struct{})
	var cancelled int32

	fetcher := &fakeFetcher{handlers: map[string]func(context.Context) (models.Table, error){
		"/BTCUSDT/5m/BTCUSDT-5m-2024-01.zip": func(context.Context) (models.Table, error) {
			<-confirmed
			time.Sleep(50 * time.Millisecond)
			return nil, errors.New("status 500")
		},
		"/BTCUSDT/5m/BTCUSDT-5m-2024-02.zip": func(ctx context.Context) (models.Table, error) {
			select {
			case <-ctx.Done():
				atomic.StoreInt32(&cancelled, 1)
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return models.Table{kl(day(2, 10), "1")}, nil
			}
		},
		"/BTCUSDT/5m/BTCUSDT-5m-2024-03-01.zip": func(context.Context) (models.Table, error) {
			defer close(confirmed)
			return models.Table{kl(day(3, 1), "1")}, nil
		},
		"/BTCUSDT/5m/BTCUSDT-5m-2024-03-02.zip": serve(models.Table{kl(day(3, 2), "1")}),
	}}

	s := NewSyncer(btcCatalog(), fetcher, WithClock(clock))
	_, err := s.Sync(context.Background(), "BTCUSDT", "5m", day(1, 15), day(3, 2))

	var hole *continuity.HoleError
	if !errors.As(err, &hole) {
		t.Fatalf("expected HoleError, got %v", err)
	}
	if !hole.MinConfirmed.Equal(day(3, 1)) {
		t.Errorf("min confirmed = %v, want 2024-03-01", hole.MinConfirmed)
	}
	if hole.Segment.Path() != "/BTCUSDT/5m/BTCUSDT-5m-2024-01.zip" {
		t.Errorf("unexpected hole segment: %s", hole.Segment.Path())
	}
	if atomic.LoadInt32(&cancelled) != 1 {
		t.Errorf("in-flight sibling fetch was not cancelled")
	}
}

func TestSyncCancelledIsNotAHole(t *testing.T) {
	confirmed := make(chan struct{})
	waitCancel := func(ctx context.Context) (models.Table, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	fetcher := &fakeFetcher{handlers: map[string]func(context.Context) (models.Table, error){
		"/BTCUSDT/5m/BTCUSDT-5m-2024-01.zip": waitCancel,
		"/BTCUSDT/5m/BTCUSDT-5m-2024-02.zip": waitCancel,
		"/BTCUSDT/5m/BTCUSDT-5m-2024-03-01.zip": func(context.Context) (models.Table, error) {
			defer close(confirmed)
			return models.Table{kl(day(3, 1), "1")}, nil
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-confirmed
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	s := NewSyncer(btcCatalog(), fetcher, WithClock(clock))
	_, err := s.Sync(ctx, "BTCUSDT", "5m", day(1, 15), day(3, 2))

	var hole *continuity.HoleError
	if errors.As(err, &hole) {
		t.Fatalf("cancellation reported as a hole: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSyncMaxInFlight(t *testing.T) {
	var inFlight, peak int64
	handler := func(context.Context) (models.Table, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return models.Table{kl(day(3, 1), "1")}, nil
	}
	handlers := map[string]func(context.Context) (models.Table, error){}
	for d := 1; d <= 10; d++ {
		handlers[fmt.Sprintf("/BTCUSDT/5m/BTCUSDT-5m-2024-03-%02d.zip", d)] = handler
	}
	fetcher := &fakeFetcher{handlers: handlers}

	now := func() time.Time { return day(3, 10) }
	s := NewSyncer(btcCatalog(), fetcher, WithClock(now), WithMaxInFlight(2))
	table, err := s.Sync(context.Background(), "BTCUSDT", "5m", day(3, 1), day(3, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(table) != 1 {
		t.Fatalf("identical rows should collapse, got %d", len(table))
	}
	if peak > 2 {
		t.Fatalf("max in flight exceeded: %d", peak)
	}
	if fetcher.calls != 10 {
		t.Fatalf("expected 10 fetches, got %d", fetcher.calls)
	}
}

func row(at time.Time) string {
	ms := at.UnixMilli()
	return fmt.Sprintf("%d,1,2,0.5,1.5,10,%d,15,3,4,6,0\n", ms, ms+299999)
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

func mirror(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	payloads := make(map[string][]byte, len(files))
	for p, content := range files {
		payloads[p] = zipped(t, content)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, ok := payloads[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readerFor(srv *httptest.Server, observer metrics.Observer) *binance.KlineReader {
	cfg := config.Default()
	cfg.Source.BaseURL = srv.URL
	cfg.Sync.RequestTimeout = 5 * time.Second
	return binance.NewKlineReader(&cfg, binance.WithObserver(observer))
}

func TestSyncEndToEnd(t *testing.T) {
	srv := mirror(t, map[string]string{
		"/monthly/klines/BTCUSDT/5m/BTCUSDT-5m-2024-01.zip":  row(day(1, 20)),
		"/monthly/klines/BTCUSDT/5m/BTCUSDT-5m-2024-02.zip":  row(day(2, 10)),
		"/daily/klines/BTCUSDT/5m/BTCUSDT-5m-2024-03-01.zip": row(day(3, 1)),
		"/daily/klines/BTCUSDT/5m/BTCUSDT-5m-2024-03-02.zip": row(day(3, 1)) + row(day(3, 2)),
		"/daily/klines/ETHUSDT/5m/ETHUSDT-5m-2024-03-01.zip": row(day(3, 1)),
	})

	progress := metrics.NewProgress(logger.GetLogger())
	s := NewSyncer(btcCatalog(), readerFor(srv, progress), WithClock(clock), WithProgress(progress))
	table, err := s.Sync(context.Background(), "BTCUSDT", "5m", day(1, 15), day(3, 2))
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	want := []time.Time{day(1, 20), day(2, 10), day(3, 1), day(3, 2)}
	if len(table) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(table))
	}
	for i, w := range want {
		if !table[i].Date.Equal(w) {
			t.Errorf("row %d: %v, want %v", i, table[i].Date, w)
		}
	}
	if done, errs := progress.Counts(); done != 4 || errs != 0 {
		t.Errorf("progress done=%d errors=%d", done, errs)
	}
}

func TestSyncEndToEndHole(t *testing.T) {
	// January is missing while everything after it is published.
	srv := mirror(t, map[string]string{
		"/monthly/klines/BTCUSDT/5m/BTCUSDT-5m-2024-02.zip":  row(day(2, 10)),
		"/daily/klines/BTCUSDT/5m/BTCUSDT-5m-2024-03-01.zip": row(day(3, 1)),
		"/daily/klines/BTCUSDT/5m/BTCUSDT-5m-2024-03-02.zip": row(day(3, 2)),
	})

	var (
		mu   sync.Mutex
		seen []string
	)
	observer := metrics.ObserverFunc(func(seg models.Segment, success bool) {
		mu.Lock()
		seen = append(seen, seg.Path())
		mu.Unlock()
	})
	fetcher := &orderedFetcher{next: readerFor(srv, observer), ready: make(chan struct{})}
	s := NewSyncer(btcCatalog(), fetcher, WithClock(clock))
	_, err := s.Sync(context.Background(), "BTCUSDT", "5m", day(1, 15), day(3, 2))

	var hole *continuity.HoleError
	if !errors.As(err, &hole) {
		t.Fatalf("expected HoleError, got %v (fetched %v)", err, seen)
	}
	if !hole.MinConfirmed.Equal(day(2, 1)) {
		t.Errorf("min confirmed = %v, want 2024-02-01", hole.MinConfirmed)
	}
	if hole.Segment.Granularity != models.Monthly || !hole.Segment.PeriodStart.Equal(day(1, 1)) {
		t.Errorf("unexpected hole segment: %s", hole.Segment)
	}
}

// orderedFetcher holds back the January segment until every other segment
// has been fetched.
type orderedFetcher struct {
	next  Fetcher
	mu    sync.Mutex
	done  int
	ready chan struct{}
}

func (f *orderedFetcher) Fetch(ctx context.Context, seg models.Segment) models.FetchOutcome {
	if seg.Granularity == models.Monthly && seg.PeriodStart.Month() == time.January {
		select {
		case <-f.ready:
		case <-ctx.Done():
		}
		time.Sleep(20 * time.Millisecond)
		return f.next.Fetch(ctx, seg)
	}
	out := f.next.Fetch(ctx, seg)
	f.mu.Lock()
	f.done++
	if f.done == 3 {
		close(f.ready)
	}
	f.mu.Unlock()
	return out
}
