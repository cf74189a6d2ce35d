package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func kline(ms int64, close string) Kline {
	return Kline{Date: time.UnixMilli(ms).UTC(), Close: decimal.RequireFromString(close)}
}

func TestTableDedupKeepsFirst(t *testing.T) {
	tbl := Table{kline(2, "1"), kline(1, "2"), kline(2, "3")}
	out := tbl.Dedup()
	if len(out) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(out))
	}
	if !out[0].Close.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("expected first duplicate to win, got %s", out[0].Close)
	}
}

func TestTableSortAndLast(t *testing.T) {
	tbl := Table{kline(3, "1"), kline(1, "1"), kline(2, "1")}
	last, ok := tbl.Last()
	if !ok || last.Date.UnixMilli() != 3 {
		t.Fatalf("unexpected last: %v %v", last.Date, ok)
	}
	tbl.SortByDate()
	for i := 1; i < len(tbl); i++ {
		if !tbl[i-1].Date.Before(tbl[i].Date) {
			t.Fatalf("table not sorted: %v", tbl)
		}
	}
	if _, ok := Table(nil).Last(); ok {
		t.Fatalf("empty table should have no last row")
	}
}

func TestSegmentPath(t *testing.T) {
	day := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	daily := Segment{Symbol: "BTCUSDT", Interval: "5m", Granularity: Daily, PeriodStart: day, CycleDate: day}
	if got := daily.Path(); got != "/BTCUSDT/5m/BTCUSDT-5m-2024-03-02.zip" {
		t.Errorf("daily path = %s", got)
	}
	monthly := Segment{Symbol: "BTCUSDT", Interval: "1d", Granularity: Monthly, PeriodStart: day, CycleDate: day}
	if got := monthly.Path(); got != "/BTCUSDT/1d/BTCUSDT-1d-2024-03.zip" {
		t.Errorf("monthly path = %s", got)
	}
}

func TestDateTruncatesToUTC(t *testing.T) {
	loc := time.FixedZone("x", 3*3600)
	in := time.Date(2024, 1, 1, 1, 30, 0, 0, loc)
	got := Date(in)
	want := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Date(%v) = %v, want %v", in, got, want)
	}
}
