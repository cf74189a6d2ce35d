package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Kline is one normalized candle. Date is the opening time in UTC, truncated
// to milliseconds, and is the unique key within an archive.
type Kline struct {
	Date           time.Time       `json:"date"`
	Open           decimal.Decimal `json:"open"`
	High           decimal.Decimal `json:"high"`
	Low            decimal.Decimal `json:"low"`
	Close          decimal.Decimal `json:"close"`
	Volume         decimal.Decimal `json:"volume"`
	Count          int64           `json:"count"`
	TakerBuyVolume decimal.Decimal `json:"taker_buy_volume"`
}

// Equal reports whether two klines carry the same key and values.
func (k Kline) Equal(o Kline) bool {
	return k.Date.Equal(o.Date) &&
		k.Open.Equal(o.Open) &&
		k.High.Equal(o.High) &&
		k.Low.Equal(o.Low) &&
		k.Close.Equal(o.Close) &&
		k.Volume.Equal(o.Volume) &&
		k.Count == o.Count &&
		k.TakerBuyVolume.Equal(o.TakerBuyVolume)
}

// Table is an unordered batch of klines, as produced by a segment fetch or a
// whole sync.
type Table []Kline

// Dedup returns a copy of t keeping the first kline seen for every Date.
// Order of the survivors is preserved.
func (t Table) Dedup() Table {
	seen := make(map[int64]struct{}, len(t))
	out := make(Table, 0, len(t))
	for _, k := range t {
		key := k.Date.UnixMilli()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, k)
	}
	return out
}

// SortByDate sorts t in place, ascending by Date.
func (t Table) SortByDate() {
	sort.SliceStable(t, func(i, j int) bool { return t[i].Date.Before(t[j].Date) })
}

// Last returns the newest kline of t. t does not need to be sorted.
func (t Table) Last() (Kline, bool) {
	if len(t) == 0 {
		return Kline{}, false
	}
	last := t[0]
	for _, k := range t[1:] {
		if k.Date.After(last.Date) {
			last = k
		}
	}
	return last, true
}
