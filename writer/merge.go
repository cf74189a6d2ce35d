// Package writer merges freshly synced klines into the durable per pair
// archive and persists it, locally as CSV or remotely as parquet on S3.
package writer

import (
	"klinesync/models"
)

// Merge folds incoming into existing. On a duplicate Date the incoming kline
// replaces the stored one. The result is sorted ascending and unique by Date;
// neither argument is modified.
func Merge(existing, incoming models.Table) models.Table {
	byDate := make(map[int64]int, len(existing)+len(incoming))
	out := make(models.Table, 0, len(existing)+len(incoming))

	put := func(k models.Kline) {
		key := k.Date.UnixMilli()
		if i, ok := byDate[key]; ok {
			out[i] = k
			return
		}
		byDate[key] = len(out)
		out = append(out, k)
	}
	for _, k := range existing {
		put(k)
	}
	for _, k := range incoming {
		put(k)
	}

	out.SortByDate()
	return out
}
