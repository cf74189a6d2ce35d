// Package planner splits a date range into the archives the Binance data
// mirror publishes: whole months as monthly archives and the month holding
// the end date as daily archives.
package planner

import (
	"time"

	"klinesync/models"
)

// Plan returns the ordered segments covering [start, end] for one
// symbol/interval pair. Both bounds are taken as UTC calendar days. An empty
// or inverted range yields nil.
func Plan(symbol, interval string, start, end time.Time) []models.Segment {
	start, end = models.Date(start), models.Date(end)
	if start.After(end) {
		return nil
	}

	endYear, endMonth, _ := end.Date()

	var segments []models.Segment
	for cur := start; !cur.After(end); {
		y, m, _ := cur.Date()
		if y == endYear && m == endMonth {
			segments = append(segments, models.Segment{
				Symbol:      symbol,
				Interval:    interval,
				Granularity: models.Daily,
				PeriodStart: cur,
				CycleDate:   cur,
			})
			cur = cur.AddDate(0, 0, 1)
			continue
		}

		first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
		segments = append(segments, models.Segment{
			Symbol:      symbol,
			Interval:    interval,
			Granularity: models.Monthly,
			PeriodStart: first,
			CycleDate:   cur,
		})
		cur = first.AddDate(0, 1, 0)
	}
	return segments
}

// Covered returns the inclusive day range of [start, end] that seg
// accounts for.
func Covered(seg models.Segment, start, end time.Time) (from, to time.Time) {
	start, end = models.Date(start), models.Date(end)
	if seg.Granularity == models.Daily {
		return seg.PeriodStart, seg.PeriodStart
	}
	from = seg.PeriodStart
	to = seg.PeriodStart.AddDate(0, 1, -1)
	if from.Before(start) {
		from = start
	}
	if to.After(end) {
		to = end
	}
	return from, to
}
