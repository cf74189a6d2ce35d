package models

import (
	"fmt"
	"time"
)

// Granularity is the publishing period of a remote archive.
type Granularity string

const (
	Daily   Granularity = "daily"
	Monthly Granularity = "monthly"
)

// Segment describes one remote archive to fetch. CycleDate is the calendar
// anchor used for ordering and gap detection: the day itself for daily
// segments, the date that generated the segment for monthly ones.
type Segment struct {
	Symbol      string      `json:"symbol"`
	Interval    string      `json:"interval"`
	Granularity Granularity `json:"granularity"`
	PeriodStart time.Time   `json:"period_start"`
	CycleDate   time.Time   `json:"cycle_date"`
}

// FileName returns the archive name published by the mirror.
func (s Segment) FileName() string {
	y, m, d := s.PeriodStart.Date()
	if s.Granularity == Daily {
		return fmt.Sprintf("%s-%s-%04d-%02d-%02d.zip", s.Symbol, s.Interval, y, int(m), d)
	}
	return fmt.Sprintf("%s-%s-%04d-%02d.zip", s.Symbol, s.Interval, y, int(m))
}

// Path is the address of the segment relative to the klines root, e.g.
// "/BTCUSDT/5m/BTCUSDT-5m-2024-01.zip". It is what diagnostics print.
func (s Segment) Path() string {
	return fmt.Sprintf("/%s/%s/%s", s.Symbol, s.Interval, s.FileName())
}

func (s Segment) String() string {
	return fmt.Sprintf("%s %s", s.Granularity, s.Path())
}

// FetchOutcome is the result of fetching exactly one Segment. Err is nil on
// success, in which case Table holds the decoded klines (possibly empty).
type FetchOutcome struct {
	Segment Segment
	Table   Table
	Err     error
}

// OK reports whether the fetch succeeded.
func (o FetchOutcome) OK() bool { return o.Err == nil }

// Date truncates t to midnight UTC of its calendar day in UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
