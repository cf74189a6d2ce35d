// Package metrics holds the observers notified as segment downloads finish.
// Observers only count; nothing in the sync path reads them back.
package metrics

import (
	"sync/atomic"

	"klinesync/logger"
	"klinesync/models"
)

// Observer is notified once per finished segment.
type Observer interface {
	OnSegmentComplete(seg models.Segment, success bool)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(seg models.Segment, success bool)

func (f ObserverFunc) OnSegmentComplete(seg models.Segment, success bool) { f(seg, success) }

// Nop discards notifications.
var Nop Observer = ObserverFunc(func(models.Segment, bool) {})

// Multi forwards every notification to each non-nil observer.
func Multi(observers ...Observer) Observer {
	var list []Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(seg models.Segment, success bool) {
		for _, o := range list {
			o.OnSegmentComplete(seg, success)
		}
	})
}

// Progress is the text progress report of one sync: it counts finished and
// failed segments and logs every failure together with the running error
// tally.
type Progress struct {
	log    *logger.Entry
	total  int64
	done   int64
	errors int64
}

// NewProgress returns a Progress that writes through log.
func NewProgress(log *logger.Log) *Progress {
	return &Progress{log: log.WithComponent("progress")}
}

// Begin resets the counters for a sync of total segments.
func (p *Progress) Begin(symbol string, total int) {
	atomic.StoreInt64(&p.total, int64(total))
	atomic.StoreInt64(&p.done, 0)
	atomic.StoreInt64(&p.errors, 0)
	p.log.WithFields(logger.Fields{"symbol": symbol, "segments": total}).Info("downloading")
}

func (p *Progress) OnSegmentComplete(seg models.Segment, success bool) {
	done := atomic.AddInt64(&p.done, 1)
	logger.IncrementSegment(success)
	if success {
		p.log.WithFields(logger.Fields{
			"symbol": seg.Symbol,
			"done":   done,
			"total":  atomic.LoadInt64(&p.total),
		}).Debug("segment downloaded")
		return
	}
	errs := atomic.AddInt64(&p.errors, 1)
	p.log.WithFields(logger.Fields{
		"segment":   seg.Path(),
		"err_count": errs,
		"done":      done,
		"total":     atomic.LoadInt64(&p.total),
	}).Warn("segment download failed")
}

// Counts returns the finished and failed segment counts.
func (p *Progress) Counts() (done, errors int64) {
	return atomic.LoadInt64(&p.done), atomic.LoadInt64(&p.errors)
}
