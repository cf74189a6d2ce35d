// Package continuity detects holes in a set of concurrently fetched segments.
//
// Outcomes arrive in completion order, which says nothing about their
// calendar order. The tracker keeps the earliest cycle date that has been
// fetched successfully and reports a hole when a failure lies before it: a
// later archive is already confirmed, so the failed one cannot be the
// not-yet-published edge of the range.
package continuity

import (
	"fmt"
	"sync"
	"time"

	"klinesync/models"
)

// HoleError reports a failed segment that is older than an already confirmed
// one.
type HoleError struct {
	MinConfirmed time.Time
	Segment      models.Segment
	Err          error
}

func (e *HoleError) Error() string {
	return fmt.Sprintf("a hole in the cycle has been found, minimum achieved date is %s, segment: %s, %v",
		e.MinConfirmed.Format(time.DateOnly), e.Segment.Path(), e.Err)
}

func (e *HoleError) Unwrap() error { return e.Err }

// Tracker observes the outcomes of one sync. It is safe for concurrent use.
type Tracker struct {
	now func() time.Time

	mu           sync.Mutex
	minConfirmed time.Time
	confirmed    bool
	err          error
}

// NewTracker returns a tracker that uses now to decide what "today" is.
// A nil now defaults to time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Observe records one outcome and returns a *HoleError when the outcome
// proves a gap. Once a hole was found every later call returns it again.
func (t *Tracker) Observe(o models.FetchOutcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return t.err
	}

	cycle := models.Date(o.Segment.CycleDate)
	if o.OK() {
		if !t.confirmed || cycle.Before(t.minConfirmed) {
			t.minConfirmed = cycle
			t.confirmed = true
		}
		return nil
	}

	// Today's archive may simply not be published yet.
	today := models.Date(t.now())
	if t.confirmed && !cycle.Equal(today) && cycle.Before(t.minConfirmed) {
		t.err = &HoleError{MinConfirmed: t.minConfirmed, Segment: o.Segment, Err: o.Err}
		return t.err
	}
	return nil
}

// MinConfirmed returns the earliest successful cycle date seen so far.
func (t *Tracker) MinConfirmed() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.minConfirmed, t.confirmed
}

// Err returns the hole found so far, if any.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
