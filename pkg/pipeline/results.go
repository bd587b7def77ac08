package pipeline

import (
	"sync"

	"github.com/Sternrassler/tagharvest/pkg/record"
)

// Status is a point-in-time view of run progress.
type Status struct {
	UniqueCount int  `json:"unique_count"`
	Target      int  `json:"target"`
	Done        bool `json:"done"`
}

// Results is the append-only collection of accepted records of a run. It
// owns the unique count, so the number of collected records always equals
// Status().UniqueCount.
type Results struct {
	mu      sync.Mutex
	records []record.Record
	target  int
	done    bool
	sealed  bool
	doneCh  chan struct{}
}

// NewResults creates a collection that completes at target records.
func NewResults(target int) *Results {
	return &Results{
		records: make([]record.Record, 0, max(target, 0)),
		target:  target,
		doneCh:  make(chan struct{}),
	}
}

// Admit appends rec unless the run is already done or sealed. reached is
// true for exactly one call: the one that brings the count to the target.
func (r *Results) Admit(rec record.Record) (admitted, reached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done || r.sealed {
		return false, false
	}

	r.records = append(r.records, rec)
	if len(r.records) >= r.target {
		r.done = true
		close(r.doneCh)
		return true, true
	}
	return true, false
}

// Done reports whether the target has been reached.
func (r *Results) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// DoneCh is closed when the target is reached.
func (r *Results) DoneCh() <-chan struct{} {
	return r.doneCh
}

// Seal stops any further Admit. Used at shutdown so a slow sink cannot
// append after the result was handed out.
func (r *Results) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Len returns the number of collected records.
func (r *Results) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Status returns the current progress.
func (r *Results) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// Snapshot returns a copy of the records and the matching status.
func (r *Results) Snapshot() ([]record.Record, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]record.Record, len(r.records))
	copy(out, r.records)
	return out, r.statusLocked()
}

func (r *Results) statusLocked() Status {
	return Status{
		UniqueCount: len(r.records),
		Target:      r.target,
		Done:        r.done,
	}
}
