// Package timing accumulates per-operation timings and
// traffic counts for the limiters.
package timing

import (
	"fmt"
	"io"
	"time"
)

// An Op is a timed operation.
type Op int

const (
	Tree Op = iota
	Analyze
	TracerInit
	TracerGen
	TracerCheck
	QLTRun
	QLTRunL2R
	QLTRunR2L
	SolveNode
	WaitAll
	Total

	NumOps
)

var opNames = [NumOps]string{
	"tree", "analyze", "trcrinit", "trcrgen", "trcrcheck", "qltrun", "qltrunl2r",
	"qltrunr2l", "snp", "waitall", "total",
}

// String returns the short name used in reports and
// metric labels.
func (o Op) String() string {
	if o < 0 || o >= NumOps {
		return fmt.Sprintf("op%d", int(o))
	}
	return opNames[o]
}

// A Clock returns the current time in seconds.
type Clock func() float64

// WallClock measures real time.
func WallClock() Clock {
	start := time.Now()
	return func() float64 {
		return time.Since(start).Seconds()
	}
}

// Timers accumulate the elapsed time of each Op.
//
// A nil *Timers ignores every call, so code can be timed
// unconditionally.
//
// Timers are not safe for concurrent use; each rank
// should have its own.
type Timers struct {
	clock   Clock
	metrics *Metrics

	start   [NumOps]float64
	running [NumOps]bool
	elapsed [NumOps]float64
	count   [NumOps]int
}

// NewTimers creates Timers that read the given clock.
//
// If metrics is non-nil, every completed interval is also
// observed there.
func NewTimers(clock Clock, metrics *Metrics) *Timers {
	return &Timers{clock: clock, metrics: metrics}
}

// Start begins an interval for op.
func (t *Timers) Start(op Op) {
	if t == nil {
		return
	}
	if t.running[op] {
		panic(fmt.Sprintf("timer %s already running", op))
	}
	t.running[op] = true
	t.start[op] = t.clock()
}

// Stop ends the current interval for op.
func (t *Timers) Stop(op Op) {
	if t == nil {
		return
	}
	if !t.running[op] {
		panic(fmt.Sprintf("timer %s not running", op))
	}
	t.running[op] = false
	d := t.clock() - t.start[op]
	t.elapsed[op] += d
	t.count[op]++
	t.metrics.ObserveOp(op, d)
}

// Reset clears every accumulated interval.
func (t *Timers) Reset() {
	if t == nil {
		return
	}
	*t = Timers{clock: t.clock, metrics: t.metrics}
}

// Elapsed returns the total time spent in op.
func (t *Timers) Elapsed(op Op) float64 {
	if t == nil {
		return 0
	}
	return t.elapsed[op]
}

// Count returns the number of completed intervals for op.
func (t *Timers) Count(op Op) int {
	if t == nil {
		return 0
	}
	return t.count[op]
}

// Report writes one line per op that ran at least once,
// giving the elapsed time, its share of Total, the count,
// and the mean interval.
func (t *Timers) Report(w io.Writer) error {
	if t == nil {
		return nil
	}
	total := t.elapsed[Total]
	for op := Op(0); op < NumOps; op++ {
		if t.count[op] == 0 {
			continue
		}
		var pct float64
		if total > 0 {
			pct = 100 * t.elapsed[op] / total
		}
		_, err := fmt.Fprintf(w, "%-10s %12.6e s %6.2f%% %6d %12.6e s\n", op, t.elapsed[op], pct,
			t.count[op], t.elapsed[op]/float64(t.count[op]))
		if err != nil {
			return err
		}
	}
	return nil
}
