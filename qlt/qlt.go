// Package qlt implements a quantity-limiter tree: a
// distributed limiter that makes per-cell tracer masses
// respect their bounds while conserving the global mass.
//
// Each pass reduces masses and bounds from the leaves of a
// reduction tree to its root, then walks back down,
// solving a two-kid redistribution problem at every
// internal node. Ranks only exchange messages along tree
// edges, so there is no all-to-all communication.
package qlt

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/pkg/errors"
	"github.com/unixpickle/qlt/collcomm"
	"github.com/unixpickle/qlt/layout"
	"github.com/unixpickle/qlt/schedule"
	"github.com/unixpickle/qlt/timing"
	"github.com/unixpickle/qlt/tree"
)

// Tag is the message tag used by limiter passes.
const Tag = 42

// ErrNotFound is returned when a global cell is not owned
// by the current rank.
var ErrNotFound = errors.New("cell not found")

// A State is a phase of a limiter pass.
type State int

const (
	Idle State = iota
	LeavesToRoot
	RootFixup
	RootToLeaves
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LeavesToRoot:
		return "l2r"
	case RootFixup:
		return "rootfixup"
	case RootToLeaves:
		return "r2l"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// An Option configures a QLT.
type Option func(q *QLT)

// WithExecutor sets the Executor for per-level node
// loops. The default is SerialExecutor.
func WithExecutor(e Executor) Option {
	return func(q *QLT) {
		q.executor = e
	}
}

// WithLogger sets the logger. The default is
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *QLT) {
		q.logger = l
	}
}

// WithTimers records the time spent in each phase.
func WithTimers(t *timing.Timers) Option {
	return func(q *QLT) {
		q.timers = t
	}
}

// WithMetrics counts the messages sent and received.
func WithMetrics(m *timing.Metrics) Option {
	return func(q *QLT) {
		q.metrics = m
	}
}

// QLT is one rank's instance of the limiter.
//
// Usage has two stages. First, every tracer is declared
// and EndTracerDeclarations is called. Then, any number of
// times, the caller sets densities and masses for every
// owned cell, calls Run on all ranks, and reads back the
// limited masses.
//
// A QLT must only be used from its rank's Goroutine.
type QLT struct {
	comms *collcomm.Comms
	sched *schedule.Schedule

	registry layout.Registry
	layout   *layout.Layout

	// Bulk buffers, indexed by node offset times stride.
	l2r []float64
	r2l []float64

	cellToLocal map[int]int
	state       State

	executor Executor
	logger   *slog.Logger
	timers   *timing.Timers
	metrics  *timing.Metrics
}

// New creates the limiter for the rank of c.
//
// The tree must cover ncells cells, and every rank in c
// must call New with the same tree.
func New(c *collcomm.Comms, ncells int, t *tree.Tree, opts ...Option) (*QLT, error) {
	if t.NCells != ncells {
		return nil, errors.Wrapf(tree.ErrRange, "tree covers %d cells, expected %d",
			t.NCells, ncells)
	}
	q := &QLT{
		comms:    c,
		executor: SerialExecutor{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	sched, err := schedule.Build(c.Index(), t)
	if err != nil {
		return nil, errors.Wrap(err, "build schedule")
	}
	if err := sched.Check(); err != nil {
		return nil, err
	}
	if err := sched.CheckLeaves(); err != nil {
		return nil, err
	}
	q.sched = sched

	q.cellToLocal = map[int]int{}
	for lci, gci := range sched.OwnedCells() {
		q.cellToLocal[gci] = lci
	}
	q.logger.Debug("built schedule", "rank", c.Index(), "levels", len(sched.Levels),
		"nslots", sched.NSlots, "messages", sched.NumMessages())
	return q, nil
}

// DeclareTracer adds a tracer. Tracers are numbered in
// the order they are declared.
func (q *QLT) DeclareTracer(pt layout.ProblemType) error {
	return q.registry.Declare(pt)
}

// EndTracerDeclarations fixes the set of tracers and
// allocates the buffers.
func (q *QLT) EndTracerDeclarations() error {
	l, err := q.registry.Seal()
	if err != nil {
		return err
	}
	q.layout = l
	q.l2r = make([]float64, q.sched.NSlots*l.L2RStride)
	q.r2l = make([]float64, q.sched.NSlots*l.R2LStride)
	q.logger.Debug("declared tracers", "rank", q.comms.Index(), "tracers", l.NumTracers(),
		"l2r_stride", l.L2RStride, "r2l_stride", l.R2LStride)
	return nil
}

// NumTracers returns the number of declared tracers.
func (q *QLT) NumTracers() int {
	return q.registry.Len()
}

// ProblemType returns the canonical problem type of a
// tracer.
func (q *QLT) ProblemType(ti int) layout.ProblemType {
	return q.mustLayout().ProblemType(ti)
}

// Layout returns the buffer layout, or nil before
// EndTracerDeclarations.
func (q *QLT) Layout() *layout.Layout {
	return q.layout
}

// Schedule returns the rank's communication schedule.
func (q *QLT) Schedule() *schedule.Schedule {
	return q.sched
}

// State returns the current phase.
func (q *QLT) State() State {
	return q.state
}

// LocalCellCount returns the number of cells owned by the
// current rank.
func (q *QLT) LocalCellCount() int {
	return len(q.cellToLocal)
}

// OwnedGlobalCells returns the global index of every owned
// cell, indexed by local cell index.
func (q *QLT) OwnedGlobalCells() []int {
	return q.sched.OwnedCells()
}

// GlobalToLocal maps a global cell index to a local one.
func (q *QLT) GlobalToLocal(gci int) (int, error) {
	lci, ok := q.cellToLocal[gci]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "cell %d on rank %d", gci, q.comms.Index())
	}
	return lci, nil
}

// SetRhom sets the total density of a local cell.
//
// The density must be set before the cell's masses, since
// mixing-ratio bounds are derived from it.
func (q *QLT) SetRhom(lci int, rhom float64) {
	q.checkCell(lci)
	q.l2r[lci*q.layout.L2RStride] = rhom
}

// SetQm sets a tracer's mass in a local cell together with
// the cell's mass bounds. Qmprev is the mass before the
// last transport step, and only matters for conserving
// tracers.
//
// Masses must be set again before every Run.
func (q *QLT) SetQm(lci, ti int, qm, qmMin, qmMax, qmPrev float64) {
	q.checkCell(lci)
	pt := q.layout.ProblemType(ti)
	base := lci * q.layout.L2RStride
	bd := q.l2r[base+q.layout.L2ROffset(ti):]
	bd[1] = qm
	if pt.IsShapePreserve() {
		bd[0] = qmMin
		bd[2] = qmMax
	} else {
		rhom := q.l2r[base]
		bd[0] = qmMin / rhom
		bd[2] = qmMax / rhom
	}
	if pt.IsConserve() {
		bd[3] = qmPrev
	}
}

// GetQm returns the limited mass of a tracer in a local
// cell after Run.
func (q *QLT) GetQm(lci, ti int) float64 {
	q.checkCell(lci)
	return q.r2l[lci*q.layout.R2LStride+q.layout.R2LOffset(ti)]
}

// Run performs one limiter pass. Every rank must call Run
// the same number of times.
func (q *QLT) Run() {
	l := q.mustLayout()
	if q.state != Idle {
		panic("limiter pass already running")
	}
	q.comms.NewEpoch()
	q.timers.Start(timing.QLTRun)

	var pending []*collcomm.Request

	q.state = LeavesToRoot
	q.timers.Start(timing.QLTRunL2R)
	for i := range q.sched.Levels {
		lvl := &q.sched.Levels[i]
		recvs := q.post(lvl.Down, q.l2r, l.L2RStride, leavesToRoot, false)
		q.wait(recvs)
		q.executor.ForEach(len(lvl.Nodes), func(j int) {
			q.combine(lvl.Nodes[j])
		})
		sends := q.post(lvl.Up, q.l2r, l.L2RStride, leavesToRoot, true)
		if i == len(q.sched.Levels)-1 {
			q.wait(sends)
		} else {
			pending = append(pending, sends...)
		}
	}
	q.timers.Stop(timing.QLTRunL2R)

	q.state = RootFixup
	q.rootFixup()

	q.state = RootToLeaves
	q.timers.Start(timing.QLTRunR2L)
	for i := len(q.sched.Levels) - 1; i >= 0; i-- {
		lvl := &q.sched.Levels[i]
		recvs := q.post(lvl.Up, q.r2l, l.R2LStride, rootToLeaves, false)
		q.wait(recvs)
		q.timers.Start(timing.SolveNode)
		q.executor.ForEach(len(lvl.Nodes), func(j int) {
			q.solve(lvl.Nodes[j])
		})
		q.timers.Stop(timing.SolveNode)
		sends := q.post(lvl.Down, q.r2l, l.R2LStride, rootToLeaves, true)
		if i == 0 {
			q.wait(sends)
		} else {
			pending = append(pending, sends...)
		}
	}
	q.timers.Stop(timing.QLTRunR2L)

	q.wait(pending)
	q.state = Idle
	q.timers.Stop(timing.QLTRun)
}

const (
	leavesToRoot = 0
	rootToLeaves = 1
)

func (q *QLT) post(msgs []schedule.Message, buf []float64, stride, dir int,
	send bool) []*collcomm.Request {
	reqs := make([]*collcomm.Request, len(msgs))
	for i, m := range msgs {
		data := buf[m.Offset*stride : (m.Offset+m.Count)*stride]
		stage := 2*m.Key(q.sched.Depth) + dir
		if send {
			q.metrics.ObserveMessage(timing.Send, len(data))
			reqs[i] = q.comms.Isend(m.Rank, Tag, stage, data)
		} else {
			q.metrics.ObserveMessage(timing.Recv, len(data))
			reqs[i] = q.comms.Irecv(m.Rank, Tag, stage, data)
		}
	}
	return reqs
}

func (q *QLT) wait(reqs []*collcomm.Request) {
	if len(reqs) == 0 {
		return
	}
	q.timers.Start(timing.WaitAll)
	q.comms.Wait(reqs...)
	q.timers.Stop(timing.WaitAll)
}

// combine reduces the kids' records into an internal
// node's leaves-to-root record.
func (q *QLT) combine(idx int) {
	n := &q.sched.Nodes[idx]
	if n.NKids == 0 {
		return
	}
	if n.NKids != 2 {
		panic(fmt.Sprintf("node %d has %d kids", n.ID, n.NKids))
	}
	stride := q.layout.L2RStride
	me := q.l2r[n.Offset*stride : (n.Offset+1)*stride]
	k0 := q.l2r[q.sched.Nodes[n.Kids[0]].Offset*stride:]
	k1 := q.l2r[q.sched.Nodes[n.Kids[1]].Offset*stride:]
	me[0] = k0[0] + k1[0]
	l := q.layout
	for a, pt := range layout.Archetypes {
		start, end := l.Group(a)
		shape, conserve := pt.IsShapePreserve(), pt.IsConserve()
		for bi := start; bi < end; bi++ {
			o := l.L2ROffset(l.Tracer(bi))
			if shape {
				me[o] = k0[o] + k1[o]
				me[o+2] = k0[o+2] + k1[o+2]
			} else {
				me[o] = math.Min(k0[o], k1[o])
				me[o+2] = math.Max(k0[o+2], k1[o+2])
			}
			me[o+1] = k0[o+1] + k1[o+1]
			if conserve {
				me[o+3] = k0[o+3] + k1[o+3]
			}
		}
	}
}

// rootFixup turns the root's reduced record into the
// first root-to-leaves record.
func (q *QLT) rootFixup() {
	root := q.sched.Root()
	if root == -1 {
		return
	}
	off := q.sched.Nodes[root].Offset
	l2r := q.l2r[off*q.layout.L2RStride:]
	r2l := q.r2l[off*q.layout.R2LStride:]
	l := q.layout
	for a, pt := range layout.Archetypes {
		start, end := l.Group(a)
		shape, conserve := pt.IsShapePreserve(), pt.IsConserve()
		for bi := start; bi < end; bi++ {
			ti := l.Tracer(bi)
			lo, ro := l.L2ROffset(ti), l.R2LOffset(ti)
			if conserve {
				r2l[ro] = l2r[lo+3]
			} else {
				r2l[ro] = l2r[lo+1]
			}
			if !shape {
				r2l[ro+1] = l2r[lo]
				r2l[ro+2] = l2r[lo+2]
			}
		}
	}
}

// solve distributes an internal node's target masses to
// its kids.
func (q *QLT) solve(idx int) {
	n := &q.sched.Nodes[idx]
	if n.NKids == 0 {
		return
	}
	if n.NKids != 2 {
		panic(fmt.Sprintf("node %d has %d kids", n.ID, n.NKids))
	}
	ls, rs := q.layout.L2RStride, q.layout.R2LStride
	var kl2r, kr2l [2][]float64
	for k := range kl2r {
		off := q.sched.Nodes[n.Kids[k]].Offset
		kl2r[k] = q.l2r[off*ls : (off+1)*ls]
		kr2l[k] = q.r2l[off*rs : (off+1)*rs]
	}
	me := q.l2r[n.Offset*ls : (n.Offset+1)*ls]
	mr := q.r2l[n.Offset*rs : (n.Offset+1)*rs]

	l := q.layout
	for a, pt := range layout.Archetypes {
		start, end := l.Group(a)
		shape := pt.IsShapePreserve()
		for bi := start; bi < end; bi++ {
			ti := l.Tracer(bi)
			lo, ro := l.L2ROffset(ti), l.R2LOffset(ti)
			if !shape {
				// Mixing-ratio bounds come from the root.
				qMin, qMax := mr[ro+1], mr[ro+2]
				me[lo], me[lo+2] = qMin, qMax
				for k := range kl2r {
					kl2r[k][lo], kl2r[k][lo+2] = qMin, qMax
					kr2l[k][ro+1], kr2l[k][ro+2] = qMin, qMax
				}
			}
			p := NodeProblem{
				Type: pt,
				Q:    mr[ro],
			}
			for k := range kl2r {
				p.Rhom[k] = kl2r[k][0]
				p.X[k] = kl2r[k][lo+1]
				if shape {
					p.Lo[k] = kl2r[k][lo]
					p.Hi[k] = kl2r[k][lo+2]
				} else {
					p.Lo[k] = kl2r[k][lo] * p.Rhom[k]
					p.Hi[k] = kl2r[k][lo+2] * p.Rhom[k]
				}
			}
			sol := SolveNodeProblem(&p)
			for k := range kr2l {
				kr2l[k][ro] = sol.Y[k]
				if sol.Safety && !shape {
					kr2l[k][ro+1], kr2l[k][ro+2] = sol.QMin, sol.QMax
				}
			}
		}
	}
}

func (q *QLT) mustLayout() *layout.Layout {
	if q.layout == nil {
		panic("tracer declarations have not ended")
	}
	return q.layout
}

func (q *QLT) checkCell(lci int) {
	q.mustLayout()
	if lci < 0 || lci >= len(q.cellToLocal) {
		panic("local cell index out of bounds")
	}
}
