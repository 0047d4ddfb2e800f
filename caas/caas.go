// Package caas implements the clip-and-assured-sum
// limiter, which restores a tracer's global mass with a
// single all-reduce instead of a tree pass.
package caas

import (
	"log/slog"

	"github.com/pkg/errors"
	"github.com/unixpickle/qlt/collcomm"
	"github.com/unixpickle/qlt/collcomm/allreduce"
	"github.com/unixpickle/qlt/layout"
	"github.com/unixpickle/qlt/timing"
)

// An Option configures a CAAS.
type Option func(c *CAAS)

// WithLogger sets the logger. The default is
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *CAAS) {
		c.logger = l
	}
}

// WithTimers records the time spent in each pass.
func WithTimers(t *timing.Timers) Option {
	return func(c *CAAS) {
		c.timers = t
	}
}

// Fields of a cell's per-tracer record.
const (
	fieldQm = iota
	fieldMin
	fieldMax
	fieldPrev
	numFields
)

// CAAS is one rank's instance of the limiter.
//
// It first clips every cell to its bounds, then sums the
// clipped masses, the target masses, and the bounds over
// all cells. The mass lost or gained by clipping is put
// back in proportion to each cell's room below its upper
// bound or above its lower bound.
//
// Only shape-preserving tracers are supported.
type CAAS struct {
	comms   *collcomm.Comms
	reducer allreduce.Allreducer
	cells   []int

	registry layout.Registry
	layout   *layout.Layout

	rhom []float64

	// data holds numFields values per cell and tracer.
	data []float64
	out  []float64

	logger *slog.Logger
	timers *timing.Timers
}

// New creates the limiter for the rank of c, which owns
// the given global cells.
//
// The reducer must be able to reduce rows over exactly
// these cells on every rank.
func New(c *collcomm.Comms, cells []int, reducer allreduce.Allreducer,
	opts ...Option) (*CAAS, error) {
	if len(cells) == 0 {
		return nil, errors.Wrapf(layout.ErrInvalidArgument, "rank %d owns no cells", c.Index())
	}
	res := &CAAS{
		comms:   c,
		reducer: reducer,
		cells:   append([]int{}, cells...),
		rhom:    make([]float64, len(cells)),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(res)
	}
	return res, nil
}

// DeclareTracer adds a tracer.
func (c *CAAS) DeclareTracer(pt layout.ProblemType) error {
	if !pt.IsShapePreserve() {
		return errors.Wrapf(layout.ErrInvalidArgument,
			"problem type %s is not shape preserving", pt)
	}
	return c.registry.Declare(pt)
}

// EndTracerDeclarations fixes the set of tracers.
func (c *CAAS) EndTracerDeclarations() error {
	l, err := c.registry.Seal()
	if err != nil {
		return err
	}
	c.layout = l
	c.data = make([]float64, len(c.cells)*l.NumTracers()*numFields)
	c.out = make([]float64, len(c.cells)*l.NumTracers())
	c.logger.Debug("declared tracers", "rank", c.comms.Index(), "tracers", l.NumTracers())
	return nil
}

// NumTracers returns the number of declared tracers.
func (c *CAAS) NumTracers() int {
	return c.registry.Len()
}

// LocalCellCount returns the number of owned cells.
func (c *CAAS) LocalCellCount() int {
	return len(c.cells)
}

// OwnedGlobalCells returns the global index of every owned
// cell, indexed by local cell index.
func (c *CAAS) OwnedGlobalCells() []int {
	return c.cells
}

// SetRhom sets the total density of a local cell.
func (c *CAAS) SetRhom(lci int, rhom float64) {
	c.rhom[lci] = rhom
}

// SetQm sets a tracer's mass and mass bounds in a local
// cell.
func (c *CAAS) SetQm(lci, ti int, qm, qmMin, qmMax, qmPrev float64) {
	rec := c.record(lci, ti)
	rec[fieldQm] = qm
	rec[fieldMin] = qmMin
	rec[fieldMax] = qmMax
	rec[fieldPrev] = qmPrev
}

// GetQm returns the limited mass of a tracer in a local
// cell after Run.
func (c *CAAS) GetQm(lci, ti int) float64 {
	c.record(lci, ti)
	return c.out[lci*c.layout.NumTracers()+ti]
}

// Run performs one limiter pass. Every rank must call Run
// the same number of times.
func (c *CAAS) Run() {
	if c.layout == nil {
		panic("tracer declarations have not ended")
	}
	c.timers.Start(timing.QLTRun)
	defer c.timers.Stop(timing.QLTRun)

	nt := c.layout.NumTracers()

	// Each row holds, per tracer, the clipped mass, the
	// target mass, and the two bounds.
	rows := make([][]float64, len(c.cells))
	for lci := range c.cells {
		row := make([]float64, 4*nt)
		for ti := 0; ti < nt; ti++ {
			rec := c.record(lci, ti)
			clip := clamp(rec[fieldQm], rec[fieldMin], rec[fieldMax])
			c.out[lci*nt+ti] = clip
			row[ti] = clip
			if c.layout.ProblemType(ti).IsConserve() {
				row[nt+ti] = rec[fieldPrev]
			} else {
				row[nt+ti] = rec[fieldQm]
			}
			row[2*nt+ti] = rec[fieldMin]
			row[3*nt+ti] = rec[fieldMax]
		}
		rows[lci] = row
	}

	c.timers.Start(timing.WaitAll)
	sums := c.reducer.Allreduce(c.comms, c.cells, rows, collcomm.Sum)
	c.timers.Stop(timing.WaitAll)

	for ti := 0; ti < nt; ti++ {
		clipSum, termSum := sums[ti], sums[nt+ti]
		minSum, maxSum := sums[2*nt+ti], sums[3*nt+ti]
		m := termSum - clipSum
		if m == 0 {
			continue
		}
		var fac float64
		if m < 0 {
			if den := clipSum - minSum; den > 0 {
				fac = m / den
			}
		} else {
			if den := maxSum - clipSum; den > 0 {
				fac = m / den
			}
		}
		for lci := range c.cells {
			rec := c.record(lci, ti)
			y := &c.out[lci*nt+ti]
			if m < 0 {
				*y += fac * (*y - rec[fieldMin])
				*y = max(*y, rec[fieldMin])
			} else {
				*y += fac * (rec[fieldMax] - *y)
				*y = min(*y, rec[fieldMax])
			}
		}
	}
}

func (c *CAAS) record(lci, ti int) []float64 {
	if c.layout == nil {
		panic("tracer declarations have not ended")
	}
	nt := c.layout.NumTracers()
	if lci < 0 || lci >= len(c.cells) || ti < 0 || ti >= nt {
		panic("index out of bounds")
	}
	start := (lci*nt + ti) * numFields
	return c.data[start : start+numFields]
}

func clamp(x, lo, hi float64) float64 {
	return max(lo, min(hi, x))
}
