// Package verify runs a randomized battery of limiter
// problems and checks conservation, bounds, and safety on
// the results.
package verify

import (
	"log/slog"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/unixpickle/qlt/collcomm"
	"github.com/unixpickle/qlt/collcomm/allreduce"
	"github.com/unixpickle/qlt/layout"
	"github.com/unixpickle/qlt/timing"
)

const epsilon = 0x1p-52

const (
	// MassTolerance is the largest relative error allowed
	// between the desired and the limited global mass.
	MassTolerance = 1e3 * epsilon

	// SafetyTolerance is the relative slack given to the
	// global mixing-ratio extremes.
	SafetyTolerance = 100 * epsilon
)

var (
	// ErrNoCells is returned when a node owns no cells,
	// since it cannot take part in the reductions.
	ErrNoCells = errors.New("node owns no cells")

	// ErrFailed is returned by Report.Err when a check
	// failed.
	ErrFailed = errors.New("verification failed")
)

// A Limiter is a distributed mass limiter that the
// battery can drive.
type Limiter interface {
	DeclareTracer(pt layout.ProblemType) error
	EndTracerDeclarations() error
	LocalCellCount() int
	OwnedGlobalCells() []int
	SetRhom(lci int, rhom float64)
	SetQm(lci, ti int, qm, qmMin, qmMax, qmPrev float64)
	Run()
	GetQm(lci, ti int) float64
}

// A Battery describes a randomized test.
//
// Every node runs the same Battery on its own Limiter.
type Battery struct {
	Tracers []Tracer

	// Seed is combined with the node index to seed the
	// generator of each node.
	Seed int64

	// Trials is the number of limiter passes over the
	// same input. Timers are reset after the first one.
	Trials int

	// Reducer computes the global sums and extremes used
	// to build and check the problems.
	Reducer allreduce.Allreducer

	Timers *timing.Timers
	Logger *slog.Logger
}

// values holds a node's problem data, indexed by tracer
// and then by local cell.
type values struct {
	rhom   []float64
	qmMin  [][]float64
	qm     [][]float64
	qmMax  [][]float64
	qmPrev [][]float64
}

func newValues(ncells, ntracers int) *values {
	v := &values{rhom: make([]float64, ncells)}
	for _, field := range []*[][]float64{&v.qmMin, &v.qm, &v.qmMax, &v.qmPrev} {
		*field = make([][]float64, ntracers)
		for i := range *field {
			(*field)[i] = make([]float64, ncells)
		}
	}
	return v
}

// Run declares the battery's tracers on l, generates a
// problem, limits it b.Trials times, and checks the
// result.
//
// The returned report holds global results and is the
// same on every node.
func (b *Battery) Run(c *collcomm.Comms, l Limiter) (*Report, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if l.LocalCellCount() == 0 {
		return nil, errors.Wrapf(ErrNoCells, "node %d", c.Index())
	}

	b.Timers.Start(timing.Total)
	defer b.Timers.Stop(timing.Total)

	b.Timers.Start(timing.TracerInit)
	for _, t := range b.Tracers {
		if err := l.DeclareTracer(t.Type); err != nil {
			return nil, errors.Wrapf(err, "declare tracer %s", t)
		}
	}
	if err := l.EndTracerDeclarations(); err != nil {
		return nil, err
	}
	b.Timers.Stop(timing.TracerInit)

	b.Timers.Start(timing.TracerGen)
	gen := rand.New(rand.NewSource(b.Seed + 7919*int64(c.Index())))
	v := b.generate(c, l, gen)
	b.Timers.Stop(timing.TracerGen)

	n := l.LocalCellCount()
	trials := max(b.Trials, 1)
	for trial := 0; trial < trials; trial++ {
		for lci := 0; lci < n; lci++ {
			l.SetRhom(lci, v.rhom[lci])
			for ti := range b.Tracers {
				l.SetQm(lci, ti, v.qm[ti][lci], v.qmMin[ti][lci], v.qmMax[ti][lci],
					v.qmPrev[ti][lci])
			}
		}
		l.Run()
		if trial == 0 && trials > 1 {
			b.Timers.Reset()
			b.Timers.Start(timing.Total)
		}
	}

	b.Timers.Start(timing.TracerCheck)
	out := make([][]float64, len(b.Tracers))
	for ti := range out {
		out[ti] = make([]float64, n)
		for lci := range out[ti] {
			out[ti][lci] = l.GetQm(lci, ti)
		}
	}
	report := b.check(c, l.OwnedGlobalCells(), v, out)
	b.Timers.Stop(timing.TracerCheck)

	if c.Index() == 0 {
		for _, r := range report.Results {
			if r.Failed() {
				logger.Warn("tracer failed", "tracer", r.Tracer.String(),
					"local", r.LocalViolations, "change", r.ChangeViolations,
					"safety", r.SafetyViolations, "mass_error", r.MassError())
			}
		}
		logger.Info("battery finished", "cells", report.NCells, "tracers", len(report.Results),
			"failures", report.Failures())
	}
	return report, nil
}

func (b *Battery) generate(c *collcomm.Comms, l Limiter, gen *rand.Rand) *values {
	n := l.LocalCellCount()
	v := newValues(n, len(b.Tracers))
	for i := range v.rhom {
		v.rhom[i] = 0.5 + 1.5*gen.Float64()
	}
	for ti := range b.Tracers {
		for i, rhom := range v.rhom {
			qMin := 0.1 + 0.8*gen.Float64()
			qMax := math.Min(1, qMin+(0.9-qMin)*gen.Float64())
			q := qMin + (qMax-qMin)*gen.Float64()
			v.qmMin[ti][i] = qMin * rhom
			v.qmMax[ti][i] = qMax * rhom
			v.qm[ti][i] = clamp(q*rhom, v.qmMin[ti][i], v.qmMax[ti][i])
			v.qmPrev[ti][i] = v.qm[ti][i]
		}
	}
	b.perturb(c, l.OwnedGlobalCells(), v, gen)
	return v
}

// perturb applies each tracer's perturbation.
//
// The limiter conserves the previous mass, so for
// non-conserving tracers the previous masses move along
// with the new ones. For conserving tracers they move by a
// smaller amount, so that the root has a discrepancy to
// fix.
func (b *Battery) perturb(c *collcomm.Comms, cells []int, v *values, gen *rand.Rand) {
	nt := len(b.Tracers)
	n := len(cells)

	// Each row holds the cell count, rhom, and then each
	// tracer's mass and upper bound.
	sumRows := make([][]float64, n)
	maxRows := make([][]float64, n)
	for i := range sumRows {
		sumRows[i] = make([]float64, 2+2*nt)
		sumRows[i][0] = 1
		sumRows[i][1] = v.rhom[i]
		maxRows[i] = make([]float64, nt)
		for ti := range b.Tracers {
			sumRows[i][2+ti] = v.qm[ti][i]
			sumRows[i][2+nt+ti] = v.qmMax[ti][i]
			maxRows[i][ti] = v.qmMax[ti][i] / v.rhom[i]
		}
	}
	sums := b.Reducer.Allreduce(c, cells, sumRows, collcomm.Sum)
	qSafety := b.Reducer.Allreduce(c, cells, maxRows, collcomm.Max)

	ncells, rhom := sums[0], sums[1]
	edge := 1 - ncells*epsilon
	const relax = 0.9

	for ti, t := range b.Tracers {
		var alpha float64
		var safety bool
		switch t.Perturbation {
		case NoPerturbation:
			continue
		case Permute:
			permute(gen, v.qm[ti])
			continue
		case TowardLocal:
			alpha = 0.5
		case TowardLocalEdge:
			alpha = edge
		case TowardSafety:
			alpha, safety = 0.5, true
		case TowardSafetyEdge:
			alpha, safety = edge, true
		default:
			panic("unknown perturbation")
		}

		qm, qmMax := sums[2+ti], sums[2+nt+ti]
		qmMaxSafety := qSafety[ti] * rhom
		var dqm, dqmPrev float64
		if safety {
			dqm = ((qmMax - qm) + alpha*(qmMaxSafety-qmMax)) / ncells
			dqmPrev = ((qmMax - qm) + relax*alpha*(qmMaxSafety-qmMax)) / ncells
		} else {
			dqm = alpha * (qmMax - qm) / ncells
			dqmPrev = relax * alpha * (qmMax - qm) / ncells
		}
		if !t.Type.IsConserve() {
			dqmPrev = dqm
		}
		for i := range v.qm[ti] {
			v.qm[ti][i] += dqm
			v.qmPrev[ti][i] += dqmPrev
		}
		permute(gen, v.qm[ti])
	}
}

func (b *Battery) check(c *collcomm.Comms, cells []int, v *values, out [][]float64) *Report {
	nt := len(b.Tracers)
	n := len(cells)

	minRows := make([][]float64, n)
	maxRows := make([][]float64, n)
	for i := range minRows {
		minRows[i] = make([]float64, nt)
		maxRows[i] = make([]float64, nt)
		for ti := range b.Tracers {
			minRows[i][ti] = v.qmMin[ti][i] / v.rhom[i]
			maxRows[i][ti] = v.qmMax[ti][i] / v.rhom[i]
		}
	}
	qMin := b.Reducer.Allreduce(c, cells, minRows, collcomm.Min)
	qMax := b.Reducer.Allreduce(c, cells, maxRows, collcomm.Max)

	// Each row holds the cell count, and then each
	// tracer's previous mass, limited mass, and the three
	// violation indicators.
	const fields = 5
	rows := make([][]float64, n)
	for i := range rows {
		row := make([]float64, 1+fields*nt)
		row[0] = 1
		for ti, t := range b.Tracers {
			y, rhom := out[ti][i], v.rhom[i]
			r := row[1+fields*ti : 1+fields*(ti+1)]
			r[0] = v.qmPrev[ti][i]
			r[1] = y
			if t.LocalShouldHold() && (y < v.qmMin[ti][i] || y > v.qmMax[ti][i]) {
				r[2] = 1
			}
			if t.NoChangeShouldHold() && y != v.qmPrev[ti][i] {
				r[3] = 1
			}
			if !t.LocalShouldHold() && (y < qMin[ti]*rhom*(1-SafetyTolerance) ||
				y > qMax[ti]*rhom*(1+SafetyTolerance)) {
				r[4] = 1
			}
		}
		rows[i] = row
	}
	sums := b.Reducer.Allreduce(c, cells, rows, collcomm.Sum)

	report := &Report{NCells: int(sums[0])}
	for ti, t := range b.Tracers {
		s := sums[1+fields*ti : 1+fields*(ti+1)]
		report.Results = append(report.Results, TracerResult{
			Tracer:           t,
			DesiredMass:      s[0],
			ActualMass:       s[1],
			LocalViolations:  int(s[2]),
			ChangeViolations: int(s[3]),
			SafetyViolations: int(s[4]),
		})
	}
	return report
}

// permute shuffles a node's masses in place.
func permute(gen *rand.Rand, qm []float64) {
	gen.Shuffle(len(qm), func(i, j int) {
		qm[i], qm[j] = qm[j], qm[i]
	})
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
