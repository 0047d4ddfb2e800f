package qlt

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/qlt/collcomm"
	"github.com/unixpickle/qlt/layout"
	"github.com/unixpickle/qlt/simulator"
	"github.com/unixpickle/qlt/tree"
)

var testTypes = []layout.ProblemType{
	layout.Conserve | layout.ShapePreserve | layout.Consistent,
	layout.ShapePreserve,
	layout.Conserve | layout.Consistent,
	layout.Consistent,
}

// cellData is the deterministic input of one tracer in
// one cell.
type cellData struct {
	Rho    float64
	QMin   float64
	QMax   float64
	Qm     float64
	QmMin  float64
	QmMax  float64
	QmPrev float64
}

func generateCells(ncells int, ti int, seed int64) []cellData {
	gen := rand.New(rand.NewSource(seed + int64(ti)*1000003))
	res := make([]cellData, ncells)
	for i := range res {
		rho := 0.5 + 1.5*gen.Float64()
		qMin := 0.1 + 0.8*gen.Float64()
		qMax := math.Min(1, qMin+(0.9-qMin)*gen.Float64())
		q := math.Min(qMax, qMin+(qMax-qMin)*gen.Float64())
		res[i] = cellData{
			Rho:    rho,
			QMin:   qMin,
			QMax:   qMax,
			Qm:     q * rho,
			QmMin:  qMin * rho,
			QmMax:  qMax * rho,
			QmPrev: q * rho,
		}
	}
	// Every tracer shares the first tracer's densities.
	if ti > 0 {
		first := generateCells(ncells, 0, seed)
		for i := range res {
			r := first[i].Rho / res[i].Rho
			res[i].Rho = first[i].Rho
			res[i].Qm *= r
			res[i].QmMin *= r
			res[i].QmMax *= r
			res[i].QmPrev *= r
		}
	}
	return res
}

// permute rotates the masses by one cell, which keeps the
// total but breaks cell bounds.
func permute(cells []cellData) []cellData {
	res := append([]cellData{}, cells...)
	for i := range res {
		res[i].Qm = cells[(i+1)%len(cells)].Qm
	}
	return res
}

// runLimiter runs a single limiter pass over a mesh and
// returns the limited masses, indexed by tracer and global
// cell.
func runLimiter(t *testing.T, m *tree.Mesh1D, network simulator.Network,
	inputs [][]cellData, opts ...Option) [][]float64 {
	tr, err := tree.Analyze(tree.Bisect(m, false), m.NCells)
	require.NoError(t, err)

	outputs := make([][]float64, len(inputs))
	for i := range outputs {
		outputs[i] = make([]float64, m.NCells)
	}

	loop := simulator.NewSeededEventLoop(1)
	nodes := simulator.NewNodes(m.NRanks)
	if network == nil {
		network = simulator.RandomNetwork{}
	}
	collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
		q, err := New(c, m.NCells, tr, opts...)
		if !assert.NoError(t, err) {
			return
		}
		for ti := range inputs {
			assert.NoError(t, q.DeclareTracer(testTypes[ti%len(testTypes)]))
		}
		assert.NoError(t, q.EndTracerDeclarations())
		for lci, gci := range q.OwnedGlobalCells() {
			q.SetRhom(lci, inputs[0][gci].Rho)
			for ti, cells := range inputs {
				d := cells[gci]
				q.SetQm(lci, ti, d.Qm, d.QmMin, d.QmMax, d.QmPrev)
			}
		}
		q.Run()
		assert.Equal(t, Idle, q.State())
		for lci, gci := range q.OwnedGlobalCells() {
			for ti := range inputs {
				outputs[ti][gci] = q.GetQm(lci, ti)
			}
		}
	})
	require.NoError(t, loop.Run())
	return outputs
}

func makeInputs(ncells int, seed int64, perturb bool) [][]cellData {
	inputs := make([][]cellData, len(testTypes))
	for ti := range inputs {
		inputs[ti] = generateCells(ncells, ti, seed)
		if perturb {
			inputs[ti] = permute(inputs[ti])
		}
	}
	return inputs
}

func TestQLTNoChange(t *testing.T) {
	for _, decomp := range []tree.Decomp{tree.Contiguous, tree.Pseudorandom} {
		t.Run(decomp.String(), func(t *testing.T) {
			m, err := tree.NewMesh1D(42, 4, decomp)
			require.NoError(t, err)
			inputs := makeInputs(m.NCells, 1, false)
			outputs := runLimiter(t, m, nil, inputs)
			for ti, cells := range inputs {
				for ci, d := range cells {
					assert.Equal(t, d.Qm, outputs[ti][ci], "tracer %d cell %d", ti, ci)
				}
			}
		})
	}
}

func TestQLTProperties(t *testing.T) {
	for _, nranks := range []int{1, 3, 4, 7} {
		for _, decomp := range []tree.Decomp{tree.Contiguous, tree.Pseudorandom} {
			name := fmt.Sprintf("Ranks=%d/%s", nranks, decomp)
			t.Run(name, func(t *testing.T) {
				m, err := tree.NewMesh1D(nranks*6, nranks, decomp)
				require.NoError(t, err)
				inputs := makeInputs(m.NCells, int64(nranks), true)
				outputs := runLimiter(t, m, nil, inputs)
				checkProperties(t, testTypes, inputs, outputs)
			})
		}
	}
}

func TestQLTParallelExecutor(t *testing.T) {
	m, err := tree.NewMesh1D(42, 4, tree.Pseudorandom)
	require.NoError(t, err)
	inputs := makeInputs(m.NCells, 3, true)
	serial := runLimiter(t, m, nil, inputs)
	parallel := runLimiter(t, m, nil, inputs, WithExecutor(ParallelExecutor{Workers: 4}))
	assert.Equal(t, serial, parallel)
	checkProperties(t, testTypes, inputs, parallel)
}

func checkProperties(t *testing.T, types []layout.ProblemType, inputs [][]cellData,
	outputs [][]float64) {
	for ti, cells := range inputs {
		pt, _ := layout.Canonical(types[ti])
		var target, actual, scale float64
		qMin, qMax := math.Inf(1), math.Inf(-1)
		for ci, d := range cells {
			if pt.IsConserve() {
				target += d.QmPrev
			} else {
				target += d.Qm
			}
			actual += outputs[ti][ci]
			scale += math.Abs(d.Qm)
			qMin = math.Min(qMin, d.QMin)
			qMax = math.Max(qMax, d.QMax)
		}
		assert.InDelta(t, target, actual, 1e3*epsilon*scale, "mass of tracer %d", ti)

		for ci, d := range cells {
			y := outputs[ti][ci]
			if pt.IsShapePreserve() {
				assert.GreaterOrEqual(t, y, d.QmMin, "tracer %d cell %d", ti, ci)
				assert.LessOrEqual(t, y, d.QmMax, "tracer %d cell %d", ti, ci)
			} else {
				q := y / d.Rho
				slack := 100 * epsilon * math.Max(math.Abs(qMin), math.Abs(qMax))
				assert.GreaterOrEqual(t, q, qMin-slack, "tracer %d cell %d", ti, ci)
				assert.LessOrEqual(t, q, qMax+slack, "tracer %d cell %d", ti, ci)
			}
		}
	}
}

func TestQLTSafety(t *testing.T) {
	m, err := tree.NewMesh1D(21, 3, tree.Pseudorandom)
	require.NoError(t, err)
	inputs := makeInputs(m.NCells, 5, false)

	// Push the first tracer's total above the sum of its
	// cell bounds, which all share one mixing ratio range.
	var total, rho float64
	for i := range inputs[0] {
		d := &inputs[0][i]
		d.QMin, d.QMax = 0.2, 0.8
		d.QmMin, d.QmMax = 0.2*d.Rho, 0.8*d.Rho
		d.Qm = 0.9 * d.Rho
		d.QmPrev = d.Qm
		total += d.Qm
		rho += d.Rho
	}
	outputs := runLimiter(t, m, nil, inputs)

	var actual float64
	for ci, y := range outputs[0] {
		actual += y
		assert.InDelta(t, total/rho, y/inputs[0][ci].Rho, 1e-12)
	}
	assert.InDelta(t, total, actual, 1e-12*total)
	checkProperties(t, testTypes[1:], inputs[1:], outputs[1:])
}

func TestQLTMessages(t *testing.T) {
	m, err := tree.NewMesh1D(42, 4, tree.Pseudorandom)
	require.NoError(t, err)
	tr, err := tree.Analyze(tree.Bisect(m, false), m.NCells)
	require.NoError(t, err)

	nodes := simulator.NewNodes(m.NRanks)
	network := simulator.NewMeteredNetwork(simulator.RandomNetwork{}, nodes)
	loop := simulator.NewSeededEventLoop(2)

	counts := make([]int, m.NRanks)
	bytes := make([]float64, m.NRanks)
	collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
		q, err := New(c, m.NCells, tr)
		if !assert.NoError(t, err) {
			return
		}
		for _, pt := range testTypes {
			assert.NoError(t, q.DeclareTracer(pt))
		}
		assert.NoError(t, q.EndTracerDeclarations())
		for lci := 0; lci < q.LocalCellCount(); lci++ {
			q.SetRhom(lci, 1)
			for ti := range testTypes {
				q.SetQm(lci, ti, 0.5, 0, 1, 0.5)
			}
		}
		q.Run()

		l := q.Layout()
		for _, lvl := range q.Schedule().Levels {
			counts[c.Index()] += len(lvl.Up)
			for _, msg := range lvl.Up {
				bytes[c.Index()] += float64(8 * msg.Count * (l.L2RStride + l.R2LStride))
			}
		}
	})
	require.NoError(t, loop.Run())

	var expectedMsgs int
	var expectedBytes float64
	for i := range counts {
		expectedMsgs += counts[i]
		expectedBytes += bytes[i]
	}
	assert.Greater(t, expectedMsgs, 0)

	// Each pass sends one message per edge in each
	// direction, and every message is acknowledged.
	assert.Equal(t, float64(4*expectedMsgs), network.Messages().Total())
	assert.Equal(t, expectedBytes, network.Bytes().Total())
}

func TestQLTRepeatedRuns(t *testing.T) {
	m, err := tree.NewMesh1D(12, 3, tree.Contiguous)
	require.NoError(t, err)
	tr, err := tree.Analyze(tree.Bisect(m, true), m.NCells)
	require.NoError(t, err)

	inputs := makeInputs(m.NCells, 9, true)
	results := make([][]float64, 3)
	for i := range results {
		results[i] = make([]float64, m.NCells)
	}

	loop := simulator.NewSeededEventLoop(3)
	nodes := simulator.NewNodes(m.NRanks)
	collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
		q, err := New(c, m.NCells, tr)
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, q.DeclareTracer(layout.ShapePreserve))
		assert.NoError(t, q.EndTracerDeclarations())
		for run := range results {
			for lci, gci := range q.OwnedGlobalCells() {
				d := inputs[0][gci]
				q.SetRhom(lci, d.Rho)
				q.SetQm(lci, 0, d.Qm, d.QmMin, d.QmMax, d.QmPrev)
			}
			q.Run()
			for lci, gci := range q.OwnedGlobalCells() {
				results[run][gci] = q.GetQm(lci, 0)
			}
		}
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, results[0], results[2])
}

func TestQLTErrors(t *testing.T) {
	m, err := tree.NewMesh1D(4, 2, tree.Contiguous)
	require.NoError(t, err)
	tr, err := tree.Analyze(tree.Bisect(m, false), m.NCells)
	require.NoError(t, err)

	loop := simulator.NewSeededEventLoop(4)
	nodes := simulator.NewNodes(m.NRanks)
	collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
		_, err := New(c, 5, tr)
		assert.True(t, errors.Is(err, tree.ErrRange))

		q, err := New(c, 4, tr)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, 2, q.LocalCellCount())
		assert.Panics(t, func() { q.Run() })
		assert.Panics(t, func() { q.SetRhom(0, 1) })

		err = q.DeclareTracer(layout.Conserve)
		assert.True(t, errors.Is(err, layout.ErrInvalidArgument))
		assert.NoError(t, q.DeclareTracer(layout.Consistent))
		assert.NoError(t, q.EndTracerDeclarations())
		assert.True(t, errors.Is(q.EndTracerDeclarations(), layout.ErrState))
		assert.True(t, errors.Is(q.DeclareTracer(layout.Consistent), layout.ErrState))
		assert.Equal(t, 1, q.NumTracers())
		assert.Equal(t, layout.Consistent, q.ProblemType(0))

		for _, gci := range m.Cells(c.Index()) {
			_, err := q.GlobalToLocal(gci)
			assert.NoError(t, err)
		}
		other := m.Cells(1 - c.Index())[0]
		_, err = q.GlobalToLocal(other)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.Panics(t, func() { q.GetQm(2, 0) })
	})
	require.NoError(t, loop.Run())
}
