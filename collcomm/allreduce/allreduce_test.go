package allreduce

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/qlt/collcomm"
	"github.com/unixpickle/qlt/simulator"
	"github.com/unixpickle/qlt/tree"
)

func TestNaiveAllreducer(t *testing.T) {
	RunAllreducerTests(t, func(m *tree.Mesh1D) Allreducer {
		return NaiveAllreducer{}
	})
}

func TestTreeAllreducer(t *testing.T) {
	RunAllreducerTests(t, func(m *tree.Mesh1D) Allreducer {
		return TreeAllreducer{}
	})
}

func TestRingAllreducer(t *testing.T) {
	for _, granularity := range []int{0, 3} {
		t.Run(fmt.Sprintf("Granularity%d", granularity), func(t *testing.T) {
			RunAllreducerTests(t, func(m *tree.Mesh1D) Allreducer {
				return RingAllreducer{Granularity: granularity}
			})
		})
	}
}

func TestBFBAllreducer(t *testing.T) {
	for _, imbalanced := range []bool{false, true} {
		t.Run(fmt.Sprintf("Imbalanced%v", imbalanced), func(t *testing.T) {
			RunAllreducerTests(t, func(m *tree.Mesh1D) Allreducer {
				tr, err := tree.Analyze(tree.Bisect(m, imbalanced), m.NCells)
				if err != nil {
					t.Fatal(err)
				}
				return NewBFBAllreducer(tr)
			})
		})
	}
}

// bfbRun reduces rows[cell] over a mesh with a
// BFBAllreducer and returns every node's result.
func bfbRun(t *testing.T, m *tree.Mesh1D, rows [][]float64, fn collcomm.ReduceFn) [][]float64 {
	tr, err := tree.Analyze(tree.Bisect(m, false), m.NCells)
	require.NoError(t, err)
	reducer := NewBFBAllreducer(tr)

	results := make([][]float64, m.NRanks)
	loop := simulator.NewSeededEventLoop(int64(m.NCells))
	nodes := simulator.NewNodes(m.NRanks)
	collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
		cells := m.Cells(c.Index())
		myRows := make([][]float64, len(cells))
		for i, cell := range cells {
			myRows[i] = rows[cell]
		}
		results[c.Index()] = reducer.Allreduce(c, cells, myRows, fn)
	})
	require.NoError(t, loop.Run())
	return results
}

func TestBFBCommPattern(t *testing.T) {
	for _, nranks := range []int{1, 2, 3, 7} {
		for _, decomp := range []tree.Decomp{tree.Contiguous, tree.Pseudorandom} {
			t.Run(fmt.Sprintf("Ranks=%d/%s", nranks, decomp), func(t *testing.T) {
				m, err := tree.NewMesh1D(nranks*7, nranks, decomp)
				require.NoError(t, err)
				rows := make([][]float64, m.NCells)
				for i := range rows {
					rows[i] = []float64{float64(i), 1}
				}
				n := float64(m.NCells)
				for _, res := range bfbRun(t, m, rows, collcomm.Sum) {
					assert.Equal(t, []float64{n * (n - 1) / 2, n}, res)
				}
			})
		}
	}
}

func TestBFBDecompositionIndependent(t *testing.T) {
	rows := make([][]float64, 42)
	for i := range rows {
		rows[i] = []float64{0.1 * float64(i+1), 1 / float64(i+1), float64(i%5) - 1e-3}
	}
	var expected []float64
	for _, nranks := range []int{1, 2, 4, 5} {
		for _, decomp := range []tree.Decomp{tree.Contiguous, tree.Pseudorandom} {
			m, err := tree.NewMesh1D(len(rows), nranks, decomp)
			require.NoError(t, err)
			for _, res := range bfbRun(t, m, rows, collcomm.Sum) {
				if expected == nil {
					expected = res
				}
				assert.Equal(t, expected, res, "ranks=%d decomp=%s", nranks, decomp)
			}
		}
	}
}

func TestBFBMinMax(t *testing.T) {
	m, err := tree.NewMesh1D(9, 3, tree.Pseudorandom)
	require.NoError(t, err)
	rows := make([][]float64, m.NCells)
	for i := range rows {
		rows[i] = []float64{float64((i * 5) % 9)}
	}
	for _, res := range bfbRun(t, m, rows, collcomm.Min) {
		assert.Equal(t, []float64{0}, res)
	}
	for _, res := range bfbRun(t, m, rows, collcomm.Max) {
		assert.Equal(t, []float64{8}, res)
	}
}

func TestBFBWrongCells(t *testing.T) {
	m, err := tree.NewMesh1D(4, 2, tree.Contiguous)
	require.NoError(t, err)
	tr, err := tree.Analyze(tree.Bisect(m, false), m.NCells)
	require.NoError(t, err)
	reducer := NewBFBAllreducer(tr)

	loop := simulator.NewSeededEventLoop(1)
	nodes := simulator.NewNodes(2)
	collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
		other := m.Cells(1 - c.Index())
		assert.Panics(t, func() {
			reducer.Allreduce(c, other, [][]float64{{1}, {2}}, collcomm.Sum)
		})
		assert.Panics(t, func() {
			reducer.Allreduce(c, other[:1], [][]float64{{1}}, collcomm.Sum)
		})
	})
	require.NoError(t, loop.Run())
}

func TestPositionInTree(t *testing.T) {
	loop := simulator.NewSeededEventLoop(1)
	nodes := simulator.NewNodes(6)
	parents := make([]int, 6)
	kids := make([][]int, 6)
	collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
		parents[c.Index()], kids[c.Index()] = positionInTree(c)
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, []int{-1, 0, 0, 1, 1, 2}, parents)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}, nil, nil, nil}, kids)
}

func TestLeafTally(t *testing.T) {
	for _, nranks := range []int{1, 4, 6} {
		m, err := tree.NewMesh1D(5*nranks+1, nranks, tree.Pseudorandom)
		require.NoError(t, err)
		tr, err := tree.Analyze(tree.Bisect(m, true), m.NCells)
		require.NoError(t, err)
		bfb := NewBFBAllreducer(tr)

		tallies := make([]float64, nranks)
		loop := simulator.NewSeededEventLoop(int64(nranks))
		nodes := simulator.NewNodes(nranks)
		collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
			s := bfb.Schedule(c.Index())
			if !assert.NoError(t, s.CheckLeaves()) {
				return
			}
			owned := s.OwnedCells()
			row := []float64{float64(len(s.Leaves()))}
			tallies[c.Index()] = TreeAllreducer{}.Allreduce(c, owned[:1], [][]float64{row},
				collcomm.Sum)[0]
		})
		require.NoError(t, loop.Run())
		for _, tally := range tallies {
			assert.Equal(t, float64(m.NCells), tally)
		}
	}
}
