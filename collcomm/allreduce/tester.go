package allreduce

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/qlt/collcomm"
	"github.com/unixpickle/qlt/simulator"
	"github.com/unixpickle/qlt/tree"
)

// RunAllreducerTests runs a battery of tests on an
// Allreducer.
//
// The newReducer function is called once per simulated
// network with the mesh whose cells are being reduced.
func RunAllreducerTests(t *testing.T, newReducer func(m *tree.Mesh1D) Allreducer) {
	for _, numNodes := range []int{1, 2, 5, 16, 17} {
		for _, cellsPerNode := range []int{1, 3} {
			for _, size := range []int{0, 1, 1337} {
				for _, randomized := range []bool{false, true} {
					testName := fmt.Sprintf("Nodes=%d,Cells=%d,Size=%d,Random=%v", numNodes,
						numNodes*cellsPerNode, size, randomized)
					t.Run(testName, func(t *testing.T) {
						decomp := tree.Contiguous
						if randomized {
							decomp = tree.Pseudorandom
						}
						mesh, err := tree.NewMesh1D(numNodes*cellsPerNode, numNodes, decomp)
						if err != nil {
							t.Fatal(err)
						}
						runAllreducerTest(t, mesh, newReducer(mesh), size, randomized)
					})
				}
			}
		}
	}
}

func runAllreducerTest(t *testing.T, mesh *tree.Mesh1D, reducer Allreducer, size int,
	randomized bool) {
	loop := simulator.NewEventLoop()
	rows := make([][]float64, mesh.NCells)
	sum := make([]float64, size)
	for i := range rows {
		rows[i] = make([]float64, size)
		for j := range rows[i] {
			rows[i][j] = rand.NormFloat64()
			sum[j] += rows[i][j]
		}
	}

	nodes := simulator.NewNodes(mesh.NRanks)
	var network simulator.Network
	if randomized {
		network = simulator.RandomNetwork{}
	} else {
		network = simulator.NewLinkNetwork(0.1, 0.01, 1e6)
	}

	results := make([][]float64, mesh.NRanks)
	collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
		cells := mesh.Cells(c.Index())
		myRows := make([][]float64, len(cells))
		for i, cell := range cells {
			myRows[i] = rows[cell]
		}
		results[c.Index()] = reducer.Allreduce(c, cells, myRows, collcomm.Sum)
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	verifyReductionResults(t, results, sum)
}

func verifyReductionResults(t *testing.T, results [][]float64, expected []float64) {
	for i, res := range results[1:] {
		if len(res) != len(expected) {
			t.Errorf("result %d has length %d but expected %d", i+1, len(res), len(expected))
			continue
		}
		for j, actual := range res {
			if actual != results[0][j] {
				t.Errorf("result %d is not identical to result 0", i+1)
				break
			}
		}
	}

	if len(results[0]) != len(expected) {
		t.Fatalf("result 0 has length %d but expected %d", len(results[0]), len(expected))
	}
	for i, x := range expected {
		if math.Abs(x-results[0][i]) > 1e-5 {
			t.Errorf("sum is incorrect (expected %f but got %f at component %d)",
				x, results[0][i], i)
			break
		}
	}
}
