package main

import (
	"fmt"
	"strconv"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/qlt/collcomm"
	"github.com/unixpickle/qlt/collcomm/allreduce"
	"github.com/unixpickle/qlt/simulator"
	"github.com/unixpickle/qlt/tree"
)

// RunInfo describes a specific network configuration.
type RunInfo struct {
	NumNodes     int
	CellsPerNode int
	Latency      float64
	Rate         float64
}

// Run creates a network and drops each host into its own
// Goroutine.
func (r *RunInfo) Run(loop *simulator.EventLoop, commFn func(c *collcomm.Comms)) {
	nodes := simulator.NewNodes(r.NumNodes)
	network := simulator.NewLinkNetwork(r.Latency, 0, r.Rate)
	collcomm.SpawnComms(loop, network, nodes, commFn)
	loop.MustRun()
}

// Mesh creates the mesh whose cells are reduced.
func (r *RunInfo) Mesh() *tree.Mesh1D {
	m, err := tree.NewMesh1D(r.NumNodes*r.CellsPerNode, r.NumNodes, tree.Pseudorandom)
	essentials.Must(err)
	return m
}

func main() {
	reducerNames := []string{"Naive", "Tree", "Ring", "BFB"}
	newReducers := func(m *tree.Mesh1D) []allreduce.Allreducer {
		t, err := tree.Analyze(tree.Bisect(m, false), m.NCells)
		essentials.Must(err)
		return []allreduce.Allreducer{
			allreduce.NaiveAllreducer{},
			allreduce.TreeAllreducer{},
			allreduce.RingAllreducer{},
			allreduce.NewBFBAllreducer(t),
		}
	}
	runs := []RunInfo{
		{
			NumNodes:     2,
			CellsPerNode: 1,
			Latency:      0.1,
			Rate:         1e6,
		},
		{
			NumNodes:     16,
			CellsPerNode: 4,
			Latency:      1e-3,
			Rate:         1e6,
		},
		{
			NumNodes:     32,
			CellsPerNode: 4,
			Latency:      0.1,
			Rate:         1e6,
		},
		{
			NumNodes:     32,
			CellsPerNode: 16,
			Latency:      0.1,
			Rate:         1e9,
		},
		{
			NumNodes:     32,
			CellsPerNode: 16,
			Latency:      1e-4,
			Rate:         1e9,
		},
	}
	vecSizes := []int{10, 1000, 10000}

	// Markdown table header.
	fmt.Print("| Nodes | Cells | Latency | Link rate | Size ")
	for _, reducerName := range reducerNames {
		fmt.Printf("| %s ", reducerName)
	}
	fmt.Println("|")
	for i := 0; i < 5+len(reducerNames); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, runInfo := range runs {
		mesh := runInfo.Mesh()
		reducers := newReducers(mesh)
		for _, size := range vecSizes {
			fmt.Printf(
				"| %d | %d | %s | %s | %d ",
				runInfo.NumNodes,
				mesh.NCells,
				strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
				strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
				size,
			)
			for _, reducer := range reducers {
				loop := simulator.NewEventLoop()
				runInfo.Run(loop, func(c *collcomm.Comms) {
					cells := mesh.Cells(c.Index())
					// Reducers never modify their inputs.
					row := make([]float64, size)
					rows := make([][]float64, len(cells))
					for i := range rows {
						rows[i] = row
					}
					reducer.Allreduce(c, cells, rows, FakeReduce)
				})
				fmt.Printf("| %f ", loop.Time())
			}
			fmt.Println("|")
		}
	}
}

// FakeReduce is a ReduceFn that takes no actual CPU time.
func FakeReduce(h *simulator.Handle, vecs ...[]float64) []float64 {
	h.Sleep(collcomm.FlopTime * float64(len(vecs)*len(vecs[0])))
	return make([]float64, len(vecs[0]))
}
