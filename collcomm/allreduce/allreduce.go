// Package allreduce implements algorithms for summing or
// maxing per-cell rows across many connected nodes.
package allreduce

import (
	"github.com/unixpickle/qlt/collcomm"
)

// Message tags of the different algorithms.
const (
	naiveTag = iota + 1
	treeTag
	ringTag
	bfbTag
)

// Allreducer is an algorithm that can apply a ReduceFn to
// rows that are distributed across nodes.
//
// Each node passes the global indices of the cells it
// owns along with one row per cell, and every node gets
// back the reduction of all rows in the network. Every
// node must own at least one cell, and every row must
// have the same length.
//
// Consecutive calls on the same Comms are isolated from
// each other by epochs, so every node must make the same
// sequence of calls.
type Allreducer interface {
	Allreduce(c *collcomm.Comms, cells []int, rows [][]float64, fn collcomm.ReduceFn) []float64
}

// localReduce reduces a node's own rows in order.
func localReduce(c *collcomm.Comms, rows [][]float64, fn collcomm.ReduceFn) []float64 {
	if len(rows) == 0 {
		panic("no rows to reduce")
	}
	if len(rows) == 1 {
		return append([]float64{}, rows[0]...)
	}
	return fn(c.Handle, rows...)
}
