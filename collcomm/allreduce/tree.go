package allreduce

import (
	"github.com/unixpickle/qlt/collcomm"
)

// A TreeAllreducer arranges the nodes in a binary heap
// and performs a reduction by going up the tree to the
// first node, and then back down the tree to the leaves.
//
// Unlike BFBAllreducer, its result depends on how cells
// are spread across nodes.
type TreeAllreducer struct{}

// Allreduce calls fn on vectors along a tree and returns
// the resulting reduced vector.
func (t TreeAllreducer) Allreduce(c *collcomm.Comms, cells []int, rows [][]float64,
	fn collcomm.ReduceFn) []float64 {
	data := localReduce(c, rows, fn)
	c.NewEpoch()
	parent, children := positionInTree(c)

	messages := [][]float64{data}
	recvs := make([]*collcomm.Request, len(children))
	for i, child := range children {
		buf := make([]float64, len(data))
		messages = append(messages, buf)
		recvs[i] = c.Irecv(child, treeTag, 0, buf)
	}
	c.Wait(recvs...)

	finalVector := data
	if len(messages) > 1 {
		finalVector = fn(c.Handle, messages...)
	}
	if parent != -1 {
		send := c.Isend(parent, treeTag, 0, finalVector)
		result := make([]float64, len(data))
		c.Wait(send, c.Irecv(parent, treeTag, 1, result))
		finalVector = result
	}

	var sends []*collcomm.Request
	for _, child := range children {
		sends = append(sends, c.Isend(child, treeTag, 1, finalVector))
	}
	c.Wait(sends...)

	return finalVector
}

// positionInTree returns the indices of the children and
// the parent of a node in the reduction tree.
//
// There may be no children.
// The parent is -1 for the root node.
func positionInTree(c *collcomm.Comms) (parent int, children []int) {
	idx := c.Index()
	parent = -1
	for depth := uint(0); true; depth++ {
		rowSize := 1 << depth
		rowStart := rowSize - 1
		if idx >= rowStart+rowSize {
			continue
		}
		rowIdx := idx - rowStart
		if depth > 0 {
			parent = rowIdx/2 + (rowSize/2 - 1)
		}
		firstChild := rowIdx*2 + (rowSize*2 - 1)
		for i := 0; i < 2; i++ {
			if firstChild+i < c.Size() {
				children = append(children, firstChild+i)
			}
		}
		return
	}
	panic("unreachable")
}
