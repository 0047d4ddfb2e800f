package allreduce

import (
	"fmt"
	"sync"

	"github.com/unixpickle/qlt/collcomm"
	"github.com/unixpickle/qlt/schedule"
	"github.com/unixpickle/qlt/tree"
)

// A BFBAllreducer reduces rows along a fixed tree over
// the cells, using the same communication schedule as the
// limiter.
//
// Rows are combined pairwise in the order given by the
// tree, so the result is bit-for-bit identical no matter
// how the cells are spread across nodes.
//
// One BFBAllreducer may be shared by every node.
type BFBAllreducer struct {
	Tree *tree.Tree

	lock   sync.Mutex
	scheds map[int]*schedule.Schedule
}

// NewBFBAllreducer creates an all-reducer for a tree.
func NewBFBAllreducer(t *tree.Tree) *BFBAllreducer {
	return &BFBAllreducer{Tree: t, scheds: map[int]*schedule.Schedule{}}
}

// Schedule returns the schedule of a node, building it on
// first use.
func (b *BFBAllreducer) Schedule(rank int) *schedule.Schedule {
	b.lock.Lock()
	defer b.lock.Unlock()
	if s, ok := b.scheds[rank]; ok {
		return s
	}
	s, err := schedule.Build(rank, b.Tree)
	if err != nil {
		panic(err)
	}
	b.scheds[rank] = s
	return s
}

// Allreduce reduces the rows of every cell in the tree.
//
// The cells must be exactly the leaves of the tree owned
// by the current node.
func (b *BFBAllreducer) Allreduce(c *collcomm.Comms, cells []int, rows [][]float64,
	fn collcomm.ReduceFn) []float64 {
	s := b.Schedule(c.Index())
	owned := s.OwnedCells()
	if len(owned) == 0 {
		panic(fmt.Sprintf("node %d owns no leaves", c.Index()))
	}
	if len(cells) != len(owned) || len(rows) != len(owned) {
		panic(fmt.Sprintf("node %d owns %d leaves but got %d cells and %d rows",
			c.Index(), len(owned), len(cells), len(rows)))
	}
	offsets := make(map[int]int, len(owned))
	for off, cell := range owned {
		offsets[cell] = off
	}

	n := len(rows[0])
	buf := make([]float64, s.NSlots*n)
	for i, cell := range cells {
		off, ok := offsets[cell]
		if !ok {
			panic(fmt.Sprintf("cell %d is not a leaf of node %d", cell, c.Index()))
		}
		if len(rows[i]) != n {
			panic("mismatching lengths")
		}
		copy(buf[off*n:(off+1)*n], rows[i])
	}
	slot := func(idx int) []float64 {
		off := s.Nodes[idx].Offset
		return buf[off*n : (off+1)*n]
	}

	c.NewEpoch()
	var pending []*collcomm.Request
	for i := range s.Levels {
		lvl := &s.Levels[i]
		c.Wait(b.post(c, s, lvl.Down, buf, n, 0, false)...)
		for _, idx := range lvl.Nodes {
			node := &s.Nodes[idx]
			if node.NKids == 0 {
				continue
			}
			copy(slot(idx), fn(c.Handle, slot(node.Kids[0]), slot(node.Kids[1])))
		}
		pending = append(pending, b.post(c, s, lvl.Up, buf, n, 0, true)...)
	}
	for i := len(s.Levels) - 1; i >= 0; i-- {
		lvl := &s.Levels[i]
		c.Wait(b.post(c, s, lvl.Up, buf, n, 1, false)...)
		for _, idx := range lvl.Nodes {
			node := &s.Nodes[idx]
			for k := 0; k < node.NKids; k++ {
				copy(slot(node.Kids[k]), slot(idx))
			}
		}
		pending = append(pending, b.post(c, s, lvl.Down, buf, n, 1, true)...)
	}
	c.Wait(pending...)

	return append([]float64{}, buf[:n]...)
}

func (b *BFBAllreducer) post(c *collcomm.Comms, s *schedule.Schedule, msgs []schedule.Message,
	buf []float64, n, dir int, send bool) []*collcomm.Request {
	reqs := make([]*collcomm.Request, len(msgs))
	for i, m := range msgs {
		data := buf[m.Offset*n : (m.Offset+m.Count)*n]
		stage := 2*m.Key(s.Depth) + dir
		if send {
			reqs[i] = c.Isend(m.Rank, bfbTag, stage, data)
		} else {
			reqs[i] = c.Irecv(m.Rank, bfbTag, stage, data)
		}
	}
	return reqs
}
