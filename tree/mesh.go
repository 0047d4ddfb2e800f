package tree

import (
	"strings"

	"github.com/pkg/errors"
)

// A Decomp assigns the cells of a mesh to ranks.
type Decomp int

const (
	// Contiguous gives each rank one contiguous range of
	// cells.
	Contiguous Decomp = iota

	// Pseudorandom scatters cells over ranks so that
	// tree neighbors usually live on different ranks.
	Pseudorandom
)

// ParseDecomp parses "contiguous" or "pseudorandom".
func ParseDecomp(s string) (Decomp, error) {
	switch strings.ToLower(s) {
	case "contiguous", "":
		return Contiguous, nil
	case "pseudorandom":
		return Pseudorandom, nil
	}
	return 0, errors.Errorf("unknown decomposition: %q", s)
}

// String returns the name accepted by ParseDecomp.
func (d Decomp) String() string {
	switch d {
	case Contiguous:
		return "contiguous"
	case Pseudorandom:
		return "pseudorandom"
	}
	return "unknown"
}

// A Mesh1D is a periodic one-dimensional mesh of cells
// distributed over ranks.
type Mesh1D struct {
	NCells int
	NRanks int
	Decomp Decomp
}

// NewMesh1D creates a mesh. Every rank must receive at
// least one cell.
func NewMesh1D(ncells, nranks int, decomp Decomp) (*Mesh1D, error) {
	if nranks <= 0 || ncells < nranks {
		return nil, errors.Wrapf(ErrRange, "cannot spread %d cells over %d ranks",
			ncells, nranks)
	}
	return &Mesh1D{NCells: ncells, NRanks: nranks, Decomp: decomp}, nil
}

// Rank returns the owner of a cell.
func (m *Mesh1D) Rank(cell int) int {
	if cell < 0 || cell >= m.NCells {
		panic("cell index out of bounds")
	}
	if m.Decomp == Pseudorandom {
		return (cell + cell/m.NRanks) % m.NRanks
	}
	rank := cell / (m.NCells / m.NRanks)
	if rank >= m.NRanks {
		rank = m.NRanks - 1
	}
	return rank
}

// Cells returns the cells owned by rank in increasing
// order.
func (m *Mesh1D) Cells(rank int) []int {
	var res []int
	for i := 0; i < m.NCells; i++ {
		if m.Rank(i) == rank {
			res = append(res, i)
		}
	}
	return res
}

// Bisect builds a reduction tree over the mesh by
// recursively splitting cell ranges in half.
//
// If imbalanced is set, ranges of more than two cells are
// split at one third instead, producing a lopsided tree.
// The tree shape depends only on the cell count, never on
// the decomposition.
func Bisect(m *Mesh1D, imbalanced bool) *Node {
	return bisect(m, 0, m.NCells, imbalanced)
}

func bisect(m *Mesh1D, start, end int, imbalanced bool) *Node {
	n := end - start
	if n == 1 {
		return NewLeaf(m.Rank(start), start)
	}
	split := n / 2
	if imbalanced && n > 2 {
		split = n / 3
	}
	return NewInternal(
		bisect(m, start, start+split, imbalanced),
		bisect(m, start+split, end, imbalanced),
	)
}

// LeafCells lists the cell indices of a tree's leaves from
// left to right.
func LeafCells(root *Node) []int {
	if len(root.Children) == 0 {
		return []int{root.CellIdx}
	}
	var res []int
	for _, child := range root.Children {
		res = append(res, LeafCells(child)...)
	}
	return res
}
