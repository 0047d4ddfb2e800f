// Package tree describes reduction trees over mesh cells
// and converts them into a compact, validated form.
package tree

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
)

var (
	// ErrRange is returned when a leaf's cell index is
	// outside [0, ncells).
	ErrRange = errors.New("cell index out of range")

	// ErrMalformed is returned for trees that are not
	// full binary trees over every cell.
	ErrMalformed = errors.New("malformed tree")
)

// A Node is a caller-built tree node.
//
// Leaves have no children and carry a CellIdx. Internal
// nodes have exactly two children; their Rank and CellIdx
// are ignored.
type Node struct {
	Rank     int
	CellIdx  int
	Parent   *Node
	Children []*Node
}

// NewLeaf creates a leaf for a cell owned by rank.
func NewLeaf(rank, cellIdx int) *Node {
	return &Node{Rank: rank, CellIdx: cellIdx}
}

// NewInternal creates a node with two children and points
// the children back at it.
func NewInternal(left, right *Node) *Node {
	n := &Node{Children: []*Node{left, right}}
	left.Parent = n
	right.Parent = n
	return n
}

// A Vertex is a node in an analyzed Tree.
type Vertex struct {
	// Rank owns the vertex. For internal vertices, this
	// is the rank of the first child.
	Rank int

	// ID is the cell index for leaves, and a unique id of
	// at least NCells for internal vertices.
	ID int

	// Level is 0 for leaves and one more than the highest
	// child level otherwise.
	Level int

	// Parent is -1 for the root.
	Parent int
	Kids   [2]int
	NKids  int
}

// A Tree is an immutable, index-based copy of a caller's
// tree. It may be shared by all ranks.
type Tree struct {
	NCells int

	// Vertices are stored in post-order, so the root
	// comes last.
	Vertices []Vertex

	// Depth is the number of levels.
	Depth int
}

// Root returns the index of the root vertex.
func (t *Tree) Root() int {
	return len(t.Vertices) - 1
}

// Leaves returns the number of leaves owned by rank.
func (t *Tree) Leaves(rank int) int {
	var n int
	for _, v := range t.Vertices {
		if v.NKids == 0 && v.Rank == rank {
			n++
		}
	}
	return n
}

// Analyze validates a caller's tree and converts it into
// a Tree.
//
// Every cell in [0, ncells) must appear in exactly one
// leaf, every internal node must have two children, and
// the children's Parent fields, if set, must point back at
// their parent.
func Analyze(root *Node, ncells int) (*Tree, error) {
	if root == nil {
		return nil, errors.Wrap(ErrMalformed, "nil root")
	}
	if root.Parent != nil {
		return nil, errors.Wrap(ErrMalformed, "root has a parent")
	}
	if ncells <= 0 {
		return nil, errors.Wrapf(ErrRange, "ncells is %d", ncells)
	}
	a := &analyzer{
		tree:    &Tree{NCells: ncells, Vertices: make([]Vertex, 0, 2*ncells-1)},
		seen:    make([]bool, ncells),
		visited: map[*Node]bool{},
		nextID:  ncells,
	}
	if _, err := a.visit(root); err != nil {
		return nil, err
	}
	if a.leaves != ncells {
		return nil, errors.Wrapf(ErrMalformed, "tree has %d leaves but ncells is %d",
			a.leaves, ncells)
	}
	a.tree.Vertices[a.tree.Root()].Parent = -1
	return a.tree, nil
}

type analyzer struct {
	tree    *Tree
	seen    []bool
	visited map[*Node]bool
	nextID  int
	leaves  int
}

func (a *analyzer) visit(n *Node) (int, error) {
	if a.visited[n] {
		return 0, errors.Wrap(ErrMalformed, "node reachable along two paths")
	}
	a.visited[n] = true

	switch len(n.Children) {
	case 0:
		if n.CellIdx < 0 || n.CellIdx >= a.tree.NCells {
			return 0, errors.Wrapf(ErrRange, "cell index %d not in [0, %d)",
				n.CellIdx, a.tree.NCells)
		}
		if a.seen[n.CellIdx] {
			return 0, errors.Wrapf(ErrMalformed, "cell %d appears in two leaves", n.CellIdx)
		}
		if n.Rank < 0 {
			return 0, errors.Wrapf(ErrMalformed, "cell %d has negative rank %d",
				n.CellIdx, n.Rank)
		}
		a.seen[n.CellIdx] = true
		a.leaves++
		a.tree.Vertices = append(a.tree.Vertices, Vertex{
			Rank:   n.Rank,
			ID:     n.CellIdx,
			Parent: -1,
			Kids:   [2]int{-1, -1},
		})
		a.tree.Depth = essentials.MaxInt(a.tree.Depth, 1)
		return len(a.tree.Vertices) - 1, nil
	case 2:
	default:
		return 0, errors.Wrapf(ErrMalformed, "node has %d children", len(n.Children))
	}

	var kids [2]int
	for i, child := range n.Children {
		if child == nil {
			return 0, errors.Wrap(ErrMalformed, "nil child")
		}
		if child.Parent != nil && child.Parent != n {
			return 0, errors.Wrap(ErrMalformed, "child's parent does not match")
		}
		idx, err := a.visit(child)
		if err != nil {
			return 0, err
		}
		kids[i] = idx
	}

	idx := len(a.tree.Vertices)
	k0, k1 := &a.tree.Vertices[kids[0]], &a.tree.Vertices[kids[1]]
	k0.Parent = idx
	k1.Parent = idx
	v := Vertex{
		Rank:   k0.Rank,
		ID:     a.nextID,
		Level:  essentials.MaxInt(k0.Level, k1.Level) + 1,
		Parent: -1,
		Kids:   kids,
		NKids:  2,
	}
	a.nextID++
	a.tree.Vertices = append(a.tree.Vertices, v)
	a.tree.Depth = essentials.MaxInt(a.tree.Depth, v.Level+1)
	return idx, nil
}
