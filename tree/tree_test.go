package tree

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeSmall(t *testing.T) {
	// ((0 1) 2) with cells on ranks 1, 0, 0.
	inner := NewInternal(NewLeaf(1, 0), NewLeaf(0, 1))
	root := NewInternal(inner, NewLeaf(0, 2))

	tr, err := Analyze(root, 3)
	require.NoError(t, err)

	require.Len(t, tr.Vertices, 5)
	assert.Equal(t, 3, tr.Depth)

	r := tr.Vertices[tr.Root()]
	assert.Equal(t, -1, r.Parent)
	assert.Equal(t, 2, r.Level)
	assert.Equal(t, 1, r.Rank, "internal rank follows the first child")
	assert.Equal(t, 4, r.ID)

	in := tr.Vertices[r.Kids[0]]
	assert.Equal(t, 3, in.ID)
	assert.Equal(t, 1, in.Level)
	assert.Equal(t, tr.Root(), in.Parent)

	leaf := tr.Vertices[r.Kids[1]]
	assert.Equal(t, 0, leaf.NKids)
	assert.Equal(t, 2, leaf.ID)
	assert.Equal(t, 0, leaf.Level)

	assert.Equal(t, 1, tr.Leaves(1))
	assert.Equal(t, 2, tr.Leaves(0))
}

func TestAnalyzeSingleCell(t *testing.T) {
	tr, err := Analyze(NewLeaf(0, 0), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Depth)
	assert.Equal(t, 0, tr.Root())
}

func TestAnalyzeErrors(t *testing.T) {
	cases := map[string]struct {
		root   func() *Node
		ncells int
		err    error
	}{
		"OutOfRange": {
			root:   func() *Node { return NewInternal(NewLeaf(0, 0), NewLeaf(0, 5)) },
			ncells: 2,
			err:    ErrRange,
		},
		"Negative": {
			root:   func() *Node { return NewInternal(NewLeaf(0, -1), NewLeaf(0, 0)) },
			ncells: 2,
			err:    ErrRange,
		},
		"OneChild": {
			root: func() *Node {
				n := &Node{Children: []*Node{NewLeaf(0, 0)}}
				n.Children[0].Parent = n
				return n
			},
			ncells: 1,
			err:    ErrMalformed,
		},
		"WrongParent": {
			root: func() *Node {
				other := &Node{}
				left := NewLeaf(0, 0)
				right := NewLeaf(0, 1)
				n := NewInternal(left, right)
				right.Parent = other
				return n
			},
			ncells: 2,
			err:    ErrMalformed,
		},
		"Duplicate": {
			root:   func() *Node { return NewInternal(NewLeaf(0, 1), NewLeaf(0, 1)) },
			ncells: 2,
			err:    ErrMalformed,
		},
		"Missing": {
			root:   func() *Node { return NewInternal(NewLeaf(0, 0), NewLeaf(0, 1)) },
			ncells: 3,
			err:    ErrMalformed,
		},
		"Shared": {
			root: func() *Node {
				leaf := NewLeaf(0, 0)
				return &Node{Children: []*Node{leaf, leaf}}
			},
			ncells: 1,
			err:    ErrMalformed,
		},
		"RootWithParent": {
			root: func() *Node {
				n := NewLeaf(0, 0)
				n.Parent = &Node{}
				return n
			},
			ncells: 1,
			err:    ErrMalformed,
		},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Analyze(c.root(), c.ncells)
			require.Error(t, err)
			assert.True(t, errors.Is(err, c.err), "unexpected error: %v", err)
		})
	}
}

func TestMeshRanks(t *testing.T) {
	for _, decomp := range []Decomp{Contiguous, Pseudorandom} {
		for _, nranks := range []int{1, 3, 4, 14} {
			t.Run(fmt.Sprintf("%s/%d", decomp, nranks), func(t *testing.T) {
				m, err := NewMesh1D(42, nranks, decomp)
				require.NoError(t, err)
				total := 0
				for r := 0; r < nranks; r++ {
					cells := m.Cells(r)
					assert.NotEmpty(t, cells, "rank %d has no cells", r)
					total += len(cells)
				}
				assert.Equal(t, 42, total)
			})
		}
	}

	_, err := NewMesh1D(3, 4, Contiguous)
	assert.True(t, errors.Is(err, ErrRange))
}

func TestMeshContiguous(t *testing.T) {
	m, err := NewMesh1D(10, 3, Contiguous)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, m.Cells(0))
	assert.Equal(t, []int{3, 4, 5}, m.Cells(1))
	assert.Equal(t, []int{6, 7, 8, 9}, m.Cells(2))
}

func TestBisect(t *testing.T) {
	for _, decomp := range []Decomp{Contiguous, Pseudorandom} {
		for _, imbalanced := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/%v", decomp, imbalanced), func(t *testing.T) {
				m, err := NewMesh1D(42, 4, decomp)
				require.NoError(t, err)
				root := Bisect(m, imbalanced)

				cells := LeafCells(root)
				require.Len(t, cells, 42)
				for i, c := range cells {
					assert.Equal(t, i, c)
				}

				tr, err := Analyze(root, 42)
				require.NoError(t, err)
				for _, v := range tr.Vertices {
					if v.NKids == 0 {
						assert.Equal(t, m.Rank(v.ID), v.Rank)
					}
				}
				if imbalanced {
					assert.Greater(t, tr.Depth, 7)
				} else {
					assert.Equal(t, 7, tr.Depth)
				}
			})
		}
	}
}

func TestParseDecomp(t *testing.T) {
	d, err := ParseDecomp("Pseudorandom")
	require.NoError(t, err)
	assert.Equal(t, Pseudorandom, d)
	d, err = ParseDecomp("contiguous")
	require.NoError(t, err)
	assert.Equal(t, Contiguous, d)
	_, err = ParseDecomp("striped")
	assert.Error(t, err)
}
