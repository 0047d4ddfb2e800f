package layout

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	cases := map[ProblemType]ProblemType{
		ShapePreserve:                         ShapePreserve | Consistent,
		ShapePreserve | Consistent:            ShapePreserve | Consistent,
		Conserve | ShapePreserve:              Conserve | ShapePreserve | Consistent,
		Conserve | ShapePreserve | Consistent: Conserve | ShapePreserve | Consistent,
		Consistent:                            Consistent,
		Conserve | Consistent:                 Conserve | Consistent,
	}
	for in, expected := range cases {
		actual, err := Canonical(in)
		require.NoError(t, err)
		assert.Equal(t, expected, actual, "canonical form of %s", in)
	}
	for _, bad := range []ProblemType{0, Conserve, 8, 15, -1} {
		_, err := Canonical(bad)
		assert.True(t, errors.Is(err, ErrInvalidArgument), "type %d", int(bad))
	}
}

func TestRecordSizes(t *testing.T) {
	expected := [][2]int{{3, 1}, {4, 1}, {3, 3}, {4, 3}}
	for i, pt := range Archetypes {
		assert.Equal(t, expected[i][0], pt.L2RSize(), "L2R size of %s", pt)
		assert.Equal(t, expected[i][1], pt.R2LSize(), "R2L size of %s", pt)
		a, err := Archetype(pt)
		require.NoError(t, err)
		assert.Equal(t, i, a)
	}
	assert.Equal(t, "cst", Archetypes[1].String())
	assert.Equal(t, "none", ProblemType(0).String())
}

func TestLayout(t *testing.T) {
	var r Registry
	for _, pt := range []ProblemType{
		Conserve | Consistent,
		ShapePreserve,
		Consistent,
		Conserve | ShapePreserve | Consistent,
		ShapePreserve,
	} {
		require.NoError(t, r.Declare(pt))
	}
	l, err := r.Seal()
	require.NoError(t, err)
	assert.True(t, r.Sealed())

	assert.Equal(t, 5, l.NumTracers())
	assert.Equal(t, 18, l.L2RStride)
	assert.Equal(t, 9, l.R2LStride)

	l2r := []int{14, 1, 11, 7, 4}
	r2l := []int{6, 0, 3, 2, 1}
	bulk := []int{4, 0, 3, 2, 1}
	for ti := 0; ti < l.NumTracers(); ti++ {
		assert.Equal(t, l2r[ti], l.L2ROffset(ti), "tracer %d", ti)
		assert.Equal(t, r2l[ti], l.R2LOffset(ti), "tracer %d", ti)
		assert.Equal(t, bulk[ti], l.BulkIndex(ti), "tracer %d", ti)
		assert.Equal(t, ti, l.Tracer(l.BulkIndex(ti)))
	}
	assert.Equal(t, ShapePreserve|Consistent, l.ProblemType(4))

	groups := [][2]int{{0, 2}, {2, 3}, {3, 4}, {4, 5}}
	for a, g := range groups {
		start, end := l.Group(a)
		assert.Equal(t, g, [2]int{start, end}, "archetype %d", a)
		for bi := start; bi < end; bi++ {
			pt := l.ProblemType(l.Tracer(bi))
			assert.Equal(t, Archetypes[a], pt)
		}
	}

	assert.Panics(t, func() { l.L2ROffset(5) })
	assert.Panics(t, func() { l.Tracer(-1) })
}

func TestLayoutEmpty(t *testing.T) {
	var r Registry
	l, err := r.Seal()
	require.NoError(t, err)
	assert.Equal(t, 0, l.NumTracers())
	assert.Equal(t, 1, l.L2RStride)
	assert.Equal(t, 0, l.R2LStride)
}

func TestRegistryErrors(t *testing.T) {
	var r Registry
	err := r.Declare(Conserve)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	require.NoError(t, r.Declare(Consistent))
	_, err = r.Seal()
	require.NoError(t, err)

	err = r.Declare(Consistent)
	assert.True(t, errors.Is(err, ErrState))
	_, err = r.Seal()
	assert.True(t, errors.Is(err, ErrState))
}
