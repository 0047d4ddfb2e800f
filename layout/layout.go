// Package layout decides where each tracer's data lives
// in the bulk buffers that the tree algorithm exchanges.
package layout

import (
	"github.com/pkg/errors"
)

var (
	// ErrState is returned when declarations happen in
	// the wrong order.
	ErrState = errors.New("invalid registry state")

	// ErrInvalidArgument is returned for problem types
	// that are not supported.
	ErrInvalidArgument = errors.New("invalid argument")
)

// A ProblemType is a combination of flags describing the
// properties a tracer's limiter must guarantee.
type ProblemType int

const (
	// Conserve requires the result to conserve the
	// previous total mass rather than the current one.
	Conserve ProblemType = 1 << iota

	// ShapePreserve requires each cell to stay within its
	// own bounds whenever that is possible.
	ShapePreserve

	// Consistent requires each cell to stay within the
	// global extremes of the tracer.
	Consistent
)

// Canonical maps a problem type onto one of the four
// archetypes. Shape preservation implies consistency, so
// the Consistent bit is added when it is missing.
func Canonical(pt ProblemType) (ProblemType, error) {
	switch pt {
	case ShapePreserve, ShapePreserve | Consistent:
		return ShapePreserve | Consistent, nil
	case Conserve | ShapePreserve, Conserve | ShapePreserve | Consistent:
		return Conserve | ShapePreserve | Consistent, nil
	case Consistent:
		return Consistent, nil
	case Conserve | Consistent:
		return Conserve | Consistent, nil
	}
	return 0, errors.Wrapf(ErrInvalidArgument, "unsupported problem type %d", int(pt))
}

// Archetype returns the archetype index of a problem
// type, in the range [0, NumArchetypes).
func Archetype(pt ProblemType) (int, error) {
	c, err := Canonical(pt)
	if err != nil {
		return 0, err
	}
	for i, a := range Archetypes {
		if a == c {
			return i, nil
		}
	}
	panic("unreachable")
}

// Archetypes lists the canonical problem types in the
// order their tracers are laid out.
var Archetypes = [...]ProblemType{
	ShapePreserve | Consistent,
	Conserve | ShapePreserve | Consistent,
	Consistent,
	Conserve | Consistent,
}

// NumArchetypes is the number of canonical problem types.
const NumArchetypes = len(Archetypes)

// IsConserve checks for the Conserve flag.
func (p ProblemType) IsConserve() bool {
	return p&Conserve != 0
}

// IsShapePreserve checks for the ShapePreserve flag.
func (p ProblemType) IsShapePreserve() bool {
	return p&ShapePreserve != 0
}

// L2RSize is the number of values one tracer contributes
// to each node's leaves-to-root record.
func (p ProblemType) L2RSize() int {
	if p.IsConserve() {
		return 4
	}
	return 3
}

// R2LSize is the number of values one tracer contributes
// to each node's root-to-leaves record.
func (p ProblemType) R2LSize() int {
	if p.IsShapePreserve() {
		return 1
	}
	return 3
}

// String returns a short name like "cst", listing the
// flags that are set.
func (p ProblemType) String() string {
	var res string
	if p.IsConserve() {
		res += "c"
	}
	if p.IsShapePreserve() {
		res += "s"
	}
	if p&Consistent != 0 {
		res += "t"
	}
	if res == "" {
		return "none"
	}
	return res
}

// A Registry collects tracer declarations before the
// layout is fixed.
//
// The zero value is an empty registry.
type Registry struct {
	types  []ProblemType
	sealed bool
}

// Declare adds a tracer with the given problem type. Its
// index is the number of tracers declared before it.
func (r *Registry) Declare(pt ProblemType) error {
	if r.sealed {
		return errors.Wrap(ErrState, "tracer declared after sealing")
	}
	c, err := Canonical(pt)
	if err != nil {
		return err
	}
	r.types = append(r.types, c)
	return nil
}

// Len returns the number of declared tracers.
func (r *Registry) Len() int {
	return len(r.types)
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	return r.sealed
}

// Seal ends the declarations and computes the layout.
func (r *Registry) Seal() (*Layout, error) {
	if r.sealed {
		return nil, errors.Wrap(ErrState, "registry already sealed")
	}
	r.sealed = true

	n := len(r.types)
	l := &Layout{
		types:   r.types,
		l2rOff:  make([]int, n),
		r2lOff:  make([]int, n),
		bulk:    make([]int, n),
		tracers: make([]int, 0, n),
	}

	var counts [NumArchetypes]int
	archs := make([]int, n)
	for i, pt := range r.types {
		archs[i], _ = Archetype(pt)
		counts[archs[i]]++
	}

	// Field 0 of every leaves-to-root record holds the
	// total density.
	var l2rStart, r2lStart [NumArchetypes]int
	l2r, r2l := 1, 0
	for a, pt := range Archetypes {
		l.groups[a] = len(l.tracers)
		l2rStart[a] = l2r
		r2lStart[a] = r2l
		l2r += counts[a] * pt.L2RSize()
		r2l += counts[a] * pt.R2LSize()
		for ti, ta := range archs {
			if ta == a {
				l.bulk[ti] = len(l.tracers)
				l.tracers = append(l.tracers, ti)
			}
		}
	}
	l.groups[NumArchetypes] = n
	l.L2RStride = l2r
	l.R2LStride = r2l

	var seen [NumArchetypes]int
	for ti, a := range archs {
		pt := Archetypes[a]
		l.l2rOff[ti] = l2rStart[a] + seen[a]*pt.L2RSize()
		l.r2lOff[ti] = r2lStart[a] + seen[a]*pt.R2LSize()
		seen[a]++
	}
	return l, nil
}

// A Layout is the immutable result of sealing a Registry.
type Layout struct {
	types   []ProblemType
	l2rOff  []int
	r2lOff  []int
	bulk    []int
	tracers []int
	groups  [NumArchetypes + 1]int

	// L2RStride is the number of values per node in the
	// leaves-to-root buffer.
	L2RStride int

	// R2LStride is the number of values per node in the
	// root-to-leaves buffer.
	R2LStride int
}

// NumTracers returns the number of declared tracers.
func (l *Layout) NumTracers() int {
	return len(l.types)
}

// ProblemType returns the canonical problem type of a
// tracer.
func (l *Layout) ProblemType(ti int) ProblemType {
	l.check(ti)
	return l.types[ti]
}

// L2ROffset returns the first field of a tracer within a
// node's leaves-to-root record.
func (l *Layout) L2ROffset(ti int) int {
	l.check(ti)
	return l.l2rOff[ti]
}

// R2LOffset returns the first field of a tracer within a
// node's root-to-leaves record.
func (l *Layout) R2LOffset(ti int) int {
	l.check(ti)
	return l.r2lOff[ti]
}

// BulkIndex returns the position of a tracer when tracers
// are grouped by archetype.
func (l *Layout) BulkIndex(ti int) int {
	l.check(ti)
	return l.bulk[ti]
}

// Tracer is the inverse of BulkIndex.
func (l *Layout) Tracer(bi int) int {
	if bi < 0 || bi >= len(l.tracers) {
		panic("index out of bounds")
	}
	return l.tracers[bi]
}

// Group returns the range of bulk indices holding tracers
// of one archetype.
func (l *Layout) Group(archetype int) (start, end int) {
	return l.groups[archetype], l.groups[archetype+1]
}

func (l *Layout) check(ti int) {
	if ti < 0 || ti >= len(l.types) {
		panic("index out of bounds")
	}
}
