package verify

import (
	"fmt"

	"github.com/unixpickle/qlt/layout"
)

// A Perturbation describes how a tracer's masses are
// disturbed before a limiter pass.
type Perturbation int

const (
	// NoPerturbation leaves every cell within its bounds,
	// so a limiter must not change anything.
	NoPerturbation Perturbation = iota

	// Permute shuffles the masses of each node's cells.
	Permute

	// TowardLocal adds a constant to every cell, moving
	// the total halfway toward the sum of the upper
	// bounds.
	TowardLocal

	// TowardLocalEdge moves the total almost all the way
	// to the sum of the upper bounds.
	TowardLocalEdge

	// TowardSafety moves the total past the sum of the
	// upper bounds, halfway toward the largest mass the
	// global extremes allow.
	TowardSafety

	// TowardSafetyEdge moves the total almost all the way
	// to the largest mass the global extremes allow.
	TowardSafetyEdge

	NumPerturbations
)

var perturbationNames = [NumPerturbations]string{
	"none", "permute", "local", "local-edge", "safety", "safety-edge",
}

func (p Perturbation) String() string {
	if p < 0 || p >= NumPerturbations {
		return fmt.Sprintf("perturbation%d", int(p))
	}
	return perturbationNames[p]
}

// A Tracer is one tracer of the battery.
type Tracer struct {
	Type         layout.ProblemType
	Perturbation Perturbation
}

// NoChangeShouldHold reports whether the limiter must
// leave the tracer untouched.
func (t Tracer) NoChangeShouldHold() bool {
	return t.Perturbation == NoPerturbation
}

// LocalShouldHold reports whether every cell must end up
// within its own bounds.
//
// Otherwise, cells need only stay within the global
// extremes of the tracer's mixing ratio.
func (t Tracer) LocalShouldHold() bool {
	return t.Perturbation < TowardSafety && t.Type.IsShapePreserve()
}

func (t Tracer) String() string {
	return fmt.Sprintf("%s/%s", t.Type, t.Perturbation)
}

// QLTTypes are the problem types a tree limiter supports.
var QLTTypes = []layout.ProblemType{
	layout.Conserve | layout.ShapePreserve | layout.Consistent,
	layout.ShapePreserve,
	layout.Conserve | layout.Consistent,
	layout.Consistent,
}

// CAASTypes are the problem types a clip-and-assured-sum
// limiter supports.
var CAASTypes = []layout.ProblemType{
	layout.Conserve | layout.ShapePreserve | layout.Consistent,
	layout.ShapePreserve,
}

// DefaultTracers creates one tracer for every pair of
// problem type and perturbation.
func DefaultTracers(types []layout.ProblemType) []Tracer {
	var res []Tracer
	for p := Perturbation(0); p < NumPerturbations; p++ {
		for _, pt := range types {
			res = append(res, Tracer{Type: pt, Perturbation: p})
		}
	}
	return res
}

// Filter returns the tracers for which keep is true.
func Filter(tracers []Tracer, keep func(t Tracer) bool) []Tracer {
	var res []Tracer
	for _, t := range tracers {
		if keep(t) {
			res = append(res, t)
		}
	}
	return res
}
