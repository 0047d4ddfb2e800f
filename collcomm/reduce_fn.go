package collcomm

import (
	"math"

	"github.com/unixpickle/qlt/simulator"
)

// FlopTime is the amount of virtual time it takes to
// perform a single floating-point operation.
const FlopTime = 1e-9

// A ReduceFn is an operation that reduces many vectors
// into a single vector.
//
// The vectors are combined in the order given, and the
// result never aliases an argument.
type ReduceFn func(h *simulator.Handle, vecs ...[]float64) []float64

// Sum is a ReduceFn that computes a vector sum.
func Sum(h *simulator.Handle, vecs ...[]float64) []float64 {
	return elementwise(h, vecs, func(x, y float64) float64 { return x + y })
}

// Min is a ReduceFn that computes an element-wise
// minimum.
func Min(h *simulator.Handle, vecs ...[]float64) []float64 {
	return elementwise(h, vecs, math.Min)
}

// Max is a ReduceFn that computes an element-wise
// maximum.
func Max(h *simulator.Handle, vecs ...[]float64) []float64 {
	return elementwise(h, vecs, math.Max)
}

func elementwise(h *simulator.Handle, vecs [][]float64, f func(x, y float64) float64) []float64 {
	if len(vecs) == 0 {
		panic("nothing to reduce")
	}
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := append([]float64{}, vecs[0]...)
	for _, v := range vecs[1:] {
		for i, x := range v {
			res[i] = f(res[i], x)
		}
	}

	// Simulate computation time.
	h.Sleep(FlopTime * float64(len(vecs)*len(vecs[0])))

	return res
}
