package qlt

import (
	"math"

	"github.com/unixpickle/qlt/layout"
)

// A NodeProblem asks how to split a node's target mass Q
// between its two kids.
type NodeProblem struct {
	Type layout.ProblemType

	// Q is the node's target mass.
	Q float64

	// Rhom holds the kids' total densities.
	Rhom [2]float64

	// X holds the kids' current masses.
	X [2]float64

	// Lo and Hi hold the kids' mass bounds.
	Lo [2]float64
	Hi [2]float64
}

// A NodeSolution is the answer to a NodeProblem.
type NodeSolution struct {
	// Y holds the kids' new masses.
	Y [2]float64

	// Safety is set when Q could not be reached within the
	// kids' bounds. The kids were then given the uniform
	// mixing ratio Q/(Rhom[0]+Rhom[1]), and QMin and QMax
	// are the relaxed mixing-ratio bounds that their own
	// kids must respect.
	Safety bool
	QMin   float64
	QMax   float64
}

// SolveNodeProblem splits Q between two kids.
//
// If Q already equals the sum of the current masses and
// both kids are within bounds, the masses are kept as-is.
// Otherwise, the change in mass is spread in proportion to
// density and clipped to the bounds. The kids' masses
// always sum to Q up to rounding, and each kid stays within
// its bounds whenever Q is within the sum of the bounds.
//
// The safety regime needs a positive total density. When
// both densities are zero and Q cannot be reached, the
// first kid is put on its nearest bound and the second kid
// takes the rest of Q.
func SolveNodeProblem(p *NodeProblem) NodeSolution {
	exact := p.Type.IsShapePreserve()
	if p.Q == p.X[0]+p.X[1] && inBounds(p.X[0], p.Lo[0], p.Hi[0], exact) &&
		inBounds(p.X[1], p.Lo[1], p.Hi[1], exact) {
		return NodeSolution{Y: p.X}
	}

	lo, hi := p.Lo, p.Hi
	var sol NodeSolution
	loSum, hiSum := lo[0]+lo[1], hi[0]+hi[1]
	tol := 64 * epsilon * math.Max(math.Abs(p.Q), math.Max(math.Abs(loSum), math.Abs(hiSum)))
	rhom := p.Rhom[0] + p.Rhom[1]
	if (p.Q > hiSum+tol || p.Q < loSum-tol) && rhom > 0 {
		sol.Safety = true
		sol.QMin = math.Min(p.Q, loSum) / rhom
		sol.QMax = math.Max(p.Q, hiSum) / rhom
		for i := range lo {
			lo[i] = sol.QMin * p.Rhom[i]
			hi[i] = sol.QMax * p.Rhom[i]
		}
	}

	frac := 0.5
	if rhom > 0 {
		frac = p.Rhom[0] / rhom
	}
	t := p.X[0] + (p.Q-p.X[0]-p.X[1])*frac

	tMin := math.Max(lo[0], p.Q-hi[1])
	tMax := math.Min(hi[0], p.Q-lo[1])
	if tMin > tMax {
		// Q is outside the summed bounds by less than the
		// tolerance, or rhom is zero. Mass wins over the
		// second kid's bound.
		sol.Y[0] = hi[0]
		if p.Q < loSum {
			sol.Y[0] = lo[0]
		}
		sol.Y[1] = p.Q - sol.Y[0]
		return sol
	}
	t = math.Max(tMin, math.Min(tMax, t))
	sol.Y[0] = clamp(t, lo[0], hi[0])
	sol.Y[1] = clamp(p.Q-t, lo[1], hi[1])
	return sol
}

const epsilon = 0x1p-52

func inBounds(x, lo, hi float64, exact bool) bool {
	if exact {
		return x >= lo && x <= hi
	}
	slack := 64 * epsilon * math.Max(math.Abs(lo), math.Abs(hi))
	return x >= lo-slack && x <= hi+slack
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
