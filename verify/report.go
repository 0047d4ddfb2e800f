package verify

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// TracerResult holds the global check results of one
// tracer.
type TracerResult struct {
	Tracer Tracer

	// DesiredMass is the total previous mass, which the
	// limiter must reproduce.
	DesiredMass float64
	ActualMass  float64

	// Violation counts are numbers of cells.
	LocalViolations  int
	ChangeViolations int
	SafetyViolations int
}

// MassError returns the relative difference between the
// desired and actual masses.
func (t *TracerResult) MassError() float64 {
	scale := math.Max(math.Abs(t.DesiredMass), math.Abs(t.ActualMass))
	if scale == 0 {
		return 0
	}
	return math.Abs(t.ActualMass-t.DesiredMass) / scale
}

// Failed reports whether any check failed.
func (t *TracerResult) Failed() bool {
	return t.LocalViolations > 0 || t.ChangeViolations > 0 || t.SafetyViolations > 0 ||
		t.MassError() > MassTolerance
}

// A Report holds the results of a battery.
type Report struct {
	NCells  int
	Results []TracerResult
}

// Failures returns the number of failed tracers.
func (r *Report) Failures() int {
	var res int
	for i := range r.Results {
		if r.Results[i].Failed() {
			res++
		}
	}
	return res
}

// Err returns nil if every tracer passed, or an error
// wrapping ErrFailed that names the failed tracers.
func (r *Report) Err() error {
	var names []string
	for i := range r.Results {
		if r.Results[i].Failed() {
			names = append(names, r.Results[i].Tracer.String())
		}
	}
	if len(names) == 0 {
		return nil
	}
	return errors.Wrapf(ErrFailed, "%d of %d tracers: %s", len(names), len(r.Results),
		strings.Join(names, ", "))
}

// Write prints one line per tracer.
func (r *Report) Write(w io.Writer) error {
	for i := range r.Results {
		res := &r.Results[i]
		status := "PASS"
		if res.Failed() {
			status = "FAIL"
		}
		_, err := fmt.Fprintf(w, "%s %-18s mass re %9.2e local %d change %d safety %d\n",
			status, res.Tracer, res.MassError(), res.LocalViolations, res.ChangeViolations,
			res.SafetyViolations)
		if err != nil {
			return err
		}
	}
	return nil
}
