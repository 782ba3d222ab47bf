package projection

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

const curveFitPoints = 300

// fitCurve finds a and b such that 1/(1+a*d^(2b)) approximates the
// membership curve implied by minDist and spread: 1 below minDist, then
// exp(-(d-minDist)/spread). The fit is least squares over [0, 3*spread].
func fitCurve(spread, minDist float64) (a, b float64, err error) {
	xs := make([]float64, curveFitPoints)
	floats.Span(xs, 0, 3*spread)
	ys := make([]float64, curveFitPoints)
	for i, x := range xs {
		if x < minDist {
			ys[i] = 1
		} else {
			ys[i] = math.Exp(-(x - minDist) / spread)
		}
	}

	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			a, b := p[0], p[1]
			if a <= 0 || b <= 0 {
				return 1e10
			}
			var sse float64
			for i, x := range xs {
				r := 1/(1+a*math.Pow(x, 2*b)) - ys[i]
				sse += r * r
			}
			return sse
		},
	}
	settings := &optimize.Settings{
		MajorIterations: 5000,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-12, Iterations: 200},
	}

	result, err := optimize.Minimize(problem, []float64{1.8, 0.8}, settings, &optimize.NelderMead{})
	if result == nil {
		return 0, 0, fmt.Errorf("fitting curve: %w", err)
	}
	a, b = result.X[0], result.X[1]
	if a <= 0 || b <= 0 || math.IsNaN(a) || math.IsNaN(b) {
		return 0, 0, fmt.Errorf("fitting curve: no valid solution (a=%g, b=%g)", a, b)
	}
	return a, b, nil
}
