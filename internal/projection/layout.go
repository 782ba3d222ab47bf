package projection

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	gradientClip  = 4.0
	initExtent    = 10.0
	initJitter    = 1e-4
	minEigenvalue = 1e-10
)

// pcaInit places each row of data on its first two principal components,
// rescaled per axis to [0, initExtent] with a small seeded jitter.
func pcaInit(data []float32, n, dims int, rng *rand.Rand) ([]float64, error) {
	x := mat.NewDense(n, dims, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < dims; j++ {
			x.Set(i, j, float64(data[i*dims+j]))
		}
	}

	cov := mat.NewSymDense(dims, nil)
	stat.CovarianceMatrix(cov, x, nil)

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return nil, fmt.Errorf("eigendecomposition of covariance failed")
	}
	values := eig.Values(nil)
	if values[dims-1] <= minEigenvalue {
		return nil, fmt.Errorf("%w: sample has no variance", ErrDegenerateSample)
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	means := make([]float64, dims)
	for j := range means {
		means[j] = stat.Mean(mat.Col(nil, j, x), nil)
	}

	emb := make([]float64, 2*n)
	for axis := 0; axis < 2 && axis < dims; axis++ {
		// Eigenvalues ascend, so the leading components are the last columns.
		comp := mat.Col(nil, dims-1-axis, &vecs)
		orientComponent(comp)
		for i := 0; i < n; i++ {
			var s float64
			for j := 0; j < dims; j++ {
				s += (x.At(i, j) - means[j]) * comp[j]
			}
			emb[2*i+axis] = s
		}
	}

	for axis := 0; axis < 2; axis++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := 0; i < n; i++ {
			lo = math.Min(lo, emb[2*i+axis])
			hi = math.Max(hi, emb[2*i+axis])
		}
		for i := 0; i < n; i++ {
			v := initExtent / 2
			if hi > lo {
				v = initExtent * (emb[2*i+axis] - lo) / (hi - lo)
			}
			emb[2*i+axis] = v + rng.NormFloat64()*initJitter
		}
	}
	return emb, nil
}

// orientComponent flips comp so its largest-magnitude entry is positive.
// Eigenvector signs are arbitrary; fixing them keeps layouts stable.
func orientComponent(comp []float64) {
	best := 0
	for i, v := range comp {
		if math.Abs(v) > math.Abs(comp[best]) {
			best = i
		}
	}
	if comp[best] < 0 {
		for i := range comp {
			comp[i] = -comp[i]
		}
	}
}

func clip(v float64) float64 {
	if v > gradientClip {
		return gradientClip
	}
	if v < -gradientClip {
		return -gradientClip
	}
	return v
}

// attraction is the gradient coefficient pulling neighbors together at
// squared distance d2. Callers ensure d2 > 0.
func attraction(d2, a, b float64) float64 {
	return -2 * a * b * math.Pow(d2, b-1) / (a*math.Pow(d2, b) + 1)
}

// repulsion is the gradient coefficient pushing a negative sample away.
func repulsion(d2, a, b float64) float64 {
	return 2 * b / ((0.001 + d2) * (a*math.Pow(d2, b) + 1))
}

// sgd holds the curve and schedule shared by fitting and transformation.
type sgd struct {
	a, b         float64
	epochs       int
	negativeRate int
	learningRate float64
}

// epochsPerSample schedules each edge proportionally to its weight: the
// strongest edge is sampled every epoch.
func epochsPerSample(weights []float64) []float64 {
	var maxW float64
	for _, w := range weights {
		maxW = math.Max(maxW, w)
	}
	eps := make([]float64, len(weights))
	for i, w := range weights {
		eps[i] = maxW / w
	}
	return eps
}

// optimizeLayout runs the fitting SGD over the symmetric edge list, moving
// both endpoints of positive samples and the head of negative samples.
func (s sgd) optimizeLayout(ctx context.Context, emb []float64, edges []edge, rng *rand.Rand) error {
	n := len(emb) / 2
	weights := make([]float64, len(edges))
	for i, e := range edges {
		weights[i] = e.weight
	}
	eps := epochsPerSample(weights)
	next := append([]float64(nil), eps...)
	epsNeg := make([]float64, len(eps))
	nextNeg := make([]float64, len(eps))
	if s.negativeRate > 0 {
		for i, e := range eps {
			epsNeg[i] = e / float64(s.negativeRate)
			nextNeg[i] = epsNeg[i]
		}
	}

	for epoch := 0; epoch < s.epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		alpha := s.learningRate * (1 - float64(epoch)/float64(s.epochs))
		fe := float64(epoch)

		for i, e := range edges {
			if next[i] > fe {
				continue
			}
			h, t := 2*e.head, 2*e.tail
			dx, dy := emb[h]-emb[t], emb[h+1]-emb[t+1]
			if d2 := dx*dx + dy*dy; d2 > 0 {
				c := attraction(d2, s.a, s.b)
				gx, gy := clip(c*dx)*alpha, clip(c*dy)*alpha
				emb[h] += gx
				emb[h+1] += gy
				emb[t] -= gx
				emb[t+1] -= gy
			}
			next[i] += eps[i]

			if s.negativeRate == 0 {
				continue
			}
			nNeg := int((fe - nextNeg[i]) / epsNeg[i])
			for p := 0; p < nNeg; p++ {
				k := rng.IntN(n)
				if k == e.head {
					continue
				}
				o := 2 * k
				dx, dy := emb[h]-emb[o], emb[h+1]-emb[o+1]
				gx, gy := gradientClip, gradientClip
				if d2 := dx*dx + dy*dy; d2 > 0 {
					c := repulsion(d2, s.a, s.b)
					gx, gy = clip(c*dx), clip(c*dy)
				}
				emb[h] += gx * alpha
				emb[h+1] += gy * alpha
			}
			if nNeg > 0 {
				nextNeg[i] += float64(nNeg) * epsNeg[i]
			}
		}
	}
	return nil
}

// optimizePoint refines one new point p against a fixed reference layout.
// tails and weights are the point's neighbors in the reference.
func (s sgd) optimizePoint(p [2]float64, tails []int, weights []float64, ref []float64, rng *rand.Rand) [2]float64 {
	n := len(ref) / 2
	eps := epochsPerSample(weights)
	next := append([]float64(nil), eps...)
	epsNeg := make([]float64, len(eps))
	nextNeg := make([]float64, len(eps))
	if s.negativeRate > 0 {
		for i, e := range eps {
			epsNeg[i] = e / float64(s.negativeRate)
			nextNeg[i] = epsNeg[i]
		}
	}

	for epoch := 0; epoch < s.epochs; epoch++ {
		alpha := s.learningRate * (1 - float64(epoch)/float64(s.epochs))
		fe := float64(epoch)

		for i, tail := range tails {
			if next[i] > fe {
				continue
			}
			t := 2 * tail
			dx, dy := p[0]-ref[t], p[1]-ref[t+1]
			if d2 := dx*dx + dy*dy; d2 > 0 {
				c := attraction(d2, s.a, s.b)
				p[0] += clip(c*dx) * alpha
				p[1] += clip(c*dy) * alpha
			}
			next[i] += eps[i]

			if s.negativeRate == 0 {
				continue
			}
			nNeg := int((fe - nextNeg[i]) / epsNeg[i])
			for q := 0; q < nNeg; q++ {
				o := 2 * rng.IntN(n)
				dx, dy := p[0]-ref[o], p[1]-ref[o+1]
				d2 := dx*dx + dy*dy
				if d2 == 0 {
					continue
				}
				c := repulsion(d2, s.a, s.b)
				p[0] += clip(c*dx) * alpha
				p[1] += clip(c*dy) * alpha
			}
			if nNeg > 0 {
				nextNeg[i] += float64(nNeg) * epsNeg[i]
			}
		}
	}
	return p
}
