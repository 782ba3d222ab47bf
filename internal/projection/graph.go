package projection

import (
	"math"

	"github.com/hupe1980/vecgo/distance"
)

const (
	smoothKTolerance = 1e-5
	smoothKIters     = 64
	minKDistScale    = 1e-3
)

type neighbor struct {
	index int
	dist  float64
}

// edge is a directed, weighted edge of the fuzzy neighbor graph.
type edge struct {
	head, tail int
	weight     float64
}

// cosineDistance assumes both vectors are unit length.
func cosineDistance(a, b []float32) float64 {
	d := 1 - float64(distance.Dot(a, b))
	if d < 0 {
		return 0
	}
	return d
}

// nearest returns the k rows of data closest to q, nearest first.
// Row skip is ignored; pass -1 to consider every row. Ties keep the lower index.
func nearest(data []float32, dims int, q []float32, k, skip int) []neighbor {
	out := make([]neighbor, 0, k)
	rows := len(data) / dims
	for j := 0; j < rows; j++ {
		if j == skip {
			continue
		}
		d := cosineDistance(q, data[j*dims:(j+1)*dims])
		if len(out) == k && d >= out[k-1].dist {
			continue
		}
		pos := len(out)
		if pos < k {
			out = append(out, neighbor{})
		} else {
			pos = k - 1
		}
		for pos > 0 && out[pos-1].dist > d {
			out[pos] = out[pos-1]
			pos--
		}
		out[pos] = neighbor{index: j, dist: d}
	}
	return out
}

// smoothKNN calibrates the local connectivity rho and bandwidth sigma of one
// point so that its membership strengths sum to log2(k).
func smoothKNN(nbrs []neighbor) (rho, sigma float64) {
	if len(nbrs) == 0 {
		return 0, 1
	}
	target := math.Log2(float64(len(nbrs)))

	var mean float64
	for _, nb := range nbrs {
		mean += nb.dist
		if rho == 0 && nb.dist > 0 {
			rho = nb.dist
		}
	}
	mean /= float64(len(nbrs))

	lo, hi, mid := 0.0, math.Inf(1), 1.0
	for iter := 0; iter < smoothKIters; iter++ {
		var psum float64
		for _, nb := range nbrs {
			if d := nb.dist - rho; d > 0 {
				psum += math.Exp(-d / mid)
			} else {
				psum++
			}
		}
		if math.Abs(psum-target) < smoothKTolerance {
			break
		}
		if psum > target {
			hi = mid
			mid = (lo + hi) / 2
		} else {
			lo = mid
			if math.IsInf(hi, 1) {
				mid *= 2
			} else {
				mid = (lo + hi) / 2
			}
		}
	}

	if floor := minKDistScale * mean; mid < floor {
		mid = floor
	}
	if mid <= 0 {
		mid = math.SmallestNonzeroFloat64
	}
	return rho, mid
}

// memberships converts neighbor distances to fuzzy membership strengths.
func memberships(nbrs []neighbor, rho, sigma float64) []float64 {
	w := make([]float64, len(nbrs))
	for i, nb := range nbrs {
		if d := nb.dist - rho; d > 0 {
			w[i] = math.Exp(-d / sigma)
		} else {
			w[i] = 1
		}
	}
	return w
}

// fuzzyUnion symmetrizes the directed kNN memberships with the probabilistic
// union w(i,j) + w(j,i) - w(i,j)*w(j,i). Both directions of every undirected
// edge are emitted, in a deterministic order.
func fuzzyUnion(knn [][]neighbor, weights [][]float64) []edge {
	directed := make(map[int64]float64)
	for i, nbrs := range knn {
		for j, nb := range nbrs {
			directed[edgeKey(i, nb.index)] = weights[i][j]
		}
	}

	var edges []edge
	for i, nbrs := range knn {
		for j, nb := range nbrs {
			a := weights[i][j]
			b, reverse := directed[edgeKey(nb.index, i)]
			p := a + b - a*b
			if p <= 0 {
				continue
			}
			edges = append(edges, edge{head: i, tail: nb.index, weight: p})
			if !reverse {
				edges = append(edges, edge{head: nb.index, tail: i, weight: p})
			}
		}
	}
	return edges
}

func edgeKey(i, j int) int64 {
	return int64(i)<<32 | int64(j)
}

// pruneEdges drops edges too weak to be sampled even once in epochs.
func pruneEdges(edges []edge, epochs int) []edge {
	var maxW float64
	for _, e := range edges {
		maxW = math.Max(maxW, e.weight)
	}
	threshold := maxW / float64(epochs)
	kept := edges[:0]
	for _, e := range edges {
		if e.weight >= threshold {
			kept = append(kept, e)
		}
	}
	return kept
}
