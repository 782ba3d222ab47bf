// Package projection fits and applies the neighbor-graph model that maps
// high-dimensional embeddings into one shared 2D coordinate space.
package projection

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hupe1980/vecgo/distance"
)

// Stream constants keep the fitting and per-point RNG streams independent.
const (
	fitStream       = 0x6174_6c61_735f_6669
	transformStream = 0x6174_6c61_735f_7478
)

// Model is a trained projection from Dims dimensions to 2.
// A model is immutable once trained; a newer version supersedes it.
type Model struct {
	Version         int64
	ID              string
	Dims            int
	Params          Params
	Epochs          int
	TransformEpochs int
	A, B            float64
	SampleSize      int
	TrainedAt       time.Time

	// Train holds the unit-normalized training vectors, row-major.
	Train []float32
	// Embedding holds the raw layout of the training vectors as (x, y) pairs.
	Embedding []float64

	// Center and Scale map raw layout coordinates to output coordinates.
	Center [2]float64
	Scale  float64
}

// parallelFunc runs fn(i) for every i in [0, n), possibly concurrently.
type parallelFunc func(ctx context.Context, n int, fn func(i int)) error

func serial(ctx context.Context, n int, fn func(i int)) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(i)
	}
	return nil
}

// checkVector validates a vector for projection. dims 0 skips the length check.
func checkVector(v []float32, dims int) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidVector)
	}
	if dims > 0 && len(v) != dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dims)
	}
	var norm float64
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("%w: non-finite component", ErrInvalidVector)
		}
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		return fmt.Errorf("%w: zero norm", ErrInvalidVector)
	}
	return nil
}

// CheckVector reports whether v can be projected by a model of dims dimensions.
func CheckVector(v []float32, dims int) error {
	return checkVector(v, dims)
}

func normalized(v []float32) []float32 {
	out, ok := distance.NormalizeL2Copy(v)
	if !ok {
		return make([]float32, len(v))
	}
	return out
}

// fit trains a model on vectors. The returned model has Version 0.
func fit(ctx context.Context, vectors [][]float32, params Params, parallel parallelFunc) (*Model, error) {
	n := len(vectors)
	if n < 2 {
		return nil, &TrainError{SampleSize: n, Err: fmt.Errorf("%w: need at least 2 vectors", ErrSampleTooSmall)}
	}
	if err := params.Validate(); err != nil {
		return nil, &TrainError{SampleSize: n, Err: err}
	}

	dims := len(vectors[0])
	train := make([]float32, 0, n*dims)
	for i, v := range vectors {
		if err := checkVector(v, dims); err != nil {
			return nil, &TrainError{SampleSize: n, Err: fmt.Errorf("%w: vector %d: %v", ErrDegenerateSample, i, err)}
		}
		train = append(train, normalized(v)...)
	}

	k := params.Neighbors
	if k > n-1 {
		k = n - 1
	}
	knn := make([][]neighbor, n)
	err := parallel(ctx, n, func(i int) {
		knn[i] = nearest(train, dims, train[i*dims:(i+1)*dims], k, i)
	})
	if err != nil {
		return nil, err
	}

	weights := make([][]float64, n)
	for i, nbrs := range knn {
		rho, sigma := smoothKNN(nbrs)
		weights[i] = memberships(nbrs, rho, sigma)
	}

	epochs := params.epochsFor(n)
	edges := pruneEdges(fuzzyUnion(knn, weights), epochs)
	if len(edges) == 0 {
		return nil, &TrainError{SampleSize: n, Err: fmt.Errorf("%w: empty neighbor graph", ErrDegenerateSample)}
	}

	rng := rand.New(rand.NewPCG(params.Seed, fitStream))
	emb, err := pcaInit(train, n, dims, rng)
	if err != nil {
		return nil, &TrainError{SampleSize: n, Err: err}
	}

	a, b, err := fitCurve(params.Spread, params.MinDist)
	if err != nil {
		return nil, &TrainError{SampleSize: n, Err: err}
	}

	opt := sgd{a: a, b: b, epochs: epochs, negativeRate: params.NegativeRate, learningRate: params.LearningRate}
	if err := opt.optimizeLayout(ctx, emb, edges, rng); err != nil {
		return nil, err
	}

	m := &Model{
		Dims:            dims,
		Params:          params,
		Epochs:          epochs,
		TransformEpochs: params.transformEpochsFor(epochs),
		A:               a,
		B:               b,
		SampleSize:      n,
		Train:           train,
		Embedding:       emb,
	}
	m.fitScaling()
	return m, nil
}

// fitScaling centers the training layout on the origin and scales its
// larger extent to [-1, 1].
func (m *Model) fitScaling() {
	lo := [2]float64{math.Inf(1), math.Inf(1)}
	hi := [2]float64{math.Inf(-1), math.Inf(-1)}
	for i := 0; i < len(m.Embedding); i += 2 {
		for axis := 0; axis < 2; axis++ {
			lo[axis] = math.Min(lo[axis], m.Embedding[i+axis])
			hi[axis] = math.Max(hi[axis], m.Embedding[i+axis])
		}
	}
	m.Center = [2]float64{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2}
	extent := math.Max(hi[0]-lo[0], hi[1]-lo[1])
	m.Scale = 1
	if extent > 0 {
		m.Scale = 2 / extent
	}
}

func (m *Model) scale(p [2]float64) (x, y float64) {
	return (p[0] - m.Center[0]) * m.Scale, (p[1] - m.Center[1]) * m.Scale
}

// TrainingCoordinates returns the output coordinate of training row i.
func (m *Model) TrainingCoordinates(i int) (x, y float64) {
	return m.scale([2]float64{m.Embedding[2*i], m.Embedding[2*i+1]})
}

// TransformOne projects v into the model's coordinate space. The result
// depends only on the model and v, never on other vectors in a batch.
func (m *Model) TransformOne(v []float32) (x, y float64, err error) {
	if err := checkVector(v, m.Dims); err != nil {
		return 0, 0, err
	}
	q := normalized(v)

	k := m.Params.Neighbors
	if k > m.SampleSize {
		k = m.SampleSize
	}
	nbrs := nearest(m.Train, m.Dims, q, k, -1)
	rho, sigma := smoothKNN(nbrs)
	weights := memberships(nbrs, rho, sigma)

	var p [2]float64
	var total float64
	for i, nb := range nbrs {
		p[0] += weights[i] * m.Embedding[2*nb.index]
		p[1] += weights[i] * m.Embedding[2*nb.index+1]
		total += weights[i]
	}
	p[0] /= total
	p[1] /= total

	var maxW float64
	for _, w := range weights {
		maxW = math.Max(maxW, w)
	}
	threshold := maxW / float64(m.TransformEpochs)
	tails := make([]int, 0, len(nbrs))
	kept := make([]float64, 0, len(nbrs))
	for i, nb := range nbrs {
		if weights[i] >= threshold {
			tails = append(tails, nb.index)
			kept = append(kept, weights[i])
		}
	}

	rng := rand.New(rand.NewPCG(m.Params.Seed^vectorHash(v), transformStream))
	opt := sgd{a: m.A, b: m.B, epochs: m.TransformEpochs, negativeRate: m.Params.NegativeRate, learningRate: m.Params.LearningRate}
	p = opt.optimizePoint(p, tails, kept, m.Embedding, rng)

	x, y = m.scale(p)
	return x, y, nil
}

func vectorHash(v []float32) uint64 {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return xxhash.Sum64(buf)
}

// validate checks the internal consistency of a decoded model.
func (m *Model) validate() error {
	switch {
	case m.Dims <= 0:
		return fmt.Errorf("invalid dimensions %d", m.Dims)
	case m.SampleSize < 2:
		return fmt.Errorf("invalid sample size %d", m.SampleSize)
	case len(m.Train) != m.SampleSize*m.Dims:
		return fmt.Errorf("training data has %d values, want %d", len(m.Train), m.SampleSize*m.Dims)
	case len(m.Embedding) != 2*m.SampleSize:
		return fmt.Errorf("layout has %d values, want %d", len(m.Embedding), 2*m.SampleSize)
	case !(m.A > 0) || !(m.B > 0):
		return fmt.Errorf("invalid curve parameters a=%g b=%g", m.A, m.B)
	case m.TransformEpochs <= 0:
		return fmt.Errorf("invalid transform epochs %d", m.TransformEpochs)
	case !(m.Scale > 0):
		return fmt.Errorf("invalid scale %g", m.Scale)
	}
	for _, v := range m.Embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("layout contains non-finite coordinates")
		}
	}
	return nil
}
