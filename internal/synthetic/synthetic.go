// Package synthetic generates seeded, clustered unit vectors for seeding a
// store and for tests.
package synthetic

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/hupe1980/vecgo/distance"

	"github.com/matsen/atlas/internal/storage"
)

const stream = 0x7379_6e74_6865_7469

// DefaultNoise is the per-component noise added around cluster centers.
const DefaultNoise = 0.05

// Spec describes a synthetic corpus. Vectors from specs with different
// seeds come from unrelated cluster centers.
type Spec struct {
	Count    int
	Dims     int
	Clusters int
	Seed     uint64
	Noise    float64
	Prefix   string
	Offset   int // first id number
}

// Validate checks that the spec can generate vectors.
func (s Spec) Validate() error {
	switch {
	case s.Count < 0:
		return fmt.Errorf("count must not be negative, got %d", s.Count)
	case s.Dims < 2:
		return fmt.Errorf("dims must be at least 2, got %d", s.Dims)
	case s.Clusters < 1:
		return fmt.Errorf("clusters must be at least 1, got %d", s.Clusters)
	case s.Noise < 0:
		return fmt.Errorf("noise must not be negative, got %g", s.Noise)
	}
	return nil
}

// Cluster returns the cluster index of the i-th generated vector.
func (s Spec) Cluster(i int) int {
	return i % s.Clusters
}

// ID returns the record id of the i-th generated vector.
func (s Spec) ID(i int) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "rec"
	}
	return fmt.Sprintf("%s-%07d", prefix, s.Offset+i)
}

// Vectors generates s.Count unit vectors around s.Clusters random centers.
func Vectors(s Spec) [][]float32 {
	rng := rand.New(rand.NewPCG(s.Seed, stream))
	noise := s.Noise
	if noise == 0 {
		noise = DefaultNoise
	}

	centers := make([][]float32, s.Clusters)
	for c := range centers {
		centers[c] = randomUnit(rng, s.Dims)
	}

	out := make([][]float32, s.Count)
	for i := range out {
		center := centers[s.Cluster(i)]
		v := make([]float32, s.Dims)
		for j := range v {
			v[j] = center[j] + float32(rng.NormFloat64()*noise)
		}
		if !distance.NormalizeL2InPlace(v) {
			copy(v, center)
		}
		out[i] = v
	}
	return out
}

// Embeddings generates the corpus as store-ready embeddings.
func Embeddings(s Spec) []storage.Embedding {
	vectors := Vectors(s)
	items := make([]storage.Embedding, len(vectors))
	for i, v := range vectors {
		items[i] = storage.Embedding{ID: s.ID(i), Vector: v}
	}
	return items
}

func randomUnit(rng *rand.Rand, dims int) []float32 {
	for {
		v := make([]float32, dims)
		var norm float64
		for j := range v {
			f := rng.NormFloat64()
			v[j] = float32(f)
			norm += f * f
		}
		if norm > 0 {
			inv := float32(1 / math.Sqrt(norm))
			for j := range v {
				v[j] *= inv
			}
			return v
		}
	}
}
