package projection

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/matsen/atlas/internal/synthetic"
)

// testParams keeps fitting fast enough for unit tests.
func testParams() Params {
	p := DefaultParams()
	p.Epochs = 60
	return p
}

func setupManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager(t.TempDir(), WithParams(testParams()), WithPoolSize(4))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(m.Release)
	return m
}

func trainTestModel(t *testing.T, m *Manager, spec synthetic.Spec) *Model {
	t.Helper()

	model, err := m.TrainInitial(context.Background(), synthetic.Vectors(spec))
	if err != nil {
		t.Fatalf("TrainInitial() error = %v", err)
	}
	model.Version = 1
	return model
}

func TestFitCurve(t *testing.T) {
	a, b, err := fitCurve(1.0, 0.1)
	if err != nil {
		t.Fatalf("fitCurve() error = %v", err)
	}
	if math.Abs(a-1.577) > 0.05 || math.Abs(b-0.895) > 0.05 {
		t.Errorf("fitCurve(1, 0.1) = (%.4f, %.4f), want about (1.577, 0.895)", a, b)
	}
}

func TestNearest(t *testing.T) {
	data := []float32{
		1, 0,
		0, 1,
		0.8, 0.6,
		-1, 0,
	}
	got := nearest(data, 2, []float32{1, 0}, 2, -1)
	if len(got) != 2 || got[0].index != 0 || got[1].index != 2 {
		t.Fatalf("nearest() = %+v, want rows 0 and 2", got)
	}

	got = nearest(data, 2, []float32{1, 0}, 2, 0)
	if got[0].index != 2 || got[1].index != 1 {
		t.Errorf("nearest() skipping self = %+v, want rows 2 and 1", got)
	}
}

func TestSmoothKNN(t *testing.T) {
	nbrs := []neighbor{{0, 0.05}, {1, 0.1}, {2, 0.2}, {3, 0.25}, {4, 0.4}, {5, 0.6}, {6, 0.7}, {7, 0.9}}
	rho, sigma := smoothKNN(nbrs)
	if rho != 0.05 {
		t.Errorf("rho = %v, want 0.05", rho)
	}

	var sum float64
	for _, w := range memberships(nbrs, rho, sigma) {
		sum += w
	}
	if math.Abs(sum-math.Log2(8)) > 1e-3 {
		t.Errorf("membership sum = %v, want log2(8)", sum)
	}
}

func TestFuzzyUnion(t *testing.T) {
	knn := [][]neighbor{
		{{index: 1}},
		{{index: 0}},
		{{index: 0}},
	}
	weights := [][]float64{{0.5}, {0.5}, {1}}
	edges := fuzzyUnion(knn, weights)

	got := make(map[[2]int]float64)
	for _, e := range edges {
		got[[2]int{e.head, e.tail}] = e.weight
	}
	if len(edges) != 4 {
		t.Fatalf("got %d edges, want 4: %+v", len(edges), edges)
	}
	if w := got[[2]int{0, 1}]; math.Abs(w-0.75) > 1e-12 {
		t.Errorf("w(0,1) = %v, want 0.75", w)
	}
	if got[[2]int{0, 2}] != 1 || got[[2]int{2, 0}] != 1 {
		t.Errorf("one-sided edge not mirrored: %+v", got)
	}
}

func TestTrainInitial_Errors(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	identical := make([][]float32, 20)
	for i := range identical {
		identical[i] = []float32{0.6, 0.8, 0}
	}

	tests := []struct {
		name   string
		sample [][]float32
		want   error
	}{
		{"empty", nil, ErrSampleTooSmall},
		{"single vector", [][]float32{{1, 0}}, ErrSampleTooSmall},
		{"all identical", identical, ErrDegenerateSample},
		{"inconsistent dims", [][]float32{{1, 0, 0}, {0, 1}, {0, 0, 1}}, ErrDegenerateSample},
		{"zero vector", [][]float32{{1, 0}, {0, 0}, {0, 1}}, ErrDegenerateSample},
		{"non-finite", [][]float32{{1, 0}, {float32(math.NaN()), 1}, {0, 1}}, ErrDegenerateSample},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.TrainInitial(ctx, tt.sample)
			if !errors.Is(err, tt.want) {
				t.Fatalf("TrainInitial() error = %v, want %v", err, tt.want)
			}
			if !IsTrainError(err) {
				t.Errorf("error %v is not a *TrainError", err)
			}
		})
	}
}

func TestTrainInitial_Reproducible(t *testing.T) {
	spec := synthetic.Spec{Count: 120, Dims: 16, Clusters: 3, Seed: 5}
	a := trainTestModel(t, setupManager(t), spec)
	b := trainTestModel(t, setupManager(t), spec)

	for i := range a.Embedding {
		if a.Embedding[i] != b.Embedding[i] {
			t.Fatalf("layouts differ at %d: %v vs %v", i, a.Embedding[i], b.Embedding[i])
		}
	}
}

func TestTransform_Deterministic(t *testing.T) {
	m := setupManager(t)
	model := trainTestModel(t, m, synthetic.Spec{Count: 150, Dims: 16, Clusters: 3, Seed: 11})
	ctx := context.Background()

	fresh := synthetic.Vectors(synthetic.Spec{Count: 30, Dims: 16, Clusters: 3, Seed: 11, Noise: 0.08})

	x1, y1, err := model.TransformOne(fresh[0])
	if err != nil {
		t.Fatalf("TransformOne() error = %v", err)
	}
	x2, y2, _ := model.TransformOne(fresh[0])
	if x1 != x2 || y1 != y2 {
		t.Errorf("TransformOne() not deterministic: (%v, %v) vs (%v, %v)", x1, y1, x2, y2)
	}

	// The same vector yields the same coordinate regardless of batch composition.
	whole, err := m.Transform(ctx, model, fresh)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	tail, err := m.Transform(ctx, model, fresh[10:])
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	for i, o := range tail {
		w := whole[10+i]
		if o.X != w.X || o.Y != w.Y {
			t.Errorf("vector %d: batch-dependent result (%v, %v) vs (%v, %v)", 10+i, o.X, o.Y, w.X, w.Y)
		}
	}
	if whole[0].X != x1 || whole[0].Y != y1 {
		t.Errorf("Transform() and TransformOne() disagree")
	}
}

func TestTransform_PerVectorErrors(t *testing.T) {
	m := setupManager(t)
	model := trainTestModel(t, m, synthetic.Spec{Count: 60, Dims: 8, Clusters: 2, Seed: 2})

	good := synthetic.Vectors(synthetic.Spec{Count: 2, Dims: 8, Clusters: 2, Seed: 2})
	batch := [][]float32{
		good[0],
		{1, 2, 3},
		nil,
		{float32(math.Inf(1)), 0, 0, 0, 0, 0, 0, 0},
		good[1],
	}

	out, err := m.Transform(context.Background(), model, batch)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	for _, i := range []int{0, 4} {
		if out[i].Err != nil {
			t.Errorf("vector %d error = %v", i, out[i].Err)
		}
	}

	wantErrs := map[int]error{1: ErrDimensionMismatch, 2: ErrInvalidVector, 3: ErrInvalidVector}
	for i, want := range wantErrs {
		var te *TransformError
		if !errors.As(out[i].Err, &te) {
			t.Fatalf("vector %d error = %v, want *TransformError", i, out[i].Err)
		}
		if te.Index != i {
			t.Errorf("TransformError.Index = %d, want %d", te.Index, i)
		}
		if !errors.Is(out[i].Err, want) {
			t.Errorf("vector %d error = %v, want %v", i, out[i].Err, want)
		}
	}
}

func TestTransform_PreservesClusters(t *testing.T) {
	m := setupManager(t)
	spec := synthetic.Spec{Count: 240, Dims: 32, Clusters: 3, Seed: 21}
	model := trainTestModel(t, m, spec)

	// Centroid of each cluster in the training layout.
	var centroids [3][2]float64
	var counts [3]int
	for i := 0; i < spec.Count; i++ {
		x, y := model.TrainingCoordinates(i)
		c := spec.Cluster(i)
		centroids[c][0] += x
		centroids[c][1] += y
		counts[c]++
	}
	for c := range centroids {
		centroids[c][0] /= float64(counts[c])
		centroids[c][1] /= float64(counts[c])
	}

	// New points drawn around the same centers land near their own cluster.
	fresh := spec
	fresh.Count = 60
	fresh.Noise = 0.06
	vectors := synthetic.Vectors(fresh)
	out, err := m.Transform(context.Background(), model, vectors)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}

	correct := 0
	for i, o := range out {
		best, bestDist := -1, math.Inf(1)
		for c, ctr := range centroids {
			d := math.Hypot(o.X-ctr[0], o.Y-ctr[1])
			if d < bestDist {
				best, bestDist = c, d
			}
		}
		if best == fresh.Cluster(i) {
			correct++
		}
	}
	if correct < 54 {
		t.Errorf("%d of 60 new points landed nearest their own cluster, want at least 54", correct)
	}
}

func TestPersistAndLoad(t *testing.T) {
	m := setupManager(t)
	model := trainTestModel(t, m, synthetic.Spec{Count: 50, Dims: 8, Clusters: 2, Seed: 4})

	path, err := m.Persist(model)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if filepath.Base(path) != ArtifactName(1, model.ID) {
		t.Errorf("artifact name = %s", filepath.Base(path))
	}

	loaded, err := m.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Version != 1 || loaded.Dims != 8 || loaded.SampleSize != 50 {
		t.Errorf("loaded model = v%d dims=%d n=%d", loaded.Version, loaded.Dims, loaded.SampleSize)
	}

	v := synthetic.Vectors(synthetic.Spec{Count: 1, Dims: 8, Clusters: 2, Seed: 99})[0]
	x1, y1, _ := model.TransformOne(v)
	x2, y2, _ := loaded.TransformOne(v)
	if x1 != x2 || y1 != y2 {
		t.Errorf("loaded model transforms differently: (%v, %v) vs (%v, %v)", x1, y1, x2, y2)
	}

	// No temp files are left behind.
	entries, _ := os.ReadDir(m.Dir())
	if len(entries) != 1 {
		t.Errorf("artifact dir has %d entries, want 1", len(entries))
	}

	if err := m.Discard(path); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("artifact still exists after Discard")
	}
}

func TestLoad_Unusable(t *testing.T) {
	m := setupManager(t)
	model := trainTestModel(t, m, synthetic.Spec{Count: 30, Dims: 4, Clusters: 2, Seed: 8})
	path, err := m.Persist(model)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	garbage := filepath.Join(m.Dir(), "garbage.gob")
	os.WriteFile(garbage, []byte("not a model"), 0644)

	tampered := filepath.Join(m.Dir(), "tampered.gob")
	file := readEnvelope(t, path)
	file.Payload[len(file.Payload)/2] ^= 0xff
	writeEnvelope(t, tampered, file)

	future := filepath.Join(m.Dir(), "future.gob")
	file = readEnvelope(t, path)
	file.Format = CurrentArtifactFormat + 1
	writeEnvelope(t, future, file)

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", filepath.Join(m.Dir(), "missing.gob"), os.ErrNotExist},
		{"garbage", garbage, nil},
		{"checksum", tampered, ErrChecksumMismatch},
		{"format", future, ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Load(tt.path)
			if !errors.Is(err, ErrModelNotFound) {
				t.Errorf("Load() error = %v, want ErrModelNotFound", err)
			}
			var le *LoadError
			if !errors.As(err, &le) {
				t.Errorf("Load() error = %v, want *LoadError", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Load() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTrainable(t *testing.T) {
	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{1, 1},
		nil,
		{0, 0, 0},
		{0, 0, 1},
		{1, float32(math.NaN()), 0},
	}
	got := Trainable(vectors)
	want := []int{0, 1, 5}
	if len(got) != len(want) {
		t.Fatalf("Trainable() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Trainable()[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	if got := Trainable([][]float32{nil, {0, 0}}); len(got) != 0 {
		t.Errorf("Trainable() with no valid vectors = %v", got)
	}
}
