package projection

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/matsen/atlas/internal/storage"
	"github.com/matsen/atlas/internal/synthetic"
)

type fakeRegistry struct {
	info *storage.ModelInfo
	err  error
}

func (r fakeRegistry) CurrentModel(ctx context.Context) (*storage.ModelInfo, error) {
	return r.info, r.err
}

func readEnvelope(t *testing.T, path string) artifactFile {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	var file artifactFile
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&file); err != nil {
		t.Fatalf("decoding artifact: %v", err)
	}
	return file
}

func writeEnvelope(t *testing.T, path string, file artifactFile) {
	t.Helper()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&file); err != nil {
		t.Fatalf("encoding artifact: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}
}

func TestNewManager(t *testing.T) {
	if _, err := NewManager(""); err == nil {
		t.Error("expected error for empty directory")
	}

	bad := DefaultParams()
	bad.Neighbors = 1
	if _, err := NewManager(t.TempDir(), WithParams(bad)); err == nil {
		t.Error("expected error for invalid params")
	}

	m, err := NewManager(t.TempDir(), WithLogger(nil))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Release()
	if m.Params().Neighbors != 15 || m.Params().Seed != 42 {
		t.Errorf("default params = %+v", m.Params())
	}
}

func TestLoadCurrent(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	_, err := m.LoadCurrent(ctx, fakeRegistry{err: storage.ErrNoModel})
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("LoadCurrent() error = %v, want ErrModelNotFound", err)
	}
	var le *LoadError
	if errors.As(err, &le) {
		t.Error("an empty registry is not a load error")
	}

	storeErr := errors.New("database is locked")
	if _, err := m.LoadCurrent(ctx, fakeRegistry{err: storeErr}); !errors.Is(err, storeErr) || IsNotFound(err) {
		t.Errorf("LoadCurrent() error = %v, want store error", err)
	}

	model := trainTestModel(t, m, synthetic.Spec{Count: 30, Dims: 4, Clusters: 2, Seed: 3})
	path, err := m.Persist(model)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	info := &storage.ModelInfo{Version: 1, ArtifactPath: path, Dims: 4, SampleSize: 30, TrainedAt: time.Now()}
	loaded, err := m.LoadCurrent(ctx, fakeRegistry{info: info})
	if err != nil {
		t.Fatalf("LoadCurrent() error = %v", err)
	}
	if loaded.ID != model.ID {
		t.Errorf("loaded model %s, want %s", loaded.ID, model.ID)
	}

	mismatch := *info
	mismatch.Version = 2
	_, err = m.LoadCurrent(ctx, fakeRegistry{info: &mismatch})
	if !errors.As(err, &le) {
		t.Errorf("LoadCurrent() error = %v, want *LoadError for version mismatch", err)
	}
}

func TestTransform_Cancelled(t *testing.T) {
	m := setupManager(t)
	model := trainTestModel(t, m, synthetic.Spec{Count: 30, Dims: 4, Clusters: 2, Seed: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Transform(ctx, model, synthetic.Vectors(synthetic.Spec{Count: 5, Dims: 4, Clusters: 1, Seed: 1}))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Transform() error = %v, want context.Canceled", err)
	}
}

func TestParallelMatchesSerial(t *testing.T) {
	m := setupManager(t)
	vectors := synthetic.Vectors(synthetic.Spec{Count: 80, Dims: 8, Clusters: 2, Seed: 6})

	pooled, err := fit(context.Background(), vectors, testParams(), m.parallel)
	if err != nil {
		t.Fatalf("fit() error = %v", err)
	}
	single, err := fit(context.Background(), vectors, testParams(), serial)
	if err != nil {
		t.Fatalf("fit() error = %v", err)
	}
	for i := range pooled.Embedding {
		if pooled.Embedding[i] != single.Embedding[i] {
			t.Fatalf("layouts differ at %d", i)
		}
	}
}
