package projection

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CurrentArtifactFormat is the on-disk format version of model artifacts.
// Increment this when making breaking changes to Model.
const CurrentArtifactFormat = 1

// artifactFile is the envelope written to disk. The checksum covers the
// gob-encoded model payload.
type artifactFile struct {
	Format   int
	Checksum [sha256.Size]byte
	Payload  []byte
}

// ArtifactName returns the file name for a model artifact.
func ArtifactName(version int64, id string) string {
	return fmt.Sprintf("model-v%06d-%s.gob", version, id)
}

// writeArtifact encodes m into dir. It writes to a temp file first, then
// renames, so a crash never leaves a partial artifact under the final name.
func writeArtifact(dir string, m *Model) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating model directory: %w", err)
	}

	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(m); err != nil {
		return "", fmt.Errorf("encoding model: %w", err)
	}
	file := artifactFile{
		Format:   CurrentArtifactFormat,
		Checksum: sha256.Sum256(payload.Bytes()),
		Payload:  payload.Bytes(),
	}

	path := filepath.Join(dir, ArtifactName(m.Version, m.ID))
	f, err := os.CreateTemp(dir, ".model-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := f.Name()

	if err := gob.NewEncoder(f).Encode(&file); err != nil {
		f.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("syncing artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("closing file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("renaming temp file: %w", err)
	}
	return path, nil
}

// readArtifact decodes and verifies the artifact at path.
// Every failure is a *LoadError.
func readArtifact(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	var file artifactFile
	if err := gob.NewDecoder(f).Decode(&file); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("decoding artifact: %w", err)}
	}
	if file.Format != CurrentArtifactFormat {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: got %d, want %d",
			ErrUnsupportedFormat, file.Format, CurrentArtifactFormat)}
	}
	if sha256.Sum256(file.Payload) != file.Checksum {
		return nil, &LoadError{Path: path, Err: ErrChecksumMismatch}
	}

	var m Model
	if err := gob.NewDecoder(bytes.NewReader(file.Payload)).Decode(&m); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("decoding model: %w", err)}
	}
	if err := m.validate(); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return &m, nil
}

// removeArtifact deletes an artifact that lost a registration race.
func removeArtifact(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing artifact: %w", err)
	}
	return nil
}
