package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// MaxJSONLLineCapacity is the maximum buffer size for reading JSONL lines.
// A 4096-dimensional embedding serialized as JSON fits comfortably.
const MaxJSONLLineCapacity = 4 * 1024 * 1024

// ReadEmbeddings reads {"id", "embedding"} lines from r and calls fn with
// batches of at most batchSize embeddings.
func ReadEmbeddings(r io.Reader, batchSize int, fn func([]Embedding) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, MaxJSONLLineCapacity)

	batch := make([]Embedding, 0, batchSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue // Skip empty lines
		}

		var e Embedding
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("parsing line %d: %w", lineNum, err)
		}
		if e.ID == "" {
			return fmt.Errorf("line %d: missing id", lineNum)
		}
		batch = append(batch, e)

		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([]Embedding, 0, batchSize)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading embeddings: %w", err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// ReadEmbeddingsFile is ReadEmbeddings over the file at path.
func ReadEmbeddingsFile(path string, batchSize int, fn func([]Embedding) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening embeddings file: %w", err)
	}
	defer f.Close()
	return ReadEmbeddings(f, batchSize, fn)
}

// WriteEmbeddings writes embeddings to a JSONL file, replacing existing content.
func WriteEmbeddings(path string, items []Embedding) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating embeddings file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i, e := range items {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding embedding %d: %w", i, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("writing embedding %d: %w", i, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing embeddings file: %w", err)
	}
	return f.Close()
}
