// Package results persists benchmark results: the JSON result file, a local
// run history and a watcher for re-rendering saved results.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/saworbit/ringbench/pkg/bench"
)

// PersistError reports that a result could not be written. The run itself
// succeeded; the result is still valid in memory.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist result to %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Encode renders a result as indented JSON with a trailing newline.
func Encode(r *bench.Result) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return append(data, '\n'), nil
}

// Save writes r to path atomically: readers see the old file or the new one,
// never a partial write.
func Save(path string, r *bench.Result) error {
	data, err := Encode(r)
	if err != nil {
		return &PersistError{Path: path, Err: err}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &PersistError{Path: path, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &PersistError{Path: path, Err: err}
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return &PersistError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PersistError{Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &PersistError{Path: path, Err: err}
	}
	return nil
}

// Load reads a result file written by Save.
func Load(path string) (*bench.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (*bench.Result, error) {
	var r bench.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if r.CPUIDs == nil {
		r.CPUIDs = []uint32{}
	}
	if r.Errors == nil {
		r.Errors = []string{}
	}
	return &r, nil
}
