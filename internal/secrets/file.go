package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrCorrupted is returned by Get when the storage file exists but cannot
// be decoded. The next Set or Delete replaces the file.
var ErrCorrupted = errors.New("secret storage corrupted")

// File stores all keys as one JSON object in a single 0600 file.
// Writes go to a temporary file in the same directory which is then renamed
// over the original, so readers never see a partially written file.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile creates a file-backed storage at path. The parent directory is
// created with 0700 permissions if missing.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("secret storage path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create secret storage directory: %w", err)
	}

	return &File{path: path}, nil
}

// Path returns the backing file location.
func (f *File) Path() string {
	return f.path
}

// Get implements Storage.
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", false, err
	}

	v, ok := values[key]
	return v, ok, nil
}

// Set implements Storage.
func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, _, err := f.loadForWrite()
	if err != nil {
		return err
	}

	values[key] = value
	return f.save(values)
}

// Delete implements Storage.
func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, reset, err := f.loadForWrite()
	if err != nil {
		return err
	}

	if _, ok := values[key]; !ok && !reset {
		return nil
	}

	delete(values, key)
	return f.save(values)
}

// load reads the whole key space. Must be called with mu held.
func (f *File) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret storage: %w", err)
	}

	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupted, f.path, err)
	}

	return values, nil
}

// loadForWrite is load for callers about to save. A corrupted file is
// treated as empty and reset reports that it must be rewritten.
func (f *File) loadForWrite() (values map[string]string, reset bool, err error) {
	values, err = f.load()
	if errors.Is(err, ErrCorrupted) {
		slog.Warn("resetting corrupted secret storage", "path", f.path, "error", err)
		return make(map[string]string), true, nil
	}
	return values, false, err
}

// save writes the whole key space atomically. Must be called with mu held.
func (f *File) save(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode secret storage: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".secrets-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary secret file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set secret file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync secret file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close secret file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace secret file: %w", err)
	}

	slog.Debug("wrote secret storage", "path", f.path, "keys", len(values))
	return nil
}
