package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists all keys in one JSON document. Every mutation rewrites
// the document through a temp file + fsync + rename, so a crash leaves either
// the old or the new document on disk. The in-memory view only changes after
// the rename succeeded.
type FileStore struct {
	path string

	mu     sync.RWMutex
	data   map[string]json.RawMessage
	closed bool
}

// OpenFileStore loads path if it exists; a missing file starts empty.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("persistence: file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	data := make(map[string]json.RawMessage)
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read store %s: %w", path, err)
	case len(raw) > 0:
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode store %s: %w", path, err)
		}
	}
	return &FileStore{path: path, data: data}, nil
}

func (f *FileStore) Save(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("%w: key %s", ErrInvalidValue, key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	next := make(map[string]json.RawMessage, len(f.data)+1)
	for k, v := range f.data {
		next[k] = v
	}
	next[key] = append(json.RawMessage(nil), value...)

	if err := f.flush(next); err != nil {
		return err
	}
	f.data = next
	return nil
}

func (f *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (f *FileStore) Delete(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	if _, ok := f.data[key]; !ok {
		return false, nil
	}

	next := make(map[string]json.RawMessage, len(f.data))
	for k, v := range f.data {
		if k != key {
			next[k] = v
		}
	}
	if err := f.flush(next); err != nil {
		return false, err
	}
	f.data = next
	return true, nil
}

func (f *FileStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false, ErrClosed
	}
	_, ok := f.data[key]
	return ok, nil
}

// Ping verifies the directory is still writable.
func (f *FileStore) Ping(context.Context) error {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".ping-*")
	if err != nil {
		return fmt.Errorf("store directory not writable: %w", err)
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(name)
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *FileStore) Path() string { return f.path }

// flush must be called with mu held.
func (f *FileStore) flush(data map[string]json.RawMessage) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
