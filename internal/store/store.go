// Package store persists small per-device JSON documents (timers, reminders,
// shopping lists, active profile). Every write follows acquire-write-release:
// the per-document lock is held while the new content is written to a
// temporary file, synced and renamed over the old one, so a cancelled task can
// never leave a half-written file behind.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidKey is returned for empty device ids or document names.
var ErrInvalidKey = errors.New("invalid store key")

// Store is a directory of JSON documents keyed by (document, device).
type Store struct {
	dir    string
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	logger *slog.Logger
}

// New creates a store rooted at dir.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		dir:    dir,
		locks:  make(map[string]*sync.Mutex),
		logger: logger.With("component", "store"),
	}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(doc, device string) (string, error) {
	if strings.TrimSpace(doc) == "" || strings.ContainsAny(doc, `/\`) || strings.TrimSpace(device) == "" {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.dir, doc, url.PathEscape(device)+".json"), nil
}

func (s *Store) lock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Load decodes the document into v. It reports false when the document does not exist.
func (s *Store) Load(doc, device string, v any) (bool, error) {
	path, err := s.path(doc, device)
	if err != nil {
		return false, err
	}
	l := s.lock(path)
	l.Lock()
	defer l.Unlock()
	return readJSON(path, v)
}

// Save replaces the document with v.
func (s *Store) Save(ctx context.Context, doc, device string, v any) error {
	path, err := s.path(doc, device)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.lock(path)
	l.Lock()
	defer l.Unlock()
	return writeJSON(path, v)
}

// Delete removes the document. Missing documents are not an error.
func (s *Store) Delete(doc, device string) error {
	path, err := s.path(doc, device)
	if err != nil {
		return err
	}
	l := s.lock(path)
	l.Lock()
	defer l.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Devices lists the device ids holding doc.
func (s *Store) Devices(doc string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, doc))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", doc, err)
	}
	var devices []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		devices = append(devices, id)
	}
	sort.Strings(devices)
	return devices, nil
}

// Update loads the document into a T, applies fn and writes the result, all
// under the document lock. The context is only checked before the lock is
// acquired: once the write starts it runs to completion. If fn returns an
// error nothing is written.
func Update[T any](ctx context.Context, s *Store, doc, device string, fn func(*T) error) (T, error) {
	var v T
	path, err := s.path(doc, device)
	if err != nil {
		return v, err
	}
	if err := ctx.Err(); err != nil {
		return v, err
	}
	l := s.lock(path)
	l.Lock()
	defer l.Unlock()

	if _, err := readJSON(path, &v); err != nil {
		return v, err
	}
	if err := fn(&v); err != nil {
		return v, err
	}
	if err := writeJSON(path, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Get loads the document into a T, returning the zero value when absent.
func Get[T any](s *Store, doc, device string) (T, error) {
	var v T
	_, err := s.Load(doc, device, &v)
	return v, err
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0640); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
