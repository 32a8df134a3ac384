// Package credentials persists per-session provider auth state as a
// directory of small files, one directory per pairing session.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

// ErrInvalidName is returned for file names that would escape the session
// directory.
var ErrInvalidName = errors.New("invalid credential file name")

// Store is the credential directory for a single session.
// It is safe for concurrent use.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates (if needed) and returns the credential directory
// <root>/<sessionID>.
func Open(root, sessionID string) (*Store, error) {
	if err := validName(sessionID); err != nil {
		return nil, err
	}
	dir := filepath.Join(root, sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads every credential file in the directory.
// A missing directory yields an empty map.
func (s *Store) Load() (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential directory: %w", err)
	}

	files := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read credential file %s: %w", e.Name(), err)
		}
		files[e.Name()] = data
	}
	return files, nil
}

// Save atomically writes each file. Existing files not named in files are
// left untouched.
func (s *Store) Save(files map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, data := range files {
		if err := validName(name); err != nil {
			return err
		}
		if err := renameio.WriteFile(filepath.Join(s.dir, name), data, 0o600); err != nil {
			return fmt.Errorf("write credential file %s: %w", name, err)
		}
	}
	return nil
}

// Destroy removes the session directory and everything in it.
// Destroying an already removed store is a no-op.
func (s *Store) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove credential directory: %w", err)
	}
	return nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// PurgeRoot removes every session directory under root. It runs at startup,
// when no session can own them any more, and reports how many it removed.
// A missing root is created.
func PurgeRoot(root string) (int, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return 0, fmt.Errorf("create sessions root: %w", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("read sessions root: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", e.Name(), err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
