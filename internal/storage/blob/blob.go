// Package blob stores immutable content addressed by hash. Checkpoints keep
// file contents here and reference them by key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

var ErrNotFound = errors.New("blob not found")

// Store is a content-addressed blob store rooted in a directory of an
// afero filesystem. Keys have the form "<xxhash64 hex>-<size>".
type Store struct {
	mu   sync.Mutex
	fs   afero.Fs
	root string
}

// New creates a Store rooted at root on fsys.
func New(fsys afero.Fs, root string) *Store {
	return &Store{fs: fsys, root: root}
}

// NewOS creates a Store on the operating system filesystem.
func NewOS(root string) *Store {
	return New(afero.NewOsFs(), root)
}

// Key returns the key data is stored under.
func Key(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16) + "-" + strconv.Itoa(len(data))
}

func (s *Store) path(key string) string {
	shard := "00"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return path.Join(s.root, shard, key)
}

// Put stores data and returns its key. Storing the same content twice is a
// no-op.
func (s *Store) Put(_ context.Context, data []byte) (string, error) {
	key := Key(data)
	p := s.path(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.fs.Stat(p); err == nil {
		return key, nil
	}

	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob tmp: %w", err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return key, nil
}

// Get returns the content stored under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes a blob. Missing blobs are ignored.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(s.path(key)); err != nil && !os.IsNotExist(err) && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
