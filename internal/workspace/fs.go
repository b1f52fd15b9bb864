// Package workspace implements the workspace side of remote tool execution:
// an afero-backed file view, the HTTP endpoint that runs file, command and
// git tools against it, and the client the orchestrator uses to call it.
package workspace

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// ErrOutsideWorkspace is returned for paths that escape the workspace root.
var ErrOutsideWorkspace = errors.New("path escapes workspace")

// skipDirs are directories never listed.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".hg":          true,
}

// Local is a workspace directory seen through afero. Paths are relative to
// the workspace root.
type Local struct {
	fs   afero.Fs
	root string // OS directory backing fs, empty for in-memory workspaces
}

// NewLocal returns a workspace rooted at dir on the OS filesystem.
func NewLocal(dir string) *Local {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &Local{fs: afero.NewBasePathFs(afero.NewOsFs(), dir), root: dir}
}

// NewMemory returns an in-memory workspace.
func NewMemory() *Local {
	return &Local{fs: afero.NewMemMapFs()}
}

// NewFromFs wraps an existing afero filesystem.
func NewFromFs(fsys afero.Fs) *Local {
	return &Local{fs: fsys}
}

// Root returns the OS directory of the workspace, or "" when in memory.
func (l *Local) Root() string { return l.root }

// Fs exposes the underlying filesystem.
func (l *Local) Fs() afero.Fs { return l.fs }

// Clean normalizes a workspace-relative path. Absolute paths are taken as
// relative to the root; ".." may not climb above it.
func Clean(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	rel := strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/")
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}
	return cleaned, nil
}

// ReadFile returns the content of p. Missing files yield an error matching
// fs.ErrNotExist.
func (l *Local) ReadFile(_ context.Context, p string) ([]byte, error) {
	clean, err := Clean(p)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(l.fs, clean)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", clean, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", clean, err)
	}
	return data, nil
}

// WriteFile atomically replaces p with data, creating parent directories.
func (l *Local) WriteFile(_ context.Context, p string, data []byte) error {
	clean, err := Clean(p)
	if err != nil {
		return err
	}
	if dir := path.Dir(clean); dir != "." {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	tmp := clean + ".podex-tmp"
	if err := afero.WriteFile(l.fs, tmp, data, 0o644); err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", clean, err)
	}
	if err := l.fs.Rename(tmp, clean); err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", clean, err)
	}
	return nil
}

// Remove deletes p. Missing files are not an error.
func (l *Local) Remove(_ context.Context, p string) error {
	clean, err := Clean(p)
	if err != nil {
		return err
	}
	if err := l.fs.Remove(clean); err != nil && !isNotExist(err) {
		return fmt.Errorf("remove %s: %w", clean, err)
	}
	return nil
}

// Rename moves from to to, creating the destination directory.
func (l *Local) Rename(_ context.Context, from, to string) error {
	src, err := Clean(from)
	if err != nil {
		return err
	}
	dst, err := Clean(to)
	if err != nil {
		return err
	}
	if _, err := l.fs.Stat(src); err != nil {
		if isNotExist(err) {
			return fmt.Errorf("rename %s: %w", src, fs.ErrNotExist)
		}
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if dir := path.Dir(dst); dir != "." {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	if err := l.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Exists reports whether p exists.
func (l *Local) Exists(_ context.Context, p string) (bool, error) {
	clean, err := Clean(p)
	if err != nil {
		return false, err
	}
	return afero.Exists(l.fs, clean)
}

// Glob lists regular files matching a doublestar pattern, sorted.
func (l *Local) Glob(_ context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "**"
	}
	pattern = strings.TrimPrefix(pattern, "/")
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}

	var out []string
	err := afero.Walk(l.fs, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if skipDirs[info.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		rel := strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "./")
		if doublestar.MatchUnvalidated(pattern, rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(out)
	return out, nil
}

// maxSnapshotFile bounds the files whose content a snapshot keeps.
const maxSnapshotFile = 1 << 20

type fileState struct {
	sum     uint64
	content []byte
	kept    bool // false above maxSnapshotFile
}

// snapshot records the hash of every listed file, and the content of those
// small enough to restore.
func (l *Local) snapshot() (map[string]fileState, error) {
	out := make(map[string]fileState)
	err := afero.Walk(l.fs, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if skipDirs[info.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		data, err := afero.ReadFile(l.fs, p)
		if err != nil {
			return err
		}
		st := fileState{sum: xxhash.Sum64(data)}
		if len(data) <= maxSnapshotFile {
			st.content, st.kept = data, true
		}
		out[strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "./")] = st
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot workspace: %w", err)
	}
	return out, nil
}

// diffSnapshots lists what changed between two snapshots, sorted by path.
func diffSnapshots(before, after map[string]fileState) []ChangedFile {
	var out []ChangedFile
	for p, b := range before {
		a, ok := after[p]
		switch {
		case !ok:
			out = append(out, changedWithBefore(p, ChangeDelete, b))
		case a.sum != b.sum:
			out = append(out, changedWithBefore(p, ChangeModify, b))
		}
	}
	for p := range after {
		if _, ok := before[p]; !ok {
			out = append(out, ChangedFile{Path: p, Op: ChangeCreate})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func changedWithBefore(p, op string, b fileState) ChangedFile {
	c := ChangedFile{Path: p, Op: op}
	if !b.kept {
		c.BeforeOmitted = true
	} else {
		c.Before = base64.StdEncoding.EncodeToString(b.content)
	}
	return c
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}
