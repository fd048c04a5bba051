// Package storage provides the crash-safe file primitives shared by
// the registry and config engines, at caller-chosen paths: atomic
// whole-file replacement (temp file + fsync + rename), serialized
// append, and directory scans ordered by modification time. Grounded
// on the teacher's pkg/commands/os.go (AppendLineToFile, CreateTempFile,
// FileExists, Remove) generalized from "best-effort local file" to
// "durable index/package store" per spec section 5's atomic-write
// requirement.
package storage

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// pathLocks serializes concurrent writers to the same path so two
// publish requests for the same index file can't interleave their
// temp-file-then-rename sequence. Keyed by absolute path.
var (
	pathLocksMu sync.Mutex
	pathLocks   = map[string]*sync.Mutex{}
)

func lockFor(path string) *sync.Mutex {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	pathLocksMu.Lock()
	defer pathLocksMu.Unlock()
	m, ok := pathLocks[abs]
	if !ok {
		m = &sync.Mutex{}
		pathLocks[abs] = m
	}
	return m
}

// AtomicWrite writes data to path by first writing to a sibling temp
// file, fsyncing it, then renaming it over path. The rename is atomic
// on POSIX filesystems, so readers never observe a partially written
// file.
func AtomicWrite(path string, data []byte, perm fs.FileMode) error {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "create parent directory")
	}

	tmpName := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "create temp file")
	}
	defer os.Remove(tmpName)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return vmerrors.Wrap(vmerrors.Filesystem, err, "write temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return vmerrors.Wrap(vmerrors.Filesystem, err, "fsync temp file")
	}
	if err := f.Close(); err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "rename temp file into place")
	}
	return nil
}

// AppendLine serializes concurrent appends to path (mirrors the
// teacher's AppendLineToFile, but under the same path-keyed lock
// AtomicWrite uses so an index rewrite and an append never interleave).
func AppendLine(path, line string) error {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "create parent directory")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "open file for append")
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "append line")
	}
	return nil
}

// ReadFile reads the whole file at path, returning a NotFound-kind
// error when it doesn't exist so callers can branch without a second
// os.IsNotExist check.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vmerrors.Newf(vmerrors.NotFound, "file not found: %s", path).WithIdentifier(path)
		}
		return nil, vmerrors.Wrap(vmerrors.Filesystem, err, "read file")
	}
	return data, nil
}

// Exists reports whether path exists, mirroring the teacher's FileExists.
func Exists(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, vmerrors.Wrap(vmerrors.Filesystem, err, "stat file")
	}
	return true, nil
}

// Remove removes a file or directory at path, tolerating it already
// being absent (mirrors the teacher's Remove, which wraps os.RemoveAll).
func Remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "remove path")
	}
	return nil
}

// Entry describes one file discovered by ListByRecency.
type Entry struct {
	Name    string
	Path    string
	Size    int64
	ModTime int64
}

// ListByRecency lists the regular files directly under dir, most
// recently modified first, ties broken by name. Used by the PyPI root
// index listing and the Cargo whole-crate delete.
func ListByRecency(dir string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, vmerrors.Wrap(vmerrors.Filesystem, err, "read directory")
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime != out[j].ModTime {
			return out[i].ModTime > out[j].ModTime
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// CopyStream copies from src to the file at dstPath, creating it with
// perm, without buffering the whole payload in memory. Used by the
// PyPI upload handler to write the uploaded file to local disk.
func CopyStream(dstPath string, perm fs.FileMode, src io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, vmerrors.Wrap(vmerrors.Filesystem, err, "create parent directory")
	}
	f, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return 0, vmerrors.Wrap(vmerrors.Filesystem, err, "create destination file")
	}
	defer f.Close()

	n, err := io.Copy(f, src)
	if err != nil {
		return n, vmerrors.Wrap(vmerrors.Filesystem, err, "stream to destination file")
	}
	return n, nil
}
