package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vmtool/vm/pkg/vmerrors"
)

func TestAtomicWriteCreatesParentsAndIsReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "index.json")

	assert.NoError(t, AtomicWrite(path, []byte(`{"ok":true}`), 0o644))

	data, err := ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}

func TestAtomicWriteOverwritesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")

	assert.NoError(t, AtomicWrite(path, []byte("first"), 0o644))
	assert.NoError(t, AtomicWrite(path, []byte("second"), 0o644))

	data, err := ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestReadFileMissingReturnsNotFoundKind(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, vmerrors.NotFound, vmerrors.KindOf(err))
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")

	exists, err := Exists(path)
	assert.NoError(t, err)
	assert.False(t, exists)

	assert.NoError(t, AtomicWrite(path, []byte("x"), 0o644))
	exists, err = Exists(path)
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestAppendLineAppendsNewlineTerminatedRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index", "serde.json")

	assert.NoError(t, AppendLine(path, `{"vers":"1.0.0"}`))
	assert.NoError(t, AppendLine(path, `{"vers":"1.0.1"}`))

	data, err := ReadFile(path)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Equal(t, []string{`{"vers":"1.0.0"}`, `{"vers":"1.0.1"}`}, lines)
}

func TestListByRecencyOrdersNewestFirstAndSkipsDirs(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, AtomicWrite(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	assert.NoError(t, AtomicWrite(filepath.Join(dir, "b.txt"), []byte("bb"), 0o644))
	assert.NoError(t, os.MkdirAll(filepath.Join(dir, "subdir"), 0o755))
	older := time.Now().Add(-time.Hour)
	assert.NoError(t, os.Chtimes(filepath.Join(dir, "a.txt"), older, older))

	entries, err := ListByRecency(dir)
	assert.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"b.txt", "a.txt"}, names)
}

func TestListByRecencyMissingDirReturnsEmpty(t *testing.T) {
	entries, err := ListByRecency(filepath.Join(t.TempDir(), "nope"))
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCopyStreamWritesDestinationAndReturnsByteCount(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "tarballs", "pkg-1.0.0.tgz")

	n, err := CopyStream(dst, 0o644, strings.NewReader("payload-bytes"))
	assert.NoError(t, err)
	assert.EqualValues(t, len("payload-bytes"), n)

	data, err := ReadFile(dst)
	assert.NoError(t, err)
	assert.Equal(t, "payload-bytes", string(data))
}
