package archive_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/doublemover/kubolti/internal/archive"
)

func writeZip(t *testing.T, path string, members map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range members {
		entry, err := writer.Create(name)
		assert.NoError(t, err)
		_, err = entry.Write([]byte(content))
		assert.NoError(t, err)
	}
	assert.NoError(t, writer.Close())
	assert.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func writeTar(t *testing.T, path string, members map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	writer := tar.NewWriter(&buf)
	for name, content := range members {
		assert.NoError(t, writer.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := writer.Write([]byte(content))
		assert.NoError(t, err)
	}
	assert.NoError(t, writer.Close())
	assert.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "tool.zip")
	writeZip(t, archivePath, map[string]string{
		"bin/DSFTool":  "binary",
		"README":       "docs",
		"data/x/y.txt": "nested",
	})

	destination := filepath.Join(dir, "out")
	extracted, err := archive.Extract(archivePath, destination)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(extracted))

	payload, err := os.ReadFile(filepath.Join(destination, "bin", "DSFTool"))
	assert.NoError(t, err)
	assert.Equal(t, "binary", string(payload))
}

// TestExtractRejectsTraversal covers the classic ../ escape: the member
// must not land outside the destination, and nothing already extracted
// is retained.
func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "evil.tar")
	writeTar(t, archivePath, map[string]string{
		"safe.txt":      "ok",
		"../root2/evil": "escape",
	})

	destination := filepath.Join(dir, "root")
	assert.NoError(t, os.MkdirAll(destination, 0o755))
	_, err := archive.Extract(archivePath, destination)
	assert.Error(t, err)
	assert.True(t, archive.ErrUnsafePath.Has(err))

	// The sibling-prefix target does not exist.
	_, statErr := os.Stat(filepath.Join(dir, "root2", "evil"))
	assert.True(t, os.IsNotExist(statErr))
	// The safe member extracted before the bad one was rolled back.
	_, statErr = os.Stat(filepath.Join(destination, "safe.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractRejectsAbsolutePaths(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "abs.tar")
	writeTar(t, archivePath, map[string]string{"/etc/evil": "x"})
	_, err := archive.Extract(archivePath, filepath.Join(dir, "out"))
	assert.Error(t, err)
	assert.True(t, archive.ErrUnsafePath.Has(err))
}

// TestExtractSiblingPrefix is the string-prefix trap: "root2" shares a
// prefix with destination "root" but is not a descendant.
func TestExtractSiblingPrefix(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "sibling.zip")
	writeZip(t, archivePath, map[string]string{"../root2/x": "escape"})

	destination := filepath.Join(dir, "root")
	assert.NoError(t, os.MkdirAll(destination, 0o755))
	_, err := archive.Extract(archivePath, destination)
	assert.Error(t, err)
	assert.True(t, archive.ErrUnsafePath.Has(err))
}

func TestExtractRejectsSymlinks(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "link.tar")
	var buf bytes.Buffer
	writer := tar.NewWriter(&buf)
	assert.NoError(t, writer.WriteHeader(&tar.Header{
		Name:     "link",
		Typeflag: tar.TypeSymlink,
		Linkname: "/etc/passwd",
	}))
	assert.NoError(t, writer.Close())
	assert.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0o644))

	_, err := archive.Extract(archivePath, filepath.Join(dir, "out"))
	assert.Error(t, err)
	assert.True(t, archive.ErrUnsafePath.Has(err))
}

func TestExtractUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "tool.rar")
	assert.NoError(t, os.WriteFile(archivePath, []byte("x"), 0o644))
	_, err := archive.Extract(archivePath, dir)
	assert.Error(t, err)
}
