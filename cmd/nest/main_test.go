package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Now()})
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// nestRun runs the CLI and returns its exit code and output.
func nestRun(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"nest", "--temp-dir", t.TempDir()}, args...)
	code := run(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLI(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "book.zip")
	writeZip(t, archive, map[string]string{
		"pages/10.png": "ten",
		"pages/2.png":  "two",
		"notes.txt":    "notes",
	})

	t.Run("ls", func(t *testing.T) {
		code, out, errOut := nestRun(t, "ls", archive)
		require.Equal(t, 0, code, errOut)
		assert.Contains(t, out, "notes.txt")
		assert.Contains(t, out, "pages/")
		assert.NotContains(t, out, "pages/2.png")

		code, out, _ = nestRun(t, "ls", "-r", filepath.Join(archive, "pages"))
		require.Equal(t, 0, code)
		assert.Contains(t, out, "pages/2.png")
		assert.NotContains(t, out, "notes.txt")
	})

	t.Run("cat", func(t *testing.T) {
		code, out, errOut := nestRun(t, "cat", filepath.Join(archive, "notes.txt"))
		require.Equal(t, 0, code, errOut)
		assert.Equal(t, "notes", out)
	})

	t.Run("thumb", func(t *testing.T) {
		code, out, errOut := nestRun(t, "thumb", archive)
		require.Equal(t, 0, code, errOut)
		assert.Equal(t, filepath.Join(archive, "pages", "2.png")+"\n", out)
	})

	t.Run("extract", func(t *testing.T) {
		dest := t.TempDir()
		code, _, errOut := nestRun(t, "extract", filepath.Join(archive, "pages"), dest)
		require.Equal(t, 0, code, errOut)

		data, err := os.ReadFile(filepath.Join(dest, "10.png"))
		require.NoError(t, err)
		assert.Equal(t, "ten", string(data))
		assert.NoFileExists(t, filepath.Join(dest, "notes.txt"))
	})

	t.Run("missing path", func(t *testing.T) {
		code, _, errOut := nestRun(t, "cat", filepath.Join(archive, "missing.txt"))
		assert.Equal(t, 1, code)
		assert.Contains(t, errOut, "nest:")
	})
}

func TestCLIEdits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "a.zip")
	writeZip(t, archive, map[string]string{
		"keep.txt":   "keep",
		"drop-1.txt": "1",
		"drop-2.txt": "2",
		"old.txt":    "old",
		"sub/a.txt":  "a",
	})

	code, _, errOut := nestRun(t, "rm", filepath.Join(archive, "drop-1.txt"), filepath.Join(archive, "drop-2.txt"))
	require.Equal(t, 0, code, errOut)

	code, _, errOut = nestRun(t, "mv", filepath.Join(archive, "old.txt"), "new.txt")
	require.Equal(t, 0, code, errOut)

	code, _, errOut = nestRun(t, "mv", filepath.Join(archive, "sub", "a.txt"), "b.txt")
	require.Equal(t, 0, code, errOut)

	code, out, _ := nestRun(t, "ls", "-r", archive)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "keep.txt")
	assert.Contains(t, out, "new.txt")
	assert.Contains(t, out, "sub/b.txt")
	assert.NotContains(t, out, "drop-")
	assert.NotContains(t, out, "old.txt")
	assert.NotContains(t, out, "a.txt")

	plain := filepath.Join(dir, "loose.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	code, _, errOut = nestRun(t, "rm", plain)
	require.Equal(t, 0, code, errOut)
	assert.NoFileExists(t, plain)
}
