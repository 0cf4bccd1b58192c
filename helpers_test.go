package nest

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

var fixtureTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type zipItem struct {
	name    string
	content string
}

func zipBytes(t *testing.T, items ...zipItem) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, it := range items {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: it.name, Method: zip.Deflate, Modified: fixtureTime})
		require.NoError(t, err)
		_, err = io.WriteString(w, it.content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeZip(t *testing.T, path string, items ...zipItem) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, zipBytes(t, items...), 0o644))
	return path
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	return newTestManagerWithConfig(t, cfg, opts...)
}

func newTestManagerWithConfig(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	m, err := NewManager(append([]Option{WithConfig(cfg)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func entryNames(entries []*Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func readEntry(t *testing.T, a *Archive, e *Entry) string {
	t.Helper()
	rc, err := a.Open(context.Background(), e, true)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func lookup(t *testing.T, a *Archive, name string) *Entry {
	t.Helper()
	e, err := a.Lookup(context.Background(), name)
	require.NoError(t, err)
	return e
}
