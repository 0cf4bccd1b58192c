package platform

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyZoneWithoutMarker(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("b"), 0o644))

	_, err := ReadZone(src)
	assert.ErrorIs(t, err, ErrNoZone)
	assert.NoError(t, CopyZone(src, dst))
}

func TestCopyZoneRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("b"), 0o644))

	marker := []byte("https://example.com/book.zip")
	if err := WriteZone(src, marker); err != nil {
		t.Skipf("filesystem does not support zone markers: %v", err)
	}
	if _, err := ReadZone(src); errors.Is(err, ErrNoZone) {
		t.Skip("zone markers are not supported on this platform")
	}

	require.NoError(t, CopyZone(src, dst))
	got, err := ReadZone(dst)
	require.NoError(t, err)
	assert.Equal(t, marker, got)
}
