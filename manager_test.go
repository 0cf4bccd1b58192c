package nest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	tests := []struct {
		name string
		path string
		hint Kind
		want Kind
	}{
		{name: "zip", path: "/a/book.zip", want: KindZip},
		{name: "comic zip", path: "/a/book.CBZ", want: KindZip},
		{name: "7z", path: "book.7z", want: KindSevenZip},
		{name: "pdf", path: "doc.pdf", want: KindPdf},
		{name: "tarball", path: "src.tar.gz", want: KindPlugin},
		{name: "plugin registry extension", path: "src.tbz2", want: KindPlugin},
		{name: "media", path: "clip.mp4", want: KindMedia},
		{name: "playlist", path: "list.playlist", want: KindPlaylist},
		{name: "trailing separator", path: "photos" + string(os.PathSeparator), want: KindFolder},
		{name: "unknown", path: "notes.txt", want: KindNone},
		{name: "hint for other extension ignored", path: "book.zip", hint: KindPdf, want: KindZip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, m.Detect(tt.path, tt.hint))
		})
	}
}

func TestDetectHintAndPriority(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Plugin.Extensions = append(cfg.Plugin.Extensions, "zip")
	m := newTestManagerWithConfig(t, cfg)

	assert.Equal(t, KindZip, m.Detect("a.zip", KindNone))
	assert.Equal(t, KindPlugin, m.Detect("a.zip", KindPlugin))

	cfg.PluginFirst = true
	require.NoError(t, m.SetConfig(cfg))
	assert.Equal(t, KindPlugin, m.Detect("a.zip", KindNone))

	cfg.Plugin.Enabled = false
	require.NoError(t, m.SetConfig(cfg))
	assert.Equal(t, KindZip, m.Detect("a.zip", KindPlugin))
}

func TestCreateArchiveReturnsCachedInstance(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeZip(t, filepath.Join(dir, "a.zip"), zipItem{"1.txt", "one"})
	m := newTestManager(t)
	ctx := context.Background()

	a1, err := m.OpenArchive(ctx, path)
	require.NoError(t, err)
	a2, err := m.OpenArchive(ctx, path)
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	a3, err := m.OpenArchive(ctx, path, WithIgnoreCache())
	require.NoError(t, err)
	assert.NotSame(t, a1, a3)

	a4, err := m.OpenArchive(ctx, path, WithHint(KindZip))
	require.NoError(t, err)
	assert.NotSame(t, a3, a4, "a different hint must not reuse the cached archive")
}

func TestCreateArchiveRecreatesStaleArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeZip(t, filepath.Join(dir, "a.zip"), zipItem{"1.txt", "one"})
	m := newTestManager(t)
	ctx := context.Background()

	a1, err := m.OpenArchive(ctx, path)
	require.NoError(t, err)

	writeZip(t, path, zipItem{"1.txt", "one"}, zipItem{"2.txt", "two"})
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	a2, err := m.OpenArchive(ctx, path)
	require.NoError(t, err)
	assert.NotSame(t, a1, a2)

	entries, err := a2.Entries(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.txt", "2.txt"}, entryNames(entries))
}

func TestCreateArchiveConcurrentCallersShareInstance(t *testing.T) {
	t.Parallel()

	path := writeZip(t, filepath.Join(t.TempDir(), "a.zip"), zipItem{"1.txt", "one"})
	m := newTestManager(t)

	const callers = 8
	got := make([]*Archive, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := m.OpenArchive(context.Background(), path)
			assert.NoError(t, err)
			got[i] = a
		}()
	}
	wg.Wait()
	for _, a := range got[1:] {
		assert.Same(t, got[0], a)
	}
}

func TestCreateArchiveUnsupported(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	m := newTestManager(t)

	_, err := m.OpenArchive(context.Background(), path)
	assert.ErrorIs(t, err, ErrNotSupported)

	_, err = m.OpenArchive(context.Background(), filepath.Join(dir, "missing.zip"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCacheDropsCollectedArchives(t *testing.T) {
	t.Parallel()

	path := writeZip(t, filepath.Join(t.TempDir(), "a.zip"), zipItem{"1.txt", "one"})
	m := newTestManager(t)

	func() {
		a, err := m.OpenArchive(context.Background(), path)
		require.NoError(t, err)
		_, err = a.Entries(context.Background(), false)
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		_, ok := m.cache.TryGet(path)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNestedArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inner := zipBytes(t, zipItem{"p1.jpg", "page one"})
	outer := writeZip(t, filepath.Join(dir, "outer.zip"),
		zipItem{"readme.txt", "hi"},
		zipItem{"vol/inner.zip", string(inner)},
	)
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.OpenArchive(ctx, outer)
	require.NoError(t, err)
	e := lookup(t, a, "vol/inner.zip")

	nested, err := m.CreateArchive(ctx, e)
	require.NoError(t, err)
	assert.True(t, nested.Nested())
	assert.Same(t, a, nested.Parent())
	assert.Equal(t, filepath.Join(outer, "vol", "inner.zip"), nested.Path())
	assert.NotEqual(t, nested.Path(), nested.Source())
	assert.False(t, nested.CanDelete([]*Entry{lookup(t, nested, "p1.jpg")}))

	p := lookup(t, nested, "p1.jpg")
	assert.Equal(t, filepath.Join(outer, "vol", "inner.zip", "p1.jpg"), p.SystemPath())
	assert.Equal(t, "page one", readEntry(t, nested, p))

	again, err := m.CreateArchive(ctx, e)
	require.NoError(t, err)
	assert.Same(t, nested, again)

	proxy := nested.Source()
	require.NoError(t, nested.Close())
	assert.NoFileExists(t, proxy)
}

func TestTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeZip(t, filepath.Join(dir, "a.zip"), zipItem{"doc/1.txt", "one"})
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.OpenArchive(ctx, path)
	require.NoError(t, err)
	e := lookup(t, a, "doc/1.txt")

	got, err := m.TempFile(ctx, e)
	require.NoError(t, err)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	assert.True(t, strings.HasSuffix(got, "1.txt"), got)

	again, err := m.TempFile(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	onDisk, err := NewFileEntry(path)
	require.NoError(t, err)
	direct, err := m.TempFile(ctx, onDisk)
	require.NoError(t, err)
	assert.Equal(t, path, direct)

	_, err = m.TempFile(ctx, lookup(t, a, "doc"))
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestTempFileLargerThanBudget(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TempMaxBytes = 4
	content := strings.Repeat("x", 100)
	path := writeZip(t, filepath.Join(t.TempDir(), "a.zip"), zipItem{"big.bin", content})
	m := newTestManagerWithConfig(t, cfg)
	ctx := context.Background()

	a, err := m.OpenArchive(ctx, path)
	require.NoError(t, err)

	got, err := m.TempFile(ctx, lookup(t, a, "big.bin"))
	require.NoError(t, err)
	require.FileExists(t, got)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestCreateArchiveFirstCallerCancelDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inner := zipBytes(t, zipItem{"p1.jpg", "page one"})
	outer := writeTar(t, filepath.Join(dir, "outer.tar"), zipItem{"inner.zip", string(inner)})
	m := newTestManager(t)

	a, err := m.OpenArchive(context.Background(), outer)
	require.NoError(t, err)
	require.Equal(t, KindPlugin, a.Kind())
	e := lookup(t, a, "inner.zip")

	// Hold the decoder family so creating the nested archive blocks.
	held := make(chan struct{})
	gate := make(chan struct{})
	go func() {
		_ = m.families[KindPlugin].Do(context.Background(), func() error {
			close(held)
			<-gate
			return nil
		})
	}()
	<-held

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := m.CreateArchive(leaderCtx, e)
		leaderErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type result struct {
		a   *Archive
		err error
	}
	follower := make(chan result, 1)
	go func() {
		nested, err := m.CreateArchive(context.Background(), e)
		follower <- result{nested, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-leaderErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}
	close(gate)

	select {
	case res := <-follower:
		require.NoError(t, res.err)
		assert.Equal(t, "page one", readEntry(t, res.a, lookup(t, res.a, "p1.jpg")))
	case <-time.After(5 * time.Second):
		t.Fatal("remaining caller did not finish")
	}
}

func TestManagerCloseClosesArchives(t *testing.T) {
	t.Parallel()

	path := writeZip(t, filepath.Join(t.TempDir(), "a.zip"), zipItem{"1.txt", "one"})
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.OpenArchive(ctx, path)
	require.NoError(t, err)
	e := lookup(t, a, "1.txt")

	require.NoError(t, m.Close())
	assert.True(t, a.Closed())

	_, err = a.Open(ctx, e, false)
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = e.Archive()
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = m.OpenArchive(ctx, path)
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestUnlockAllKeepsArchivesUsable(t *testing.T) {
	t.Parallel()

	path := writeZip(t, filepath.Join(t.TempDir(), "a.zip"), zipItem{"1.txt", "one"})
	m := newTestManager(t)

	a, err := m.OpenArchive(context.Background(), path)
	require.NoError(t, err)
	e := lookup(t, a, "1.txt")
	assert.Equal(t, "one", readEntry(t, a, e))

	m.UnlockAll()
	assert.Equal(t, "one", readEntry(t, a, e))
}

func TestSetConfigRejectsInvalid(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	cfg := DefaultConfig()
	cfg.FormatOrder = []Kind{KindPlaylist}
	err := m.SetConfig(cfg)
	require.Error(t, err)
	assert.Equal(t, DefaultConfig().FormatOrder, m.Config().FormatOrder)
}
