package nest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openZip(t *testing.T, m *Manager, items ...zipItem) *Archive {
	t.Helper()
	path := writeZip(t, filepath.Join(t.TempDir(), "a.zip"), items...)
	a, err := m.OpenArchive(context.Background(), path)
	require.NoError(t, err)
	return a
}

func TestEntriesSynthesizesDirectories(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := openZip(t, m,
		zipItem{"a/b/c.txt", "c"},
		zipItem{"a/d.txt", "d"},
		zipItem{"__MACOSX/a/._c.txt", "junk"},
		zipItem{"top.txt", "top"},
	)

	entries, err := a.Entries(context.Background(), false)
	require.NoError(t, err)
	want := []string{"a", "a/b", "a/b/c.txt", "a/d.txt", "top.txt"}
	if diff := cmp.Diff(want, entryNames(entries)); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	for _, e := range entries[:2] {
		assert.True(t, e.IsPlaceholder(), e.Name())
		assert.True(t, e.IsDir())
		assert.Equal(t, -1, e.ID())
		assert.Equal(t, int64(-1), e.Size())
	}
	assert.Equal(t, int64(1), entries[2].Size())
}

func TestEntriesListOnce(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := openZip(t, m, zipItem{"1.txt", "one"})
	ctx := context.Background()

	first, err := a.Entries(ctx, false)
	require.NoError(t, err)
	second, err := a.Entries(ctx, false)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Same(t, first[0], second[0], "a second listing must reuse the cached entries")
}

func TestEntriesUnder(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := openZip(t, m,
		zipItem{"a/1.txt", "1"},
		zipItem{"a/b/2.txt", "2"},
		zipItem{"c.txt", "c"},
	)
	ctx := context.Background()

	tests := []struct {
		name      string
		subpath   string
		recursive bool
		want      []string
	}{
		{name: "root shallow", subpath: "", want: []string{"a", "c.txt"}},
		{name: "dir shallow", subpath: "a", want: []string{"a/1.txt", "a/b"}},
		{name: "dir recursive", subpath: "a/", recursive: true, want: []string{"a/1.txt", "a/b", "a/b/2.txt"}},
		{name: "missing", subpath: "zzz", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.EntriesUnder(ctx, tt.subpath, tt.recursive, false)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, entryNames(got))
		})
	}
}

func TestEntriesMarksDuplicates(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := openZip(t, m, zipItem{"x.txt", "first"}, zipItem{"x.txt", "second"})

	entries, err := a.Entries(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Duplicate())
	assert.True(t, entries[1].Duplicate())

	assert.Equal(t, "first", readEntry(t, a, lookup(t, a, "x.txt")))
	assert.Equal(t, "second", readEntry(t, a, entries[1]))
}

func TestOpenRejectsPlaceholders(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := openZip(t, m, zipItem{"dir/1.txt", "one"})
	ctx := context.Background()
	dir := lookup(t, a, "dir")
	require.True(t, dir.IsPlaceholder())

	_, err := a.Open(ctx, dir, false)
	assert.ErrorIs(t, err, ErrNotSupported)

	err = a.Extract(ctx, dir, filepath.Join(t.TempDir(), "out"), false)
	assert.ErrorIs(t, err, ErrNotSupported)

	_, err = a.Open(ctx, nil, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsForeignEntries(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := openZip(t, m, zipItem{"1.txt", "one"})
	b := openZip(t, m, zipItem{"1.txt", "other"})

	_, err := a.Open(context.Background(), lookup(t, b, "1.txt"), false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtract(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := openZip(t, m, zipItem{"1.txt", "one"})
	e := lookup(t, a, "1.txt")
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "out", "1.txt")

	require.NoError(t, a.Extract(ctx, e, dest, false))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(e.Modified()))

	require.NoError(t, os.WriteFile(dest, []byte("keep"), 0o644))
	err = a.Extract(ctx, e, dest, false)
	assert.ErrorIs(t, err, os.ErrExist)
	data, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))

	require.NoError(t, a.Extract(ctx, e, dest, true))
	data, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestZipDelete(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := openZip(t, m,
		zipItem{"1.txt", "one"},
		zipItem{"2.txt", "two"},
		zipItem{"dir/3.txt", "three"},
	)
	ctx := context.Background()

	targets := []*Entry{lookup(t, a, "1.txt"), lookup(t, a, "dir")}
	require.True(t, a.CanDelete(targets))
	res, err := a.Delete(ctx, targets)
	require.NoError(t, err)
	assert.Equal(t, DeleteDone, res)

	entries, err := a.Entries(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"2.txt"}, entryNames(entries))
	assert.Equal(t, "two", readEntry(t, a, entries[0]))
}

func TestZipConcurrentDeletesAllApply(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	items := []zipItem{{"1.txt", "1"}, {"2.txt", "2"}, {"3.txt", "3"}, {"4.txt", "4"}, {"keep.txt", "k"}}
	a := openZip(t, m, items...)
	ctx := context.Background()

	entries, err := a.Entries(ctx, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, e := range entries[:4] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Delete(ctx, []*Entry{e})
			assert.NoError(t, err)
			assert.Equal(t, DeleteDone, res)
		}()
	}
	wg.Wait()

	got, err := a.Entries(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, entryNames(got))
}

func TestZipRename(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := openZip(t, m, zipItem{"1.txt", "one"}, zipItem{"2.txt", "two"})
	ctx := context.Background()

	e := lookup(t, a, "1.txt")
	require.True(t, a.CanRename(e))
	err := a.Rename(ctx, e, "2.txt")
	assert.ErrorIs(t, err, os.ErrExist)

	require.NoError(t, a.Rename(ctx, e, "new/one.txt"))
	assert.Equal(t, "one", readEntry(t, a, lookup(t, a, "new/one.txt")))
	_, err = a.Lookup(ctx, "1.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFolderArchive(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "deep.txt"), []byte("d"), 0o644))

	m := newTestManager(t)
	ctx := context.Background()
	a, err := m.OpenArchive(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, KindFolder, a.Kind())

	entries, err := a.Entries(ctx, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "sub"}, entryNames(entries))

	file := lookup(t, a, "a.txt")
	assert.True(t, file.IsReal())
	assert.Equal(t, filepath.Join(root, "a.txt"), file.SystemPath())
	assert.Equal(t, "a", readEntry(t, a, file))

	require.NoError(t, a.Rename(ctx, file, "b.txt"))
	assert.FileExists(t, filepath.Join(root, "b.txt"))

	res, err := a.Delete(ctx, []*Entry{lookup(t, a, "sub")})
	require.NoError(t, err)
	assert.Equal(t, DeleteDone, res)
	assert.NoDirExists(t, filepath.Join(root, "sub"))

	entries, err = a.Entries(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, entryNames(entries))
}

func TestArchiveCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := openZip(t, m, zipItem{"1.txt", "one"})
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := a.Entries(context.Background(), false)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.False(t, a.CanDelete([]*Entry{}))
}
