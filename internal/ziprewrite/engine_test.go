package ziprewrite

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixtureTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixtureFile struct {
	name    string
	content string
}

func writeZip(t *testing.T, path string, files ...fixtureFile) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, ff := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: ff.name, Method: zip.Deflate, Modified: fixtureTime})
		require.NoError(t, err)
		_, err = io.WriteString(w, ff.content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func readZip(t *testing.T, path string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	out := make(map[string]string, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(data)
	}
	return out
}

func target(name, content string) Target {
	return Target{Name: name, Size: int64(len(content)), Modified: fixtureTime}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".nest-rewrite-"), "leftover temp file %s", e.Name())
	}
}

func TestSubmitDeletesEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZip(t, path,
		fixtureFile{"keep.txt", "keep"},
		fixtureFile{"drop.txt", "drop"},
		fixtureFile{"photos/1.jpg", "one"},
		fixtureFile{"photos/2.jpg", "two"},
	)

	e := New()
	status, err := e.Submit(context.Background(), path, []Op{
		Delete(target("drop.txt", "drop")),
		Delete(Target{Name: "photos", Dir: true}),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status)

	assert.Equal(t, map[string]string{"keep.txt": "keep"}, readZip(t, path))
	assert.False(t, e.Busy(path))
	assertNoTempFiles(t, dir)
}

func TestSubmitMatchesBySizeAndTime(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.zip")
	writeZip(t, path, fixtureFile{"a.txt", "abc"})

	e := New()
	_, err := e.Submit(context.Background(), path, []Op{
		Delete(Target{Name: "a.txt", Size: 99, Modified: fixtureTime}),
		Delete(Target{Name: "a.txt", Size: 3, Modified: fixtureTime.Add(time.Hour)}),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "abc"}, readZip(t, path))
}

func TestSubmitCoalescesConcurrentDeletes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZip(t, path,
		fixtureFile{"1.txt", "1"},
		fixtureFile{"2.txt", "2"},
		fixtureFile{"3.txt", "3"},
	)

	release := make(chan struct{})
	var replaces atomic.Int32
	e := New(WithHooks(Hooks{
		BeforeReplace: func(string) {
			if replaces.Add(1) == 1 {
				<-release
			}
		},
	}))

	var wg sync.WaitGroup
	results := make([]error, 2)
	statuses := make([]Status, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		statuses[0], results[0] = e.Submit(context.Background(), path, []Op{Delete(target("1.txt", "1"))})
	}()
	require.Eventually(t, func() bool { return replaces.Load() == 1 }, 5*time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		statuses[1], results[1] = e.Submit(context.Background(), path, []Op{Delete(target("3.txt", "3"))})
	}()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		w := e.writers[cleanPath(path)]
		return w != nil && len(w.pending) == 1
	}, 5*time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, results[0])
	require.NoError(t, results[1])
	assert.Equal(t, []Status{StatusDone, StatusDone}, statuses)
	assert.Equal(t, map[string]string{"2.txt": "2"}, readZip(t, path))
	assert.False(t, e.Busy(path))
	assertNoTempFiles(t, dir)
}

func TestSubmitQueuedCallerStopsWaiting(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.zip")
	writeZip(t, path, fixtureFile{"1.txt", "1"}, fixtureFile{"2.txt", "2"})

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	e := New(WithHooks(Hooks{
		BeforeReplace: func(string) {
			once.Do(func() {
				close(entered)
				<-release
			})
		},
	}))

	done := make(chan error, 1)
	go func() {
		_, err := e.Submit(context.Background(), path, []Op{Delete(target("1.txt", "1"))})
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, err := e.Submit(ctx, path, []Op{Delete(target("2.txt", "2"))})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)

	close(release)
	require.NoError(t, <-done)
	assert.Empty(t, readZip(t, path))
}

// writerGone reports whether every caller of the writer for path left.
func writerGone(e *Engine, path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.writers[cleanPath(path)]
	return w == nil || w.gone
}

func TestSubmitCancelLeavesOriginal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZip(t, path, fixtureFile{"1.txt", "1"}, fixtureFile{"2.txt", "2"})
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var e *Engine
	e = New(WithHooks(Hooks{BeforeReplace: func(p string) {
		cancel()
		deadline := time.Now().Add(5 * time.Second)
		for !writerGone(e, p) && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}}))

	_, err = e.Submit(ctx, path, []Op{Delete(target("1.txt", "1"))})
	require.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool { return !e.Busy(path) }, 5*time.Second, time.Millisecond)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assertNoTempFiles(t, dir)
}

func TestSubmitFirstCallerCancelDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZip(t, path, fixtureFile{"a.txt", "a"}, fixtureFile{"b.txt", "b"}, fixtureFile{"c.txt", "c"})

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	e := New(WithHooks(Hooks{
		BeforeReplace: func(string) {
			once.Do(func() {
				close(entered)
				<-release
			})
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		status Status
		err    error
	}
	first := make(chan result, 1)
	go func() {
		status, err := e.Submit(ctx, path, []Op{Delete(target("a.txt", "a"))})
		first <- result{status, err}
	}()
	<-entered

	second := make(chan result, 1)
	go func() {
		status, err := e.Submit(context.Background(), path, []Op{Delete(target("b.txt", "b"))})
		second <- result{status, err}
	}()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		w := e.writers[cleanPath(path)]
		return w != nil && w.waiters == 2
	}, 5*time.Second, time.Millisecond)

	cancel()
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, StatusQueued, r.status)

	close(release)
	r = <-second
	require.NoError(t, r.err)
	assert.Equal(t, StatusDone, r.status)
	assert.Equal(t, map[string]string{"c.txt": "c"}, readZip(t, path))
	assertNoTempFiles(t, dir)
}

func TestSubmitAfterAbandonedRunStartsFresh(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZip(t, path, fixtureFile{"1.txt", "1"}, fixtureFile{"2.txt", "2"})

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	e := New(WithHooks(Hooks{
		BeforeReplace: func(string) {
			once.Do(func() {
				close(entered)
				<-release
			})
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := e.Submit(ctx, path, []Op{Delete(target("1.txt", "1"))})
		first <- err
	}()
	<-entered
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	second := make(chan error, 1)
	go func() {
		_, err := e.Submit(context.Background(), path, []Op{Delete(target("2.txt", "2"))})
		second <- err
	}()
	close(release)

	require.NoError(t, <-second)
	assert.Equal(t, map[string]string{"1.txt": "1"}, readZip(t, path), "the abandoned delete is not applied")
	require.Eventually(t, func() bool { return !e.Busy(path) }, 5*time.Second, time.Millisecond)
	assertNoTempFiles(t, dir)
}

func TestReplaceRetriesLockedDestination(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.zip")
	writeZip(t, path, fixtureFile{"1.txt", "1"}, fixtureFile{"2.txt", "2"})

	e := New(WithReplaceRetry(3, time.Millisecond))
	var attempts atomic.Int32
	e.rename = func(oldpath, newpath string) error {
		if attempts.Add(1) <= 2 {
			return errors.New("file is locked")
		}
		return os.Rename(oldpath, newpath)
	}

	_, err := e.Submit(context.Background(), path, []Op{Delete(target("1.txt", "1"))})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, map[string]string{"2.txt": "2"}, readZip(t, path))
}

func TestReplaceGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZip(t, path, fixtureFile{"1.txt", "1"})

	e := New(WithReplaceRetry(2, time.Millisecond))
	var attempts atomic.Int32
	e.rename = func(string, string) error {
		attempts.Add(1)
		return errors.New("file is locked")
	}

	_, err := e.Submit(context.Background(), path, []Op{Delete(target("1.txt", "1"))})
	require.ErrorIs(t, err, ErrReplaceFailed)
	assert.Equal(t, int32(3), attempts.Load())
	assert.False(t, e.Busy(path), "failed writer must detach")
	assertNoTempFiles(t, dir)

	// a later attempt starts clean
	e.rename = os.Rename
	_, err = e.Submit(context.Background(), path, []Op{Delete(target("1.txt", "1"))})
	require.NoError(t, err)
	assert.Empty(t, readZip(t, path))
}

func TestSubmitRenames(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.zip")
	writeZip(t, path,
		fixtureFile{"old.txt", "text"},
		fixtureFile{"dir/", ""},
		fixtureFile{"dir/a.txt", "a"},
		fixtureFile{"other.txt", "o"},
	)

	e := New()
	_, err := e.Submit(context.Background(), path, []Op{
		Rename(target("old.txt", "text"), "new.txt"),
		Rename(Target{Name: "dir", Dir: true}, "renamed"),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"new.txt":       "text",
		"renamed/":      "",
		"renamed/a.txt": "a",
		"other.txt":     "o",
	}, readZip(t, path))
}

func TestSubmitRejectsInvalidRename(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.zip")
	writeZip(t, path, fixtureFile{"a.txt", "a"})

	e := New()
	_, err := e.Submit(context.Background(), path, []Op{Rename(target("a.txt", "a"), "../escape.txt")})
	require.ErrorIs(t, err, ErrInvalidName)
	assert.Equal(t, map[string]string{"a.txt": "a"}, readZip(t, path))
}

func TestSubmitMissingFile(t *testing.T) {
	t.Parallel()

	e := New()
	path := filepath.Join(t.TempDir(), "missing.zip")
	_, err := e.Submit(context.Background(), path, []Op{Delete(Target{Name: "x", Size: -1})})
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, e.Busy(path))

	_, err = e.Submit(context.Background(), path, nil)
	require.ErrorIs(t, err, ErrNoOps)
}

type recordingTracker struct {
	mu     sync.Mutex
	labels []string
	ended  int
}

func (r *recordingTracker) Begin(label string, _ context.CancelFunc) func() {
	r.mu.Lock()
	r.labels = append(r.labels, label)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.ended++
		r.mu.Unlock()
	}
}

func TestSubmitRegistersWithTracker(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "book.zip")
	writeZip(t, path, fixtureFile{"a.txt", "a"})

	tracker := &recordingTracker{}
	e := New(WithTracker(tracker))
	_, err := e.Submit(context.Background(), path, []Op{Delete(target("a.txt", "a"))})
	require.NoError(t, err)
	assert.Equal(t, []string{"Rewriting book.zip"}, tracker.labels)
	assert.Equal(t, 1, tracker.ended)
}
