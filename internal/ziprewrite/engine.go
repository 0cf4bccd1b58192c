// Package ziprewrite deletes and renames entries of zip files on disk.
//
// Edits are applied by copying the zip to a temporary file next to it,
// rewriting the copy once per batch of pending operations and atomically
// replacing the original. One writer exists per zip path at a time:
// operations submitted while it runs are merged into its queue, so bursts
// of small edits cost a single copy and a single replace.
package ziprewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults for replacing the original file.
const (
	DefaultReplaceRetries = 5
	DefaultReplaceDelay   = 200 * time.Millisecond
)

var (
	// ErrNoOps is returned by Submit when called without operations.
	ErrNoOps = errors.New("ziprewrite: no operations")

	// ErrReplaceFailed is returned when the original file could not be
	// replaced within the retry budget, typically because another process
	// holds it open.
	ErrReplaceFailed = errors.New("ziprewrite: replace failed")
)

// Status reports how a Submit call ended.
type Status uint8

const (
	// StatusDone means the rewrite that included the caller's operations
	// finished (successfully or with the returned error).
	StatusDone Status = iota

	// StatusQueued means the operations were merged into a running rewrite
	// and the caller stopped waiting before it finished.
	StatusQueued
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusQueued:
		return "queued"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Tracker registers long running rewrites so they can be shown and
// canceled globally. Begin is called when a rewrite starts; the returned
// function is called when it ends.
type Tracker interface {
	Begin(label string, cancel context.CancelFunc) (end func())
}

// Hooks are called around the atomic replace of the original file.
type Hooks struct {
	// BeforeReplace runs before the original is replaced, typically to
	// release open handles on it.
	BeforeReplace func(path string)

	// AfterReplace runs after a successful replace.
	AfterReplace func(path string)
}

// Engine coordinates rewrites of zip files.
type Engine struct {
	mu      sync.Mutex
	writers map[string]*writer

	retries uint64
	delay   time.Duration
	tracker Tracker
	hooks   Hooks
	logger  *slog.Logger

	// rename is swapped in tests to simulate a locked destination.
	rename func(oldpath, newpath string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithReplaceRetry sets how many times a failed replace is retried and
// the delay between attempts.
func WithReplaceRetry(retries int, delay time.Duration) Option {
	return func(e *Engine) {
		if retries >= 0 {
			e.retries = uint64(retries)
		}
		if delay >= 0 {
			e.delay = delay
		}
	}
}

// WithTracker sets the progress tracker.
func WithTracker(t Tracker) Option {
	return func(e *Engine) {
		e.tracker = t
	}
}

// WithHooks sets the replace hooks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) {
		e.hooks = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		writers: make(map[string]*writer),
		retries: DefaultReplaceRetries,
		delay:   DefaultReplaceDelay,
		rename:  os.Rename,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// writer is the single active rewrite task for one path.
type writer struct {
	path    string
	pending []Op
	waiters int                // callers still waiting, guarded by Engine.mu
	cancel  context.CancelFunc // ends the run
	prev    *writer            // abandoned writer that must finish first
	gone    bool               // every caller left; the run is being aborted
	done    chan struct{}
	err     error // set before done is closed
}

// Busy reports whether a rewrite of path is running.
func (e *Engine) Busy(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.writers[cleanPath(path)]
	return ok
}

// Submit applies ops to the zip file at path.
//
// If no rewrite of path is running, Submit starts one. Otherwise ops are
// merged into the running rewrite. Either way Submit waits for the rewrite
// that includes ops. The rewrite runs on its own context: a caller whose
// ctx ends stops waiting and gets StatusQueued with a nil error while other
// callers still wait, since its operations will still be applied. When the
// last waiting caller leaves, the rewrite is aborted before the original
// is replaced and that caller gets ctx's error.
func (e *Engine) Submit(ctx context.Context, path string, ops []Op) (Status, error) {
	if len(ops) == 0 {
		return StatusDone, ErrNoOps
	}
	path = cleanPath(path)

	e.mu.Lock()
	w, ok := e.writers[path]
	if ok && !w.gone {
		w.pending = append(w.pending, ops...)
		w.waiters++
		e.mu.Unlock()
		e.log().Debug("zip rewrite queued", "path", path, "ops", len(ops))
		return e.wait(ctx, w)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	nw := &writer{
		path:    path,
		pending: append([]Op(nil), ops...),
		waiters: 1,
		cancel:  cancel,
		prev:    w,
		done:    make(chan struct{}),
	}
	e.writers[path] = nw
	e.mu.Unlock()

	go e.start(runCtx, nw)
	return e.wait(ctx, nw)
}

// start runs w once its abandoned predecessor, if any, has finished.
func (e *Engine) start(ctx context.Context, w *writer) {
	defer close(w.done)
	defer w.cancel()
	if w.prev != nil {
		<-w.prev.done
		w.prev = nil
	}
	if e.tracker != nil {
		end := e.tracker.Begin("Rewriting "+filepath.Base(w.path), w.cancel)
		defer end()
	}
	w.err = e.run(ctx, w)
}

func (e *Engine) wait(ctx context.Context, w *writer) (Status, error) {
	select {
	case <-w.done:
		return StatusDone, w.err
	case <-ctx.Done():
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-w.done:
		return StatusDone, w.err
	default:
	}
	w.waiters--
	if w.waiters > 0 {
		return StatusQueued, nil
	}
	// Later submits start a fresh writer behind this one.
	w.gone = true
	w.cancel()
	e.log().Debug("zip rewrite abandoned", "path", w.path)
	return StatusDone, ctx.Err()
}

// run drives w until its queue is empty after a replace, or until an error.
// The writer is detached from the engine before run returns.
func (e *Engine) run(ctx context.Context, w *writer) (err error) {
	defer func() {
		if err != nil {
			e.detach(w)
		}
	}()

	for {
		tmp, err := e.copyOriginal(ctx, w.path)
		if err != nil {
			return err
		}
		if err := e.drain(ctx, w, &tmp); err != nil {
			os.Remove(tmp) //nolint:errcheck // best-effort cleanup
			return err
		}
		if err := e.replace(ctx, tmp, w.path); err != nil {
			os.Remove(tmp) //nolint:errcheck // best-effort cleanup
			return err
		}
		if e.hooks.AfterReplace != nil {
			e.hooks.AfterReplace(w.path)
		}

		e.mu.Lock()
		if len(w.pending) == 0 || w.gone {
			if e.writers[w.path] == w {
				delete(e.writers, w.path)
			}
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()
		e.log().Debug("zip rewrite continuing with new requests", "path", w.path)
	}
}

// drain rewrites *tmp once per batch until the queue is empty.
func (e *Engine) drain(ctx context.Context, w *writer, tmp *string) error {
	pass := 0
	for {
		e.mu.Lock()
		batch := w.pending
		w.pending = nil
		e.mu.Unlock()
		if len(batch) == 0 {
			return nil
		}
		pass++
		next, stats, err := rewrite(ctx, *tmp, batch)
		if err != nil {
			return err
		}
		os.Remove(*tmp) //nolint:errcheck // best-effort cleanup
		*tmp = next
		e.log().Debug("zip rewrite pass",
			"path", w.path,
			"pass", pass,
			"ops", len(batch),
			"deleted", stats.deleted,
			"renamed", stats.renamed)
	}
}

func (e *Engine) detach(w *writer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writers[w.path] == w {
		delete(e.writers, w.path)
	}
}

// copyOriginal copies path to a new temporary file in the same directory.
func (e *Engine) copyOriginal(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ziprewrite: open %s: %w", path, err)
	}
	defer src.Close()

	dst, err := createSibling(path)
	if err != nil {
		return "", err
	}
	if _, err := copyContext(ctx, dst, src); err != nil {
		dst.Close()           //nolint:errcheck // best-effort cleanup
		os.Remove(dst.Name()) //nolint:errcheck // best-effort cleanup
		return "", fmt.Errorf("ziprewrite: copy %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name()) //nolint:errcheck // best-effort cleanup
		return "", fmt.Errorf("ziprewrite: copy %s: %w", path, err)
	}
	return dst.Name(), nil
}

// replace atomically moves tmp over path, retrying while the destination
// is locked.
func (e *Engine) replace(ctx context.Context, tmp, path string) error {
	if e.hooks.BeforeReplace != nil {
		e.hooks.BeforeReplace(path)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil {
		os.Chmod(tmp, info.Mode().Perm()) //nolint:errcheck // keep original permissions when possible
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if e.retries > 0 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(e.delay), e.retries)
	}
	attempt := 0
	b := backoff.WithContext(policy, ctx)
	err := backoff.Retry(func() error {
		attempt++
		if err := e.rename(tmp, path); err != nil {
			e.log().Debug("replace zip failed", "path", path, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}, b)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %w", ErrReplaceFailed, path, err)
	}
	return nil
}

func cleanPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
