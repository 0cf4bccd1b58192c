package nest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/meigma/nest/internal/extract"
	"github.com/meigma/nest/internal/pathutil"
	"github.com/meigma/nest/internal/platform"
	"github.com/meigma/nest/internal/temp"
)

// DeleteResult reports how a delete request ended.
type DeleteResult uint8

const (
	// DeleteDone means the entries are gone.
	DeleteDone DeleteResult = iota

	// DeleteQueued means the request joined a rewrite that was still
	// running when the caller stopped waiting. The entries will be removed
	// when it finishes.
	DeleteQueued
)

func (r DeleteResult) String() string {
	if r == DeleteQueued {
		return "queued"
	}
	return "done"
}

// format is one archive variant. Implementations must not reference the
// Archive: they are released by a cleanup attached to it.
type format interface {
	kind() Kind

	// list returns the entries reported by the decoder. The base filters,
	// synthesizes directories and caches the result.
	list(ctx context.Context, decrypt bool) ([]*Entry, error)

	// open decodes one entry directly.
	open(ctx context.Context, e *Entry, decrypt bool) (io.ReadCloser, error)

	// preExtractable reports whether entries should be read through a
	// background bulk extraction. Valid after list.
	preExtractable() bool

	// preExtract decodes every entry known to byID and writes it to the
	// committer returned by sink.
	preExtract(ctx context.Context, byID func(id int) *Entry, sink sinkFunc) error

	// unlock releases decoder handles so the file is no longer held open.
	unlock()

	close() error
}

type sinkFunc func(e *Entry) (extract.Committer, error)

type deleter interface {
	canDelete(entries []*Entry) bool
	delete(ctx context.Context, entries, all []*Entry) (DeleteResult, error)
}

type renamer interface {
	canRename(e *Entry) bool
	rename(ctx context.Context, e *Entry, name string, all []*Entry) error
}

// stamp identifies the version of an archive's source file.
type stamp struct {
	modTime time.Time
	size    int64
}

func (s stamp) matches(o stamp) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

// resources are released when the archive is closed or collected.
type resources struct {
	once   sync.Once
	format format
	dir    *temp.Dir
	proxy  *temp.File
	logger *slog.Logger
	err    error
}

func (r *resources) release() error {
	r.once.Do(func() {
		var errs []error
		if err := r.format.close(); err != nil {
			errs = append(errs, err)
		}
		if r.dir != nil {
			if err := r.dir.Remove(); err != nil {
				r.logger.Warn("remove archive temp dir", "error", err)
			}
		}
		if r.proxy != nil {
			r.proxy.Unpin()
			if err := r.proxy.Remove(); err != nil {
				r.logger.Warn("remove proxy file", "path", r.proxy.Path(), "error", err)
			}
		}
		r.err = errors.Join(errs...)
	})
	return r.err
}

// Archive is one open container: a folder, an archive file or a playlist.
//
// Archives are created and cached by a [Manager]. They are safe for
// concurrent use. Closing an archive releases its decoder handles and
// deletes its private temp files; an archive that is no longer referenced
// is released the same way by the garbage collector.
type Archive struct {
	m      *Manager
	kind   Kind
	key    string // path identifying the archive across nesting
	source string // file or directory on disk the decoder reads
	parent *Archive
	hint   Kind
	plugin string
	stamp  stamp
	cfg    *Config
	format format
	res    *resources
	pre    *PreExtractor
	logger *slog.Logger
	self   weak.Pointer[Archive]

	mu          sync.Mutex
	entries     []*Entry
	activations int

	closed atomic.Bool
}

func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// init wires the pre-extractor and the cleanup. Called once by the manager.
func (a *Archive) init(observer func(PreExtractEvent)) {
	a.self = weak.Make(a)
	a.pre = newPreExtractor(a.key, a.format.preExtractable, a.preExtractAll, observer, a.logger)
	runtime.AddCleanup(a, func(r *resources) {
		r.release() //nolint:errcheck // nobody left to report to
	}, a.res)
}

// Kind returns the archive format.
func (a *Archive) Kind() Kind { return a.kind }

// Path returns the path identifying the archive, which for nested archives
// crosses the parent archive, as in "/books/a.zip/inner.7z".
func (a *Archive) Path() string { return a.key }

// Source returns the file or directory on disk the decoder reads. For
// nested archives this is a private proxy copy.
func (a *Archive) Source() string { return a.source }

// Parent returns the archive this one was extracted from, or nil.
func (a *Archive) Parent() *Archive { return a.parent }

// Nested reports whether the archive was extracted from another archive.
func (a *Archive) Nested() bool { return a.parent != nil }

// Closed reports whether Close has been called.
func (a *Archive) Closed() bool { return a.closed.Load() }

// PreExtractor returns the archive's background extractor.
func (a *Archive) PreExtractor() *PreExtractor { return a.pre }

// Entries returns all entries, listing them on first use. The list is
// cached until the archive is modified; directories implied by deeper
// entries are synthesized as placeholders.
func (a *Archive) Entries(ctx context.Context, decrypt bool) ([]*Entry, error) {
	if a.closed.Load() {
		return nil, ErrDisposed
	}
	a.mu.Lock()
	cached := a.entries
	a.mu.Unlock()
	if cached != nil {
		return slices.Clone(cached), nil
	}

	listed, err := a.listAsync(ctx, decrypt)
	if err != nil {
		return nil, pathError("list", a.key, a.classify(err))
	}
	entries := a.build(listed)

	a.mu.Lock()
	a.entries = entries
	a.mu.Unlock()
	a.log().Debug("listed archive", "archive", a.key, "kind", a.kind, "entries", len(entries))
	return slices.Clone(entries), nil
}

// EntriesUnder returns the entries below subpath. When recursive is false
// only entries exactly one segment below subpath are returned.
func (a *Archive) EntriesUnder(ctx context.Context, subpath string, recursive, decrypt bool) ([]*Entry, error) {
	all, err := a.Entries(ctx, decrypt)
	if err != nil {
		return nil, err
	}
	dir := pathutil.Normalize(subpath)
	prefix := pathutil.DirPrefix(dir)
	out := make([]*Entry, 0, len(all))
	for _, e := range all {
		if !pathutil.IsUnder(e.name, dir) {
			continue
		}
		if _, deeper := pathutil.Child(e.name, prefix); deeper && !recursive {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Lookup returns the entry with the given name. It does not prompt for a
// password, so archives with encrypted entry names fail with
// ErrPasswordRequired until they have been listed with decryption.
func (a *Archive) Lookup(ctx context.Context, name string) (*Entry, error) {
	return a.lookup(ctx, name, false)
}

func (a *Archive) lookup(ctx context.Context, name string, decrypt bool) (*Entry, error) {
	all, err := a.Entries(ctx, decrypt)
	if err != nil {
		return nil, err
	}
	name = pathutil.Normalize(name)
	for _, e := range all {
		if e.name == name && !e.duplicate {
			return e, nil
		}
	}
	return nil, pathError("lookup", pathutil.Join(a.key, name), ErrNotFound)
}

// listAsync runs the format listing on its own goroutine so the caller can
// stop waiting when ctx ends.
func (a *Archive) listAsync(ctx context.Context, decrypt bool) ([]*Entry, error) {
	type result struct {
		entries []*Entry
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		entries, err := a.format.list(ctx, decrypt)
		ch <- result{entries, err}
	}()
	select {
	case r := <-ch:
		return r.entries, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// build filters excluded paths, marks duplicates and synthesizes directory
// placeholders for prefixes implied by deeper entries.
func (a *Archive) build(listed []*Entry) []*Entry {
	known := make(map[string]bool, len(listed))
	for _, e := range listed {
		if e.dir {
			known[e.name] = true
		}
	}
	seen := make(map[string]bool, len(listed))
	out := make([]*Entry, 0, len(listed))
	for _, e := range listed {
		if e.name == "" || pathutil.Excluded(e.name, a.cfg.ExcludedPaths) {
			continue
		}
		for _, dir := range pathutil.Parents(e.name) {
			if known[dir] {
				continue
			}
			known[dir] = true
			out = append(out, a.adopt(newPlaceholder(dir)))
		}
		if seen[e.name] {
			e.duplicate = true
		}
		seen[e.name] = true
		out = append(out, a.adopt(e))
	}
	return out
}

func (a *Archive) adopt(e *Entry) *Entry {
	e.archive = a.self
	if !e.real {
		e.sysPath = pathutil.Join(a.key, e.name)
	}
	return e
}

// invalidate drops the cached entry list.
func (a *Archive) invalidate() {
	a.mu.Lock()
	a.entries = nil
	a.mu.Unlock()
}

func (a *Archive) checkEntry(op string, e *Entry) error {
	if a.closed.Load() {
		return ErrDisposed
	}
	if e == nil {
		return pathError(op, a.key, ErrNotFound)
	}
	if e.archive.Value() != a {
		return pathError(op, e.String(), fmt.Errorf("entry belongs to another archive: %w", ErrNotFound))
	}
	if e.IsPlaceholder() || e.dir {
		return pathError(op, e.String(), ErrNotSupported)
	}
	return nil
}

// Open returns a stream over the content of e.
//
// Materialized content is read directly. Otherwise, for formats that
// pre-extract, Open waits for the background extraction to produce e, and
// falls back to decoding e directly.
func (a *Archive) Open(ctx context.Context, e *Entry, decrypt bool) (io.ReadCloser, error) {
	if err := a.checkEntry("open", e); err != nil {
		return nil, err
	}
	rc, err := a.openStream(ctx, e, decrypt)
	if err != nil {
		return nil, pathError("open", e.String(), a.classify(err))
	}
	return rc, nil
}

func (a *Archive) openStream(ctx context.Context, e *Entry, decrypt bool) (io.ReadCloser, error) {
	if p := e.loadPayload(); p != nil {
		return p.Open()
	}
	if a.pre.Enabled() {
		if err := a.pre.WaitFor(ctx, e); err != nil {
			return nil, err
		}
		if p := e.loadPayload(); p != nil {
			return p.Open()
		}
	}
	return a.format.open(ctx, e, decrypt)
}

// Extract writes the content of e to dest. An existing dest is replaced
// only when overwrite is true. The network marker of the archive is copied
// onto dest when present.
func (a *Archive) Extract(ctx context.Context, e *Entry, dest string, overwrite bool) error {
	if err := a.checkEntry("extract", e); err != nil {
		return err
	}
	if err := a.extract(ctx, e, dest, overwrite); err != nil {
		return pathError("extract", e.String(), a.classify(err))
	}
	a.copyZone(e, dest)
	return nil
}

func (a *Archive) extract(ctx context.Context, e *Entry, dest string, overwrite bool) error {
	w, err := extract.NewDestWriter(dest, extract.WithOverwrite(overwrite), extract.WithModTime(e.modified))
	if err != nil {
		return err
	}
	rc, err := a.openStream(ctx, e, true)
	if err != nil {
		w.Discard() //nolint:errcheck // best-effort cleanup
		return err
	}
	defer rc.Close()
	if _, err := copyContext(ctx, w, rc); err != nil {
		w.Discard() //nolint:errcheck // best-effort cleanup
		return err
	}
	return w.Commit()
}

// copyZone propagates the network marker onto dest. Failures are logged.
func (a *Archive) copyZone(e *Entry, dest string) {
	src := a.root().source
	if e.real {
		src = e.sysPath
	}
	if err := platform.CopyZone(src, dest); err != nil {
		a.log().Warn("copy zone marker", "source", src, "dest", dest, "error", err)
	}
}

// root returns the outermost archive of the nesting chain.
func (a *Archive) root() *Archive {
	r := a
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// CanDelete reports whether Delete would accept entries.
func (a *Archive) CanDelete(entries []*Entry) bool {
	d, ok := a.format.(deleter)
	if !ok || a.closed.Load() || a.Nested() || len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		if e == nil || e.archive.Value() != a {
			return false
		}
	}
	return d.canDelete(entries)
}

// Delete removes entries from the archive. Only folders and top level zip
// files support deletion.
func (a *Archive) Delete(ctx context.Context, entries []*Entry) (DeleteResult, error) {
	if a.closed.Load() {
		return DeleteDone, ErrDisposed
	}
	if !a.CanDelete(entries) {
		return DeleteDone, pathError("delete", a.key, ErrNotSupported)
	}
	all, err := a.Entries(ctx, false)
	if err != nil {
		return DeleteDone, err
	}
	res, err := a.format.(deleter).delete(ctx, entries, all)
	a.invalidate()
	if err != nil {
		return res, pathError("delete", a.key, a.classify(err))
	}
	a.log().Debug("deleted entries", "archive", a.key, "count", len(entries), "result", res)
	return res, nil
}

// CanRename reports whether Rename would accept e.
func (a *Archive) CanRename(e *Entry) bool {
	r, ok := a.format.(renamer)
	if !ok || a.closed.Load() || a.Nested() || e == nil || e.archive.Value() != a {
		return false
	}
	return r.canRename(e)
}

// Rename moves e to name, a slash-separated path inside the archive.
func (a *Archive) Rename(ctx context.Context, e *Entry, name string) error {
	if a.closed.Load() {
		return ErrDisposed
	}
	if !a.CanRename(e) {
		return pathError("rename", a.key, ErrNotSupported)
	}
	name = pathutil.Normalize(name)
	if name == "" || name == e.name {
		return pathError("rename", e.String(), fmt.Errorf("invalid name %q: %w", name, ErrNotSupported))
	}
	all, err := a.Entries(ctx, false)
	if err != nil {
		return err
	}
	for _, other := range all {
		if other.name == name {
			return pathError("rename", e.String(), fmt.Errorf("%s: %w", name, os.ErrExist))
		}
	}
	err = a.format.(renamer).rename(ctx, e, name, all)
	a.invalidate()
	if err != nil {
		return pathError("rename", e.String(), a.classify(err))
	}
	return nil
}

// ActivatePreExtractor marks the archive as in use by a viewer. The first
// activation resumes the pre-extractor.
func (a *Archive) ActivatePreExtractor() {
	a.mu.Lock()
	a.activations++
	first := a.activations == 1
	a.mu.Unlock()
	if first {
		a.pre.Resume()
	}
}

// DeactivatePreExtractor releases one activation. The last one puts the
// pre-extractor to sleep, canceling any run in progress.
func (a *Archive) DeactivatePreExtractor() {
	a.mu.Lock()
	if a.activations == 0 {
		a.mu.Unlock()
		return
	}
	a.activations--
	last := a.activations == 0
	a.mu.Unlock()
	if last {
		a.pre.Sleep()
	}
}

// Unlock releases decoder handles on the source file without closing the
// archive. They are reopened on next use.
func (a *Archive) Unlock() {
	a.format.unlock()
}

// Close cancels background work, releases decoder handles and deletes the
// archive's private temp files. Entries of a closed archive can no longer
// be opened.
func (a *Archive) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.pre.shutdown()
	if a.m != nil {
		a.m.forget(a)
	}
	a.log().Debug("closed archive", "archive", a.key)
	return a.res.release()
}

// preExtractAll is the pre-extractor's run function.
func (a *Archive) preExtractAll(ctx context.Context) error {
	entries, err := a.Entries(ctx, true)
	if err != nil {
		return err
	}
	byID := make(map[int]*Entry, len(entries))
	for _, e := range entries {
		if e.id >= 0 && !e.dir {
			byID[e.id] = e
		}
	}
	lookup := func(id int) *Entry {
		e := byID[id]
		if e == nil || e.Materialized() {
			return nil
		}
		return e
	}
	if err := a.format.preExtract(ctx, lookup, a.sink()); err != nil {
		return a.classify(err)
	}
	return nil
}

// sink chooses memory or a private temp file for each entry.
func (a *Archive) sink() sinkFunc {
	policy := a.policy()
	return func(e *Entry) (extract.Committer, error) {
		if !policy.UseFile(e.name, e.size) {
			return extract.NewMemoryWriter(e.size, func(p *extract.Payload) { e.publish(p) }), nil
		}
		dir, err := a.res.dir.Ensure()
		if err != nil {
			return nil, err
		}
		return extract.NewFileWriter(dir, e.Base(), func(p *extract.Payload) {
			if !e.publish(p) {
				os.Remove(p.Path()) //nolint:errcheck // already materialized
			}
		})
	}
}

func (a *Archive) policy() extract.Policy {
	return extract.Policy{
		MemoryLimit: a.cfg.PreExtractMemoryLimit,
		ForceFile: func(name string) bool {
			return a.m != nil && a.m.detectName(name, KindNone) != KindNone
		},
	}
}

// classify maps decoder password failures to ErrWrongPassword.
func (a *Archive) classify(err error) error {
	if err == nil || IsCanceled(err) || errors.Is(err, ErrPasswordRequired) || errors.Is(err, ErrWrongPassword) {
		return err
	}
	if pc, ok := a.format.(interface{ isPasswordError(error) bool }); ok && pc.isPasswordError(err) {
		return fmt.Errorf("%w: %w", ErrWrongPassword, err)
	}
	return err
}

func (a *Archive) String() string {
	return a.kind.String() + ":" + a.key
}

// copyContext copies src to dst, checking ctx between chunks.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 128<<10)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				return n, werr
			}
			if nw != nr {
				return n, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}
