package nest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/nest/internal/flight"
	"github.com/meigma/nest/internal/native"
	"github.com/meigma/nest/internal/pathutil"
	"github.com/meigma/nest/internal/temp"
	"github.com/meigma/nest/internal/weakcache"
	"github.com/meigma/nest/internal/ziprewrite"
)

// Manager detects formats, creates archives and caches them while they are
// referenced. It is safe for concurrent use.
//
// The cache holds weak references: an archive stays cached exactly as long
// as something else keeps it alive.
type Manager struct {
	cfgMu    sync.RWMutex
	cfg      *Config
	priority atomic.Pointer[[]Kind]
	dirty    atomic.Bool

	cache     *weakcache.Cache[string, Archive]
	group     flight.Group
	tempGroup flight.Group
	store     *temp.Store
	rewriter  *ziprewrite.Engine
	families  map[Kind]*native.Family
	passwords passwordCache

	prompter PasswordPrompter
	notifier Notifier
	plugins  *PluginRegistry
	renderer PageRenderer
	tracker  ProgressTracker
	observer func(PreExtractEvent)
	logger   *slog.Logger

	closed atomic.Bool
}

// NewManager creates a manager. The temp directory is created lazily.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		plugins: DefaultPluginRegistry(),
		families: map[Kind]*native.Family{
			KindSevenZip: native.NewFamily("7z"),
			KindPlugin:   native.NewFamily("plugin"),
			KindPdf:      native.NewFamily("pdf"),
		},
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.cfg == nil {
		cfg := DefaultConfig()
		m.cfg = &cfg
	}
	m.dirty.Store(true)

	store, err := temp.New(m.cfg.TempDir,
		temp.WithMaxBytes(m.cfg.TempMaxBytes),
		temp.WithLogger(m.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("nest: create temp store: %w", err)
	}
	m.store = store
	m.cache = weakcache.New[string, Archive](m.cfg.CacheSweepThreshold)

	var tracker ziprewrite.Tracker
	if m.tracker != nil {
		tracker = m.tracker
	}
	m.rewriter = ziprewrite.New(
		ziprewrite.WithReplaceRetry(m.cfg.ReplaceRetries, time.Duration(m.cfg.ReplaceDelay)),
		ziprewrite.WithTracker(tracker),
		ziprewrite.WithHooks(ziprewrite.Hooks{
			BeforeReplace: m.unlockSource,
			AfterReplace:  m.invalidateSource,
		}),
		ziprewrite.WithLogger(m.logger),
	)
	return m, nil
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// Config returns a copy of the current configuration.
func (m *Manager) Config() Config {
	return m.config().clone()
}

func (m *Manager) config() *Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// SetConfig replaces the configuration. Archives that are already open keep
// the configuration they were created with. The temp budget and the replace
// retry policy are fixed when the manager is created.
func (m *Manager) SetConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("nest: set config: %w", err)
	}
	c := cfg.clone()
	m.cfgMu.Lock()
	m.cfg = &c
	m.cfgMu.Unlock()
	m.dirty.Store(true)
	return nil
}

// priorityList returns the detection order, recomputing it after a
// configuration change.
func (m *Manager) priorityList() []Kind {
	if m.dirty.CompareAndSwap(true, false) {
		p := m.config().priority()
		m.priority.Store(&p)
	}
	if p := m.priority.Load(); p != nil {
		return *p
	}
	return m.config().priority()
}

// Detect returns the format for path. A trailing separator means a folder.
// A hint other than KindNone wins when that format claims the extension.
// Detect returns KindNone when no enabled format claims path.
func (m *Manager) Detect(path string, hint Kind) Kind {
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(os.PathSeparator)) {
		return KindFolder
	}
	return m.detectName(filepath.Base(path), hint)
}

func (m *Manager) detectName(name string, hint Kind) Kind {
	cfg := m.config()
	if hint != KindNone && m.claims(cfg, hint, name) {
		return hint
	}
	for _, k := range m.priorityList() {
		if m.claims(cfg, k, name) {
			return k
		}
	}
	return KindNone
}

func (m *Manager) claims(cfg *Config, k Kind, name string) bool {
	fc := cfg.format(k)
	if !fc.Enabled {
		return false
	}
	if pathutil.HasExt(name, fc.Extensions) {
		return true
	}
	return k == KindPlugin && pathutil.HasExt(name, m.plugins.Extensions())
}

// OpenArchive opens the file or directory at path.
func (m *Manager) OpenArchive(ctx context.Context, path string, opts ...CreateOption) (*Archive, error) {
	e, err := NewFileEntry(path)
	if err != nil {
		return nil, err
	}
	return m.CreateArchive(ctx, e, opts...)
}

// CreateArchive returns the archive for e, which is a real file or
// directory, or a file inside another archive.
//
// A cached archive is returned when its source is unchanged and it was
// created with the same hint and plugin. Nested archives are opened from a private
// copy of the entry, which is deleted when the archive is released.
func (m *Manager) CreateArchive(ctx context.Context, e *Entry, opts ...CreateOption) (*Archive, error) {
	if m.closed.Load() {
		return nil, ErrDisposed
	}
	if e == nil {
		return nil, fmt.Errorf("nest: create archive: nil entry: %w", ErrNotFound)
	}
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	kind := KindFolder
	if e.dir {
		if !e.real {
			return nil, pathError("create", e.String(), ErrNotSupported)
		}
	} else if kind = m.detectName(e.name, o.hint); kind == KindNone {
		return nil, pathError("create", e.String(), ErrNotSupported)
	}

	key := e.sysPath
	st, err := m.currentStamp(e)
	if err != nil {
		return nil, pathError("create", key, err)
	}

	if !o.ignoreCache {
		if a, ok := m.cached(key, st, o); ok {
			return a, nil
		}
	}

	flightKey := key + "\x00" + o.hint.String() + "\x00" + o.plugin
	v, err := m.group.Do(ctx, flightKey, func(ctx context.Context) (any, error) {
		if !o.ignoreCache {
			if a, ok := m.cached(key, st, o); ok {
				return a, nil
			}
		}
		return m.create(ctx, e, kind, st, o)
	})
	if err != nil {
		return nil, err
	}
	a, _ := v.(*Archive) //nolint:errcheck // type assertion always succeeds when err is nil
	return a, nil
}

func (m *Manager) cached(key string, st stamp, o createOptions) (*Archive, bool) {
	a, ok := m.cache.TryGet(key)
	if !ok {
		return nil, false
	}
	if a.Closed() || !a.stamp.matches(st) || a.hint != o.hint || a.plugin != o.plugin {
		m.log().Debug("stale archive in cache", "archive", key)
		return nil, false
	}
	return a, true
}

// currentStamp reads the live version of e's source.
func (m *Manager) currentStamp(e *Entry) (stamp, error) {
	if !e.real {
		return stamp{modTime: e.modified, size: e.size}, nil
	}
	info, err := os.Stat(e.sysPath)
	if err != nil {
		return stamp{}, err
	}
	return stamp{modTime: info.ModTime(), size: info.Size()}, nil
}

func (m *Manager) create(ctx context.Context, e *Entry, kind Kind, st stamp, o createOptions) (*Archive, error) {
	key := e.sysPath
	source := key
	var (
		parent *Archive
		proxy  *temp.File
		err    error
	)
	if !e.real {
		if parent, err = e.Archive(); err != nil {
			return nil, pathError("create", key, err)
		}
		if proxy, err = m.proxy(ctx, parent, e); err != nil {
			return nil, pathError("create", key, err)
		}
		source = proxy.Path()
	}

	cfg := m.config()
	dir := m.store.NewDir(kind.String())
	env := &formatEnv{
		kind:   kind,
		key:    key,
		source: source,
		nested: parent != nil,
		cfg:    cfg,
		keyring: &keyring{
			key:      key,
			cache:    &m.passwords,
			prompter: m.prompter,
			notifier: m.notifier,
		},
		family:     m.families[kind],
		rewriter:   m.rewriter,
		renderer:   m.renderer,
		plugins:    m.plugins,
		pluginName: o.plugin,
		dir:        dir,
		logger:     m.logger,
	}
	if parent != nil {
		// Nested archives are read only.
		env.rewriter = nil
	}
	f, err := newFormat(env)
	if err != nil {
		dir.Remove() //nolint:errcheck // best-effort cleanup
		if proxy != nil {
			proxy.Unpin()
			proxy.Remove() //nolint:errcheck // best-effort cleanup
		}
		return nil, err
	}

	a := &Archive{
		m:      m,
		kind:   kind,
		key:    key,
		source: source,
		parent: parent,
		hint:   o.hint,
		plugin: o.plugin,
		stamp:  st,
		cfg:    cfg,
		format: f,
		res:    &resources{format: f, dir: dir, proxy: proxy, logger: m.log()},
		logger: m.logger,
	}
	a.init(m.observer)
	m.cache.Add(key, a)
	m.log().Debug("created archive", "archive", key, "kind", kind, "nested", parent != nil)
	return a, nil
}

// proxy copies the nested entry e out of parent into a pinned temp file.
func (m *Manager) proxy(ctx context.Context, parent *Archive, e *Entry) (*temp.File, error) {
	rc, err := parent.Open(ctx, e, true)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	f, err := m.store.CreateFile("", e.Base())
	if err != nil {
		return nil, err
	}
	path := f.Name()
	if _, err := copyContext(ctx, f, rc); err != nil {
		f.Close()       //nolint:errcheck // best-effort cleanup
		os.Remove(path) //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path) //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	tf, err := m.store.TrackPinned(path, path)
	if err != nil {
		os.Remove(path) //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	return tf, nil
}

// forget drops a from the cache if it is still the cached instance.
func (m *Manager) forget(a *Archive) {
	m.cache.RemoveIf(a.key, a)
}

// UnlockAll releases the decoder handles of every live archive so other
// programs can modify the files. It does not wait: a handle in use by a
// running call, such as a pre-extraction run, is released when that call
// returns.
func (m *Manager) UnlockAll() {
	for _, a := range m.cache.Live() {
		a.Unlock()
	}
}

func (m *Manager) unlockSource(path string) {
	for _, a := range m.bySource(path) {
		a.Unlock()
	}
}

// invalidateSource drops handles and listings that may have been taken on
// the replaced file.
func (m *Manager) invalidateSource(path string) {
	for _, a := range m.bySource(path) {
		a.Unlock()
		a.invalidate()
	}
}

func (m *Manager) bySource(path string) []*Archive {
	path = filepath.Clean(path)
	var out []*Archive
	for _, a := range m.cache.Live() {
		if filepath.Clean(a.source) == path {
			out = append(out, a)
		}
	}
	return out
}

// ClearPasswords forgets every remembered archive password.
func (m *Manager) ClearPasswords() {
	m.passwords.clear()
}

// TempFile returns a file on disk holding the content of e, for handing to
// programs that need a path. Real files are returned as is. Other entries
// are extracted once into the temp store, where they may be evicted when
// the store exceeds its budget.
func (m *Manager) TempFile(ctx context.Context, e *Entry) (string, error) {
	if m.closed.Load() {
		return "", ErrDisposed
	}
	if e == nil {
		return "", fmt.Errorf("nest: temp file: nil entry: %w", ErrNotFound)
	}
	if e.dir || e.IsPlaceholder() {
		return "", pathError("tempfile", e.String(), ErrNotSupported)
	}
	if e.real {
		return e.sysPath, nil
	}
	a, err := e.Archive()
	if err != nil {
		return "", pathError("tempfile", e.String(), err)
	}

	key := digest.FromString(fmt.Sprintf("%s\x00%d\x00%d", e.sysPath, e.size, e.modified.UnixNano())).Encoded()
	if f, ok := m.store.Get(key); ok {
		return f.Path(), nil
	}
	v, err := m.tempGroup.Do(ctx, key, func(ctx context.Context) (any, error) {
		if f, ok := m.store.Get(key); ok {
			return f.Path(), nil
		}
		return m.extractTemp(ctx, a, e, key)
	})
	if err != nil {
		return "", err
	}
	path, _ := v.(string) //nolint:errcheck // type assertion always succeeds when err is nil
	return path, nil
}

func (m *Manager) extractTemp(ctx context.Context, a *Archive, e *Entry, key string) (string, error) {
	f, err := m.store.CreateFile("", e.Base())
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close() //nolint:errcheck // replaced by Extract
	if err := a.Extract(ctx, e, path, true); err != nil {
		os.Remove(path) //nolint:errcheck // best-effort cleanup
		return "", err
	}
	if _, err := m.store.Track(key, path); err != nil {
		os.Remove(path) //nolint:errcheck // best-effort cleanup
		return "", err
	}
	m.log().Debug("extracted temp file", "entry", e.sysPath, "path", path)
	return path, nil
}

// Close closes every live archive and deletes the temp directory.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, a := range m.cache.Live() {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
