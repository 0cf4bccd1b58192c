// Package temp manages the engine's temporary files.
//
// A Store owns one root directory. Archives receive private subdirectories
// (Dir) that are removed when the archive is disposed; standalone files are
// tracked by key with a pin count and a last-access time so the store can
// evict the least recently used unpinned files once it exceeds its size
// budget.
package temp

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

const (
	defaultDirPerm = 0o700
	rootPrefix     = "nest-"
)

// Store is the root of the temp-file subsystem. It is safe for concurrent use.
type Store struct {
	root     string
	ownsRoot bool
	dirPerm  os.FileMode
	maxBytes int64        // 0 = unlimited
	bytes    atomic.Int64 // total size of tracked files
	mu       sync.Mutex   // guards files
	files    map[string]*File
	pruneMu  sync.Mutex // serializes prune operations
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes sets the size budget for tracked files.
// Values <= 0 disable the limit.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// WithDirPerm sets the permissions used for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithLogger sets the logger for cleanup failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// withClock overrides the access clock in tests.
func withClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store. When parent is empty a fresh directory is created
// under the system temp directory; otherwise a fresh directory is created
// inside parent. The root is removed by Close.
func New(parent string, opts ...Option) (*Store, error) {
	s := &Store{
		dirPerm: defaultDirPerm,
		files:   make(map[string]*File),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if parent != "" {
		if err := os.MkdirAll(parent, s.dirPerm); err != nil {
			return nil, fmt.Errorf("temp: create parent: %w", err)
		}
	}
	root, err := os.MkdirTemp(parent, rootPrefix)
	if err != nil {
		return nil, fmt.Errorf("temp: create root: %w", err)
	}
	s.root = root
	s.ownsRoot = true
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// NewDir reserves a private directory. The directory is created lazily on
// the first call to Ensure so archives that never materialize anything do
// not touch the disk.
func (s *Store) NewDir(prefix string) *Dir {
	return &Dir{store: s, prefix: sanitize(prefix)}
}

// CreateFile creates a new, uniquely named file in dir (the root when dir is
// empty). The original base name is kept as a suffix so decoders that sniff
// extensions still recognize the file.
func (s *Store) CreateFile(dir, name string) (*os.File, error) {
	if dir == "" {
		dir = s.root
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, fmt.Errorf("temp: create dir: %w", err)
	}
	const attempts = 10
	base := sanitize(filepath.Base(name))
	for range attempts {
		suffix, err := randomSuffix()
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, suffix+"-"+base)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600) //nolint:gosec // path is built inside the store root
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("temp: create file: %w", err)
		}
	}
	return nil, errors.New("temp: create file: exhausted retries")
}

// Track registers an existing file under key so it takes part in the size
// budget and LRU eviction. Tracking a key twice replaces the earlier file,
// which is removed unless it is the same path. The budget is enforced
// against older files only: the new file survives its own Track even when
// it alone exceeds the budget.
func (s *Store) Track(key, path string) (*File, error) {
	return s.track(key, path, false)
}

// TrackPinned is Track with the file pinned before the budget is enforced,
// so the new file itself is never evicted. Unpin releases it.
func (s *Store) TrackPinned(key, path string) (*File, error) {
	return s.track(key, path, true)
}

func (s *Store) track(key, path string, pin bool) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("temp: track: %w", err)
	}
	f := &File{store: s, key: key, path: path, size: info.Size()}
	if pin {
		f.pins.Store(1)
	}
	f.touch()

	s.mu.Lock()
	prev := s.files[key]
	s.files[key] = f
	if prev != nil {
		s.bytes.Add(-prev.size)
	}
	s.mu.Unlock()

	s.bytes.Add(f.size)
	if prev != nil && prev.path != path && prev.removed.CompareAndSwap(false, true) {
		if err := os.Remove(prev.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log().Warn("remove replaced temp file", "path", prev.path, "error", err)
		}
	}
	s.ensureCapacity(f)
	return f, nil
}

// Get returns the tracked file for key and marks it as recently used.
func (s *Store) Get(key string) (*File, bool) {
	s.mu.Lock()
	f, ok := s.files[key]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	if _, err := os.Stat(f.path); err != nil {
		s.forget(f)
		return nil, false
	}
	f.touch()
	return f, true
}

// SizeBytes returns the current size of tracked files.
func (s *Store) SizeBytes() int64 {
	return s.bytes.Load()
}

// MaxBytes returns the configured budget (0 = unlimited).
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Prune removes least recently used, unpinned tracked files until the
// tracked size is at or below targetBytes. Returns the number of bytes freed.
func (s *Store) Prune(targetBytes int64) (int64, error) {
	return s.prune(targetBytes, nil)
}

// prune is Prune with keep excluded from eviction.
func (s *Store) prune(targetBytes int64, keep *File) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	s.mu.Lock()
	candidates := make([]*File, 0, len(s.files))
	for _, f := range s.files {
		if f != keep && f.pins.Load() == 0 {
			candidates = append(candidates, f)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(candidates, func(a, b *File) int {
		at, bt := a.lastAccess.Load(), b.lastAccess.Load()
		switch {
		case at < bt:
			return -1
		case at > bt:
			return 1
		}
		return strings.Compare(a.path, b.path)
	})

	var freed int64
	var errs []error
	for _, f := range candidates {
		if s.bytes.Load() <= targetBytes {
			break
		}
		if f.pins.Load() > 0 {
			continue
		}
		if err := f.release(); err != nil {
			errs = append(errs, err)
			continue
		}
		freed += f.size
	}
	return freed, errors.Join(errs...)
}

// Close removes every file and directory the store created.
func (s *Store) Close() error {
	s.mu.Lock()
	s.files = make(map[string]*File)
	s.mu.Unlock()
	s.bytes.Store(0)
	if !s.ownsRoot {
		return nil
	}
	return os.RemoveAll(s.root)
}

func (s *Store) ensureCapacity(keep *File) {
	if s.maxBytes <= 0 || s.bytes.Load() <= s.maxBytes {
		return
	}
	if _, err := s.prune(s.maxBytes, keep); err != nil {
		s.log().Warn("temp prune failed", "error", err)
	}
}

func (s *Store) forget(f *File) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.files[f.key]; ok && cur == f {
		delete(s.files, f.key)
		s.bytes.Add(-f.size)
		return true
	}
	return false
}

// File is a tracked temp file.
type File struct {
	store      *Store
	key        string
	path       string
	size       int64
	lastAccess atomic.Int64
	pins       atomic.Int32
	removed    atomic.Bool
}

// Path returns the file's location on disk.
func (f *File) Path() string {
	return f.path
}

// Size returns the file size recorded when it was tracked.
func (f *File) Size() int64 {
	return f.size
}

// Pin protects the file from eviction until the matching Unpin.
func (f *File) Pin() {
	f.pins.Add(1)
	f.touch()
}

// Unpin releases a Pin.
func (f *File) Unpin() {
	if f.pins.Add(-1) < 0 {
		f.pins.Store(0)
	}
}

// Remove deletes the file and stops tracking it. Removing twice is a no-op.
func (f *File) Remove() error {
	return f.release()
}

func (f *File) touch() {
	f.lastAccess.Store(f.store.now().UnixNano())
}

func (f *File) release() error {
	if !f.removed.CompareAndSwap(false, true) {
		return nil
	}
	f.store.forget(f)
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("temp: remove %s: %w", f.path, err)
	}
	return nil
}

// Dir is a lazily created private directory.
type Dir struct {
	store   *Store
	prefix  string
	once    sync.Once
	path    string
	err     error
	removed atomic.Bool
}

// Ensure creates the directory on first use and returns its path.
func (d *Dir) Ensure() (string, error) {
	d.once.Do(func() {
		if err := os.MkdirAll(d.store.root, d.store.dirPerm); err != nil {
			d.err = fmt.Errorf("temp: create root: %w", err)
			return
		}
		d.path, d.err = os.MkdirTemp(d.store.root, d.prefix+"-")
	})
	if d.removed.Load() {
		return "", errors.New("temp: directory removed")
	}
	return d.path, d.err
}

// Remove deletes the directory and everything in it.
func (d *Dir) Remove() error {
	if !d.removed.CompareAndSwap(false, true) {
		return nil
	}
	// Block a concurrent first Ensure from creating the directory afterwards.
	d.once.Do(func() { d.err = errors.New("temp: directory removed") })
	if d.path == "" {
		return nil
	}
	return os.RemoveAll(d.path)
}

func randomSuffix() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// sanitize keeps a name usable as a single path element.
func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "tmp"
	}
	const maxLen = 96
	if len(name) > maxLen {
		name = name[len(name)-maxLen:]
		for !utf8.ValidString(name) {
			name = name[1:]
		}
	}
	return name
}
