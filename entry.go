package nest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/meigma/nest/internal/extract"
	"github.com/meigma/nest/internal/pathutil"
)

// Entry describes one item inside an archive.
//
// Entries hold a weak reference to their archive: an entry never keeps an
// archive alive. Keep the *Archive (or the [Location] returned by
// [Manager.Resolve]) for as long as its entries are used.
//
// An entry whose ID is negative is a placeholder synthesized for a
// directory implied by deeper entries. Placeholders cannot be opened.
type Entry struct {
	id        int
	name      string // slash-separated path inside the archive
	raw       string // format specific raw name, when it differs from name
	size      int64  // -1 for directories and unknown sizes
	created   time.Time
	modified  time.Time
	dir       bool
	encrypted bool
	duplicate bool

	// sysPath is the path of the entry as a file on disk when real is true,
	// and the display path otherwise.
	sysPath string
	real    bool

	archive weak.Pointer[Archive]

	payload   atomic.Pointer[extract.Payload]
	ready     chan struct{}
	readyOnce sync.Once
}

func newEntry(id int, name string, size int64, modified time.Time) *Entry {
	return &Entry{
		id:       id,
		name:     name,
		size:     size,
		modified: modified,
		ready:    make(chan struct{}),
	}
}

func newPlaceholder(name string) *Entry {
	e := newEntry(-1, name, -1, time.Time{})
	e.dir = true
	return e
}

// NewFileEntry returns an entry for a file or directory on disk. It is the
// starting point for [Manager.CreateArchive] on real paths.
func NewFileEntry(path string) (*Entry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("nest: %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	e := newEntry(0, filepath.Base(abs), info.Size(), info.ModTime())
	if info.IsDir() {
		e.dir = true
		e.size = -1
	}
	e.sysPath = abs
	e.real = true
	return e, nil
}

// ID returns the format specific index of the entry, or -1 for placeholders.
func (e *Entry) ID() int { return e.id }

// Name returns the slash-separated path of the entry inside its archive.
func (e *Entry) Name() string { return e.name }

// Base returns the last element of Name.
func (e *Entry) Base() string { return pathutil.Base(e.name) }

// Size returns the uncompressed size, or -1 for directories and unknown sizes.
func (e *Entry) Size() int64 { return e.size }

// Created returns the creation time, if the format records one.
func (e *Entry) Created() time.Time { return e.created }

// Modified returns the last modification time.
func (e *Entry) Modified() time.Time { return e.modified }

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.dir }

// Encrypted reports whether the entry content is encrypted.
func (e *Entry) Encrypted() bool { return e.encrypted }

// Duplicate reports whether an earlier entry in the same archive has the
// same name.
func (e *Entry) Duplicate() bool { return e.duplicate }

// IsPlaceholder reports whether the entry was synthesized and cannot be
// opened.
func (e *Entry) IsPlaceholder() bool { return e.id < 0 }

// IsReal reports whether the entry is a file or directory on disk at
// SystemPath.
func (e *Entry) IsReal() bool { return e.real }

// SystemPath returns the path of the entry across archive boundaries, such
// as "/books/a.zip/ch1/p1.jpg". For real entries it is the path on disk.
func (e *Entry) SystemPath() string { return e.sysPath }

// Archive returns the archive holding the entry. It fails with ErrDisposed
// when the archive has been closed or collected, and with ErrNotFound for
// standalone entries created by NewFileEntry.
func (e *Entry) Archive() (*Archive, error) {
	if e.archive == (weak.Pointer[Archive]{}) {
		return nil, fmt.Errorf("nest: %s has no archive: %w", e.name, ErrNotFound)
	}
	a := e.archive.Value()
	if a == nil || a.closed.Load() {
		return nil, ErrDisposed
	}
	return a, nil
}

// Materialized reports whether the entry content has been extracted to
// memory or a temp file.
func (e *Entry) Materialized() bool {
	return e.payload.Load() != nil
}

// InMemory reports whether the materialized content is held in memory.
func (e *Entry) InMemory() bool {
	p := e.payload.Load()
	return p != nil && p.InMemory()
}

func (e *Entry) loadPayload() *extract.Payload {
	return e.payload.Load()
}

// publish stores p unless a payload is already present and signals
// waiters. It reports whether p was stored.
func (e *Entry) publish(p *extract.Payload) bool {
	if !e.payload.CompareAndSwap(nil, p) {
		return false
	}
	e.readyOnce.Do(func() { close(e.ready) })
	return true
}

func (e *Entry) readyCh() <-chan struct{} { return e.ready }

// rawName returns the name as stored by the format.
func (e *Entry) rawName() string {
	if e.raw != "" {
		return e.raw
	}
	return e.name
}

func (e *Entry) String() string {
	if e.sysPath != "" {
		return e.sysPath
	}
	return e.name
}
