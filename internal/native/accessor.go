// Package native wraps decoders that are not safe for concurrent use.
//
// Every call into a decoder library goes through its Family, a process-wide
// exclusive lock that honors context cancellation. An Accessor owns one
// lazily opened handle for one archive, retries password failures by asking
// its Keyring for a new key, and can drop the handle (releasing any file
// lock) without being discarded.
package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrPasswordRequired is returned when a decoder rejects the key and
	// prompting is not allowed for the call.
	ErrPasswordRequired = errors.New("native: password required")

	// ErrClosed is returned by calls on a closed Accessor.
	ErrClosed = errors.New("native: accessor closed")
)

// Family serializes calls into one decoder library.
type Family struct {
	name string
	sem  *semaphore.Weighted
}

// NewFamily creates a family lock.
func NewFamily(name string) *Family {
	return &Family{name: name, sem: semaphore.NewWeighted(1)}
}

// Name returns the family name.
func (f *Family) Name() string {
	if f == nil {
		return ""
	}
	return f.name
}

// Do runs fn while holding the family lock. A nil family runs fn directly.
// Waiting for the lock stops when ctx is done.
func (f *Family) Do(ctx context.Context, fn func() error) error {
	if f == nil {
		return fn()
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer f.sem.Release(1)
	return fn()
}

// Keyring supplies passwords for one archive.
type Keyring interface {
	// Lookup returns a previously remembered password.
	Lookup() (string, bool)

	// Prompt asks the user for a password. retry is true when a previously
	// supplied password was rejected. Declining returns a non-nil error.
	Prompt(ctx context.Context, retry bool) (string, error)

	// Remember records a password that the decoder accepted.
	Remember(password string)
}

// OpenFunc opens a decoder handle with the given password ("" for none).
type OpenFunc[H io.Closer] func(password string) (H, error)

// Option configures an Accessor.
type Option func(*options)

type options struct {
	isPasswordError func(error) bool
	keyring         Keyring
	logger          *slog.Logger
}

// WithPasswordCheck sets the predicate that classifies decoder errors as
// password failures. Without it no error is retried.
func WithPasswordCheck(fn func(error) bool) Option {
	return func(o *options) {
		o.isPasswordError = fn
	}
}

// WithKeyring sets the password source.
func WithKeyring(k Keyring) Option {
	return func(o *options) {
		o.keyring = k
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Accessor owns one decoder handle.
type Accessor[H io.Closer] struct {
	family *Family
	open   OpenFunc[H]
	opts   options

	mu       sync.Mutex // guards the fields below
	handle   H
	hasOpen  bool
	password string
	closed   bool
	active   int  // calls currently inside Do
	dropNext bool // close the handle when the last active call returns
}

// New creates an accessor. The handle is opened on first use.
func New[H io.Closer](family *Family, open OpenFunc[H], opts ...Option) *Accessor[H] {
	a := &Accessor[H]{family: family, open: open}
	for _, opt := range opts {
		opt(&a.opts)
	}
	return a
}

func (a *Accessor[H]) log() *slog.Logger {
	if a.opts.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.opts.logger
}

// Do runs fn with the decoder handle under the family lock.
//
// When fn or opening the handle fails with a password error and decrypt is
// true, the keyring is prompted and the call is retried with the new key,
// once per accepted prompt. A declined prompt returns the original error.
// When decrypt is false a password error is wrapped in ErrPasswordRequired.
func (a *Accessor[H]) Do(ctx context.Context, decrypt bool, fn func(H) error) error {
	return a.family.Do(ctx, func() error {
		a.enter()
		defer a.leave()
		return a.do(ctx, decrypt, fn)
	})
}

func (a *Accessor[H]) enter() {
	a.mu.Lock()
	a.active++
	a.mu.Unlock()
}

func (a *Accessor[H]) leave() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active--
	if a.active == 0 && a.dropNext {
		a.dropNext = false
		a.closeLocked()
	}
}

func (a *Accessor[H]) do(ctx context.Context, decrypt bool, fn func(H) error) error {
	retry := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := a.acquire()
		if err == nil {
			err = fn(h)
		}
		if err == nil {
			a.remember()
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if a.opts.isPasswordError == nil || !a.opts.isPasswordError(err) {
			return err
		}

		a.drop("")
		if !decrypt || a.opts.keyring == nil {
			return fmt.Errorf("%w: %w", ErrPasswordRequired, err)
		}
		password, perr := a.opts.keyring.Prompt(ctx, retry)
		if perr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			a.log().Debug("password prompt declined", "family", a.family.Name(), "error", perr)
			return err
		}
		a.drop(password)
		retry = true
	}
}

// acquire returns the open handle, opening it if needed.
func (a *Accessor[H]) acquire() (H, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero H
	if a.closed {
		return zero, ErrClosed
	}
	if a.hasOpen {
		return a.handle, nil
	}
	if a.password == "" && a.opts.keyring != nil {
		if known, ok := a.opts.keyring.Lookup(); ok {
			a.password = known
		}
	}
	h, err := a.open(a.password)
	if err != nil {
		return zero, err
	}
	a.handle = h
	a.hasOpen = true
	return h, nil
}

// drop closes the handle and sets the password for the next open.
func (a *Accessor[H]) drop(password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	a.password = password
}

func (a *Accessor[H]) remember() {
	a.mu.Lock()
	password := a.password
	a.mu.Unlock()
	if password != "" && a.opts.keyring != nil {
		a.opts.keyring.Remember(password)
	}
}

func (a *Accessor[H]) closeLocked() {
	if !a.hasOpen {
		return
	}
	if err := a.handle.Close(); err != nil {
		a.log().Warn("close decoder handle", "family", a.family.Name(), "error", err)
	}
	var zero H
	a.handle = zero
	a.hasOpen = false
}

// Unlock closes the handle so the underlying file is no longer held open.
// The accessor stays usable and reopens the handle on the next call.
//
// Unlock does not wait: when a call is in progress (a pre-extraction run
// holds one for its whole duration) the handle is closed as soon as that
// call returns.
func (a *Accessor[H]) Unlock() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
}

// Close releases the handle permanently. Later calls fail with ErrClosed;
// a call already in progress keeps its handle until it returns.
func (a *Accessor[H]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.releaseLocked()
	return nil
}

func (a *Accessor[H]) releaseLocked() {
	if a.active > 0 {
		a.dropNext = true
		return
	}
	a.closeLocked()
}

// IsOpen reports whether a handle is currently held.
func (a *Accessor[H]) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasOpen
}
