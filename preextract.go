package nest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// PreExtractState is the state of an archive's background extraction.
type PreExtractState uint8

const (
	PreExtractNone PreExtractState = iota
	PreExtractExtracting
	PreExtractDone
	PreExtractCanceled
	PreExtractFailed
)

func (s PreExtractState) String() string {
	switch s {
	case PreExtractNone:
		return "none"
	case PreExtractExtracting:
		return "extracting"
	case PreExtractDone:
		return "done"
	case PreExtractCanceled:
		return "canceled"
	case PreExtractFailed:
		return "failed"
	default:
		return fmt.Sprintf("PreExtractState(%d)", uint8(s))
	}
}

// PreExtractEventKind classifies PreExtractEvent.
type PreExtractEventKind uint8

const (
	// EventStateChanged fires on every state transition.
	EventStateChanged PreExtractEventKind = iota

	// EventCompleted, EventCanceled and EventFailed fire once at the end of
	// each run; exactly one of them fires per run.
	EventCompleted
	EventCanceled
	EventFailed
)

func (k PreExtractEventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventCompleted:
		return "completed"
	case EventCanceled:
		return "canceled"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("PreExtractEventKind(%d)", uint8(k))
	}
}

// PreExtractEvent reports pre-extraction progress.
type PreExtractEvent struct {
	Kind    PreExtractEventKind
	Archive string
	State   PreExtractState
	Err     error // set for EventFailed
}

// preRun is one extraction run. state and err are valid once done is closed.
type preRun struct {
	done   chan struct{}
	cancel context.CancelFunc
	state  PreExtractState
	err    error
}

// PreExtractor unpacks a whole archive in the background for formats that
// cannot read single entries efficiently.
//
// At most one run exists at a time. A run starts on demand from WaitFor
// when the state is None or Canceled; after Done or Failed, WaitFor returns
// immediately and callers decode entries directly. Sleep cancels the run
// and blocks new ones until Resume.
type PreExtractor struct {
	key      string
	enabled  func() bool
	run      func(ctx context.Context) error
	observer func(PreExtractEvent)
	logger   *slog.Logger

	mu       sync.Mutex
	state    PreExtractState
	sleeping bool
	current  *preRun
	subs     map[uint64]func(PreExtractEvent)
	nextSub  uint64
}

func newPreExtractor(key string, enabled func() bool, run func(context.Context) error,
	observer func(PreExtractEvent), logger *slog.Logger,
) *PreExtractor {
	return &PreExtractor{
		key:      key,
		enabled:  enabled,
		run:      run,
		observer: observer,
		logger:   logger,
	}
}

func (p *PreExtractor) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// State returns the current state.
func (p *PreExtractor) State() PreExtractState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Sleeping reports whether new runs are blocked.
func (p *PreExtractor) Sleeping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sleeping
}

// Enabled reports whether the archive format needs pre-extraction.
func (p *PreExtractor) Enabled() bool {
	return p.enabled != nil && p.enabled()
}

// Start begins a run if none is active and the state allows one.
// It reports whether a run is active afterwards.
func (p *PreExtractor) Start() bool {
	if !p.Enabled() {
		return false
	}
	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		return true
	}
	if !p.canStartLocked() {
		p.mu.Unlock()
		return false
	}
	p.startLocked()
	p.mu.Unlock()
	p.emit(PreExtractEvent{Kind: EventStateChanged, State: PreExtractExtracting})
	return true
}

// WaitFor blocks until e is materialized or the run ends, starting a run
// when needed. It returns nil without waiting when the format does not
// pre-extract, e is already materialized, the extractor sleeps, or a
// previous run completed or failed; callers then decode e directly.
// A failure of the awaited run is returned to every waiter.
func (p *PreExtractor) WaitFor(ctx context.Context, e *Entry) error {
	if e == nil || e.Materialized() || !p.Enabled() {
		return nil
	}

	p.mu.Lock()
	r := p.current
	started := false
	if r == nil {
		if !p.canStartLocked() {
			p.mu.Unlock()
			return nil
		}
		r = p.startLocked()
		started = true
	}
	p.mu.Unlock()
	if started {
		p.emit(PreExtractEvent{Kind: EventStateChanged, State: PreExtractExtracting})
	}

	select {
	case <-e.readyCh():
		return nil
	case <-r.done:
		if r.state == PreExtractFailed {
			return r.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the active run, if any, has ended.
func (p *PreExtractor) Wait(ctx context.Context) error {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sleep cancels the active run and blocks new runs until Resume.
func (p *PreExtractor) Sleep() {
	p.mu.Lock()
	p.sleeping = true
	r := p.current
	p.mu.Unlock()
	if r != nil {
		p.log().Debug("pre-extraction put to sleep", "archive", p.key)
		r.cancel()
	}
}

// Resume allows new runs again.
func (p *PreExtractor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sleeping = false
}

// Subscribe registers fn for events of this extractor. fn must not block.
func (p *PreExtractor) Subscribe(fn func(PreExtractEvent)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs == nil {
		p.subs = make(map[uint64]func(PreExtractEvent))
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// shutdown cancels any run, waits for it to end and blocks new runs.
func (p *PreExtractor) shutdown() {
	p.Sleep()
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

func (p *PreExtractor) canStartLocked() bool {
	if p.sleeping {
		return false
	}
	return p.state == PreExtractNone || p.state == PreExtractCanceled
}

func (p *PreExtractor) startLocked() *preRun {
	ctx, cancel := context.WithCancel(context.Background())
	r := &preRun{done: make(chan struct{}), cancel: cancel}
	p.current = r
	p.state = PreExtractExtracting
	p.log().Debug("pre-extraction started", "archive", p.key)
	go p.execute(ctx, r)
	return r
}

func (p *PreExtractor) execute(ctx context.Context, r *preRun) {
	err := p.run(ctx)
	canceled := ctx.Err() != nil
	r.cancel()

	state, kind := PreExtractDone, EventCompleted
	switch {
	case err == nil:
	case canceled || IsCanceled(err):
		state, kind, err = PreExtractCanceled, EventCanceled, nil
	default:
		state, kind = PreExtractFailed, EventFailed
	}

	p.mu.Lock()
	r.state = state
	r.err = err
	p.state = state
	p.current = nil
	close(r.done)
	p.mu.Unlock()

	if err != nil {
		p.log().Warn("pre-extraction failed", "archive", p.key, "error", err)
	} else {
		p.log().Debug("pre-extraction finished", "archive", p.key, "state", state)
	}
	p.emit(PreExtractEvent{Kind: EventStateChanged, State: state})
	p.emit(PreExtractEvent{Kind: kind, State: state, Err: err})
}

func (p *PreExtractor) emit(ev PreExtractEvent) {
	ev.Archive = p.key
	p.mu.Lock()
	subs := make([]func(PreExtractEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	if p.observer != nil {
		p.observer(ev)
	}
	for _, fn := range subs {
		fn(ev)
	}
}
