// Package flight deduplicates concurrent work per key.
//
// Callers asking for the same key while the work runs share one execution.
// The work runs on its own context, which ends only when every caller
// waiting on it has left, so one caller's cancellation never fails another.
package flight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Group runs work once per key. The zero value is ready to use.
type Group struct {
	g singleflight.Group

	mu   sync.Mutex
	runs map[string]*run
}

// run is the shared context of the callers of one key.
type run struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Do runs fn for key unless a run for key is in flight, in which case it
// waits for that run. fn receives a context carrying ctx's values that is
// canceled once no caller waits for the result. Do returns ctx's error as
// soon as ctx ends.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := g.join(ctx, key)
	defer g.leave(key, r)

	ch := g.g.DoChan(key, func() (any, error) {
		return fn(r.ctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Group) join(ctx context.Context, key string) *run {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.runs == nil {
		g.runs = make(map[string]*run)
	}
	r, ok := g.runs[key]
	if !ok {
		rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r = &run{ctx: rctx, cancel: cancel}
		g.runs[key] = r
	}
	r.waiters++
	return r
}

// leave drops one waiter. The last one cancels the run and makes the next
// caller start a new one instead of joining the canceled execution.
func (g *Group) leave(key string, r *run) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.waiters--
	if r.waiters > 0 {
		return
	}
	r.cancel()
	if g.runs[key] == r {
		delete(g.runs, key)
	}
	g.g.Forget(key)
}
