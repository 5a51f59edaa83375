package limiter

import (
	"context"
	"errors"
	"sync"
)

// Group is a join barrier for the jobs of one directory level: Wait
// returns only after every function passed to Go has returned.
type Group struct {
	l    *Limiter
	ctx  context.Context
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// Group starts a new join barrier bound to ctx.
func (l *Limiter) Group(ctx context.Context) *Group {
	return &Group{l: l, ctx: ctx}
}

// Go runs fn once a slot of class c is free. It never blocks the caller.
func (g *Group) Go(c Class, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		release, err := g.l.Acquire(g.ctx, c)
		if err != nil {
			g.record(err)
			return
		}
		defer release()

		g.record(fn(g.ctx))
	}()
}

// Wait blocks until all submitted functions return and joins their errors.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}

func (g *Group) record(err error) {
	if err == nil {
		return
	}
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}
