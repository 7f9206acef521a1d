// Package groutine starts named goroutines. Names are attached as pprof
// labels, so they show up in goroutine profiles, and are available to the
// goroutine through its context.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
	"time"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn in a goroutine labelled with name.
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Group tracks named goroutines so their owner can wait for them on shutdown
type Group struct {
	wg sync.WaitGroup
}

// Go starts fn like the package-level Go and tracks it
func (g *Group) Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(parentCtx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every tracked goroutine returned
func (g *Group) Wait() {
	g.wg.Wait()
}

// WaitTimeout waits at most d and reports whether every goroutine returned.
// Goroutines still running after the timeout keep running.
func (g *Group) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	Go(context.Background(), "group-wait", func(context.Context) {
		g.wg.Wait()
		close(done)
	})

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
