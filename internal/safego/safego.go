// Package safego launches background goroutines that recover from panics.
package safego

import (
	"context"
	"log/slog"
	"sync"
)

// Go runs fn in a new goroutine. A panic is recovered and logged with name.
func Go(name string, fn func()) {
	go run(name, fn)
}

func run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background goroutine", "task", name, "panic", r)
		}
	}()
	fn()
}

// Group tracks goroutines started through it so shutdown can wait for them.
// The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go runs fn like the package-level Go and records it in the group.
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(name, fn)
	}()
}

// Wait blocks until every tracked goroutine has returned or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
