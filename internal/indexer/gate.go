package indexer

import (
	"context"
	"sync"
)

// gate is the pause/cancel signal shared by the workers of one session.
// Workers consult it only between files.
type gate struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	resumed   chan struct{} // closed when a pause ends or the session is cancelled
}

func newGate() *gate {
	return &gate{resumed: make(chan struct{})}
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused || g.cancelled {
		return
	}
	g.paused = true
	g.resumed = make(chan struct{})
}

func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resumed)
}

func (g *gate) cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled {
		return
	}
	g.cancelled = true
	if g.paused {
		g.paused = false
		close(g.resumed)
	}
}

// wait blocks while the gate is paused. It returns false once the session
// is cancelled or ctx is done, meaning the worker must not start another file.
func (g *gate) wait(ctx context.Context) bool {
	for {
		g.mu.Lock()
		cancelled, paused, resumed := g.cancelled, g.paused, g.resumed
		g.mu.Unlock()

		if cancelled || ctx.Err() != nil {
			return false
		}
		if !paused {
			return true
		}
		select {
		case <-resumed:
		case <-ctx.Done():
			return false
		}
	}
}
