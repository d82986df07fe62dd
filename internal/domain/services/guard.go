package services

import (
	"context"
	"sync"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
)

// InFlight tracks identities with a check or record change currently running
type InFlight struct {
	mu     sync.Mutex
	active map[string]chan struct{}
}

// NewInFlight creates an empty in-flight set
func NewInFlight() *InFlight {
	return &InFlight{active: make(map[string]chan struct{})}
}

// TryAcquire marks id as in flight. It returns false if a check is already
// running for id. The returned release func is safe to call more than once.
func (g *InFlight) TryAcquire(id entities.Identity) (release func(), ok bool) {
	key := id.Key()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.active[key]; busy {
		return func() {}, false
	}
	return g.hold(key), true
}

// Acquire waits until id is free and marks it in flight
func (g *InFlight) Acquire(ctx context.Context, id entities.Identity) (release func(), err error) {
	key := id.Key()
	for {
		g.mu.Lock()
		done, busy := g.active[key]
		if !busy {
			release := g.hold(key)
			g.mu.Unlock()
			return release, nil
		}
		g.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return func() {}, ctx.Err()
		}
	}
}

// hold marks key active; g.mu must be held
func (g *InFlight) hold(key string) func() {
	done := make(chan struct{})
	g.active[key] = done

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, key)
			g.mu.Unlock()
			close(done)
		})
	}
}

// Active reports whether a check is running for id
func (g *InFlight) Active(id entities.Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[id.Key()]
	return busy
}
