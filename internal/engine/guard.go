package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type lease struct {
	token     string
	expiresAt time.Time
}

// Guard grants per-event exclusive processing rights. Each grant is a lease:
// once it expires another task may take the id over, and the stale holder's
// Release becomes a no-op.
type Guard struct {
	mu     sync.Mutex
	leases map[string]lease
	ttl    time.Duration
	now    func() time.Time
}

// NewGuard creates a guard whose leases last ttl
func NewGuard(ttl time.Duration) *Guard {
	return &Guard{
		leases: make(map[string]lease),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Acquire atomically checks and takes the lease for id.
func (g *Guard) Acquire(id string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if held, ok := g.leases[id]; ok && now.Before(held.expiresAt) {
		return "", false
	}
	token := uuid.NewString()
	g.leases[id] = lease{token: token, expiresAt: now.Add(g.ttl)}
	return token, true
}

// Release drops the lease if token still owns it.
func (g *Guard) Release(id, token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	held, ok := g.leases[id]
	if !ok || held.token != token {
		return false
	}
	delete(g.leases, id)
	return true
}

// Held reports whether a live lease exists for id.
func (g *Guard) Held(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	held, ok := g.leases[id]
	return ok && g.now().Before(held.expiresAt)
}

// Len returns the number of live leases and drops expired ones.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for id, held := range g.leases {
		if !now.Before(held.expiresAt) {
			delete(g.leases, id)
		}
	}
	return len(g.leases)
}
