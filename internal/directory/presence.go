package directory

import (
	"context"
	"sync"
	"time"

	"github.com/example/service-dispatch/internal/models"
)

// Presence tracks which technicians have their online toggle on.
type Presence interface {
	Set(ctx context.Context, u models.PresenceUpdate) error
	Online(ctx context.Context, technicianID string) (bool, error)
}

type MemoryPresence struct {
	mu      sync.RWMutex
	entries map[string]models.PresenceUpdate
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{entries: make(map[string]models.PresenceUpdate)}
}

func (p *MemoryPresence) Set(_ context.Context, u models.PresenceUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.Updated.IsZero() {
		u.Updated = time.Now()
	}
	if u.Loc == nil {
		if prev, ok := p.entries[u.TechnicianID]; ok {
			u.Loc = prev.Loc
		}
	}
	p.entries[u.TechnicianID] = u
	return nil
}

func (p *MemoryPresence) Online(_ context.Context, technicianID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[technicianID].Online, nil
}

// OnlineCount is used for the technicians_online gauge.
func (p *MemoryPresence) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, e := range p.entries {
		if e.Online {
			n++
		}
	}
	return n
}
