package presence

import (
	"context"
	"sync"

	"github.com/dennisdiepolder/monti/casedesk/internal/types"
)

// MemoryPersister keeps presence snapshots in memory. It is the default when
// no Redis is configured; a restart loses presence.
type MemoryPersister struct {
	saved map[string]types.AgentPresence
	mu    sync.Mutex
}

// NewMemoryPersister creates an empty memory persister
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{saved: make(map[string]types.AgentPresence)}
}

// Save stores a copy of p
func (m *MemoryPersister) Save(_ context.Context, p types.AgentPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Categories = append([]string(nil), p.Categories...)
	m.saved[presenceKey(p.TenantID, p.AgentID)] = p
	return nil
}

// Delete forgets an agent
func (m *MemoryPersister) Delete(_ context.Context, tenantID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, presenceKey(tenantID, agentID))
	return nil
}

// LoadAll returns every stored snapshot
func (m *MemoryPersister) LoadAll(context.Context) ([]types.AgentPresence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AgentPresence, 0, len(m.saved))
	for _, p := range m.saved {
		out = append(out, p)
	}
	return out, nil
}
