package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/dennisdiepolder/monti/casedesk/internal/types"
)

// MemoryStore keeps queries in process memory. The mutex makes every
// conditional update atomic.
type MemoryStore struct {
	queries map[string]*types.Query // tenantID/caseID -> query
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queries: make(map[string]*types.Query),
	}
}

func memoryKey(tenantID, caseID string) string {
	return tenantID + "/" + caseID
}

// CreateQuery stores a new query
func (s *MemoryStore) CreateQuery(_ context.Context, q *types.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey(q.TenantID, q.CaseID)
	if _, exists := s.queries[key]; exists {
		return ErrDuplicate
	}
	s.queries[key] = q.Clone()
	return nil
}

// GetQuery returns a copy of the stored query
func (s *MemoryStore) GetQuery(_ context.Context, tenantID, caseID string) (*types.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queries[memoryKey(tenantID, caseID)]
	if !ok {
		return nil, ErrNotFound
	}
	return q.Clone(), nil
}

// UpdateQuery replaces the stored query if it still satisfies cond
func (s *MemoryStore) UpdateQuery(_ context.Context, q *types.Query, cond Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey(q.TenantID, q.CaseID)
	current, ok := s.queries[key]
	if !ok {
		return ErrNotFound
	}
	if !cond.Matches(current) {
		return ErrConflict
	}

	q.Version = cond.Version + 1
	s.queries[key] = q.Clone()
	return nil
}

// ListQueries returns copies of the queries matching filter, oldest first
func (s *MemoryStore) ListQueries(_ context.Context, filter Filter) ([]types.Query, error) {
	s.mu.RLock()
	out := make([]types.Query, 0)
	for _, q := range s.queries {
		if filter.Accepts(q) {
			out = append(out, *q.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CaseID < out[j].CaseID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close is a no-op
func (s *MemoryStore) Close(context.Context) error {
	return nil
}
