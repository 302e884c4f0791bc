package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/types"
)

var (
	// ErrNotFound is returned when no query matches the tenant and case id
	ErrNotFound = errors.New("query not found")

	// ErrConflict is returned when a conditional update finds a different status or version
	ErrConflict = errors.New("conditional update failed")

	// ErrDuplicate is returned when a case id is already taken in the tenant
	ErrDuplicate = errors.New("case id already exists")
)

// Condition guards a write: the stored query must be in one of Statuses and
// at Version
type Condition struct {
	Statuses []types.QueryStatus
	Version  int64
}

// Matches reports whether q satisfies the condition
func (c Condition) Matches(q *types.Query) bool {
	if q.Version != c.Version {
		return false
	}
	for _, s := range c.Statuses {
		if q.Status == s {
			return true
		}
	}
	return false
}

// Filter selects queries for listings and sweeps. Zero fields do not filter.
type Filter struct {
	TenantID      string
	Statuses      []types.QueryStatus
	Handler       string
	ExpiresBefore time.Time
	Limit         int
}

// Accepts reports whether q passes the filter
func (f Filter) Accepts(q *types.Query) bool {
	if f.TenantID != "" && q.TenantID != f.TenantID {
		return false
	}
	if f.Handler != "" && q.AssignedHandler != f.Handler {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !q.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if q.Status == s {
			return true
		}
	}
	return false
}

// Store persists query documents. UpdateQuery is the only way to change a
// stored query and must evaluate the condition and apply the write as one
// atomic step; on success the stored version is cond.Version+1 and q.Version
// is updated to match.
type Store interface {
	CreateQuery(ctx context.Context, q *types.Query) error
	GetQuery(ctx context.Context, tenantID, caseID string) (*types.Query, error)
	UpdateQuery(ctx context.Context, q *types.Query, cond Condition) error
	ListQueries(ctx context.Context, filter Filter) ([]types.Query, error)
	Close(ctx context.Context) error
}

// ActiveWork answers whether an agent holds any Accepted or InProgress query
type ActiveWork struct {
	store Store
}

// NewActiveWork wraps store for presence re-checks
func NewActiveWork(store Store) *ActiveWork {
	return &ActiveWork{store: store}
}

// HasActiveWork reports whether agentID is the handler of an active query
func (a *ActiveWork) HasActiveWork(ctx context.Context, tenantID, agentID string) (bool, error) {
	queries, err := a.store.ListQueries(ctx, Filter{
		TenantID: tenantID,
		Statuses: types.ActiveStatuses,
		Handler:  agentID,
		Limit:    1,
	})
	if err != nil {
		return false, err
	}
	return len(queries) > 0, nil
}

// BusyHandlers returns the distinct handlers of active queries in a tenant
func (a *ActiveWork) BusyHandlers(ctx context.Context, tenantID string) (map[string]bool, error) {
	queries, err := a.store.ListQueries(ctx, Filter{
		TenantID: tenantID,
		Statuses: types.ActiveStatuses,
	})
	if err != nil {
		return nil, err
	}
	busy := make(map[string]bool, len(queries))
	for _, q := range queries {
		if q.AssignedHandler != "" {
			busy[q.AssignedHandler] = true
		}
	}
	return busy, nil
}
