package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/apperr"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
)

// WorkChecker answers whether an agent still handles an Accepted or
// InProgress query
type WorkChecker interface {
	HasActiveWork(ctx context.Context, tenantID, agentID string) (bool, error)
}

// Persister saves presence so it survives a restart
type Persister interface {
	Save(ctx context.Context, p types.AgentPresence) error
	Delete(ctx context.Context, tenantID, agentID string) error
	LoadAll(ctx context.Context) ([]types.AgentPresence, error)
}

// Tracker holds the canonical work status and productive time of every
// logged-in agent. The lock is never held across a WorkChecker or Persister
// call.
type Tracker struct {
	agents   map[string]*types.AgentPresence // tenantID/agentID -> presence
	departed map[string]time.Time            // tenantID/agentID -> logout time
	mu       sync.RWMutex
	work    WorkChecker
	persist Persister
	now     func() time.Time
	logger  zerolog.Logger
}

// NewTracker creates a presence tracker
func NewTracker(work WorkChecker, persist Persister, logger zerolog.Logger) *Tracker {
	if work == nil {
		work = idleWork{}
	}
	if persist == nil {
		persist = NewMemoryPersister()
	}
	return &Tracker{
		agents:   make(map[string]*types.AgentPresence),
		departed: make(map[string]time.Time),
		work:     work,
		persist: persist,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("component", "presence").Logger(),
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// idleWork reports no active work for anyone
type idleWork struct{}

func (idleWork) HasActiveWork(context.Context, string, string) (bool, error) {
	return false, nil
}

func presenceKey(tenantID, agentID string) string {
	return tenantID + "/" + agentID
}

// Restore loads persisted presence into memory
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	saved, err := t.persist.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	for i := range saved {
		p := saved[i]
		t.agents[presenceKey(p.TenantID, p.AgentID)] = &p
	}
	t.mu.Unlock()

	t.logger.Info().Int("agents", len(saved)).Msg("presence restored")
	return len(saved), nil
}

// Login starts a new session. Accumulated active time starts from zero.
func (t *Tracker) Login(ctx context.Context, actor types.Actor, categories []string) (types.AgentPresence, error) {
	if !actor.Role.IsStaff() {
		return types.AgentPresence{}, apperr.New(apperr.Forbidden, "login", "", "role %q does not handle queries", actor.Role)
	}

	status := types.WorkActive
	busy, err := t.work.HasActiveWork(ctx, actor.TenantID, actor.AgentID)
	if err != nil {
		t.logger.Error().Err(err).Str("agent_id", actor.AgentID).Msg("active work lookup failed at login")
	} else if busy {
		status = types.WorkBusy
	}

	now := t.now()
	p := &types.AgentPresence{
		AgentID:            actor.AgentID,
		TenantID:           actor.TenantID,
		Name:               actor.Name,
		Role:               actor.Role,
		Categories:         append([]string(nil), categories...),
		WorkStatus:         status,
		LastStatusChangeAt: now,
		LoginAt:            now,
	}

	key := presenceKey(actor.TenantID, actor.AgentID)
	t.mu.Lock()
	if old, ok := t.agents[key]; ok {
		p.Generation = old.Generation + 1
	}
	t.agents[key] = p
	delete(t.departed, key)
	snapshot := *p
	t.mu.Unlock()

	t.save(ctx, snapshot)
	t.logger.Info().
		Str("agent_id", actor.AgentID).
		Str("tenant_id", actor.TenantID).
		Str("status", string(status)).
		Msg("agent logged in")
	return snapshot, nil
}

// Logout ends the session and forgets the agent. The returned presence
// carries the final accounting with status Offline.
func (t *Tracker) Logout(ctx context.Context, tenantID, agentID string) (types.AgentPresence, error) {
	key := presenceKey(tenantID, agentID)

	t.mu.Lock()
	p, ok := t.agents[key]
	if !ok {
		t.mu.Unlock()
		return types.AgentPresence{}, apperr.New(apperr.NotFound, "logout", "", "agent %s is not logged in", agentID)
	}
	t.setStatus(p, types.WorkOffline, t.now())
	final := *p
	delete(t.agents, key)
	t.departed[key] = final.LastStatusChangeAt
	t.mu.Unlock()

	if err := t.persist.Delete(ctx, tenantID, agentID); err != nil {
		t.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to delete persisted presence")
	}
	t.logger.Info().
		Str("agent_id", agentID).
		Str("tenant_id", tenantID).
		Float64("active_minutes", final.AccumulatedActive.Minutes()).
		Msg("agent logged out")
	return final, nil
}

// SetBusy marks the actor Busy after flushing elapsed time. Agents unknown
// to the tracker are registered on the spot.
func (t *Tracker) SetBusy(ctx context.Context, actor types.Actor) error {
	key := presenceKey(actor.TenantID, actor.AgentID)
	now := t.now()

	t.mu.Lock()
	p, ok := t.agents[key]
	if !ok {
		p = &types.AgentPresence{
			AgentID:            actor.AgentID,
			TenantID:           actor.TenantID,
			Name:               actor.Name,
			Role:               actor.Role,
			WorkStatus:         types.WorkBusy,
			LastStatusChangeAt: now,
			LoginAt:            now,
		}
		t.agents[key] = p
		delete(t.departed, key)
	} else if p.WorkStatus == types.WorkBusy {
		// a new assignment invalidates any Busy re-check in flight
		p.Generation++
		t.mu.Unlock()
		return nil
	} else {
		t.setStatus(p, types.WorkBusy, now)
	}
	snapshot := *p
	t.mu.Unlock()

	t.save(ctx, snapshot)
	t.logger.Debug().Str("agent_id", actor.AgentID).Msg("agent busy")
	return nil
}

// ClearBusyIfNoActiveWork re-checks the agent's assignments and flips a Busy
// agent back to Active only when none remain
func (t *Tracker) ClearBusyIfNoActiveWork(ctx context.Context, tenantID, agentID string) (types.WorkStatus, error) {
	snapshot, ok := t.lookup(tenantID, agentID)
	if !ok {
		return types.WorkOffline, nil
	}
	if snapshot.WorkStatus != types.WorkBusy {
		return snapshot.WorkStatus, nil
	}

	busy, err := t.work.HasActiveWork(ctx, tenantID, agentID)
	if err != nil {
		return types.WorkBusy, err
	}
	if busy {
		return types.WorkBusy, nil
	}

	status, _ := t.reconcile(ctx, snapshot, types.WorkActive)
	return status, nil
}

// StartBreak moves an Active agent to Break. An agent still holding active
// queries cannot take a break.
func (t *Tracker) StartBreak(ctx context.Context, tenantID, agentID string) (types.AgentPresence, error) {
	snapshot, ok := t.Get(ctx, tenantID, agentID)
	if !ok {
		return types.AgentPresence{}, apperr.New(apperr.NotFound, "start_break", "", "agent %s is not logged in", agentID)
	}
	switch snapshot.WorkStatus {
	case types.WorkBreak:
		return snapshot, nil
	case types.WorkBusy:
		return types.AgentPresence{}, apperr.New(apperr.InvalidTransition, "start_break", "", "agent %s still handles active queries", agentID)
	}
	return t.transition(ctx, snapshot, types.WorkBreak)
}

// EndBreak returns an agent on Break to work
func (t *Tracker) EndBreak(ctx context.Context, tenantID, agentID string) (types.AgentPresence, error) {
	snapshot, ok := t.lookup(tenantID, agentID)
	if !ok {
		return types.AgentPresence{}, apperr.New(apperr.NotFound, "end_break", "", "agent %s is not logged in", agentID)
	}
	if snapshot.WorkStatus != types.WorkBreak {
		return types.AgentPresence{}, apperr.New(apperr.InvalidTransition, "end_break", "", "agent %s is not on break", agentID)
	}

	target := types.WorkActive
	if busy, err := t.work.HasActiveWork(ctx, tenantID, agentID); err == nil && busy {
		target = types.WorkBusy
	}
	return t.transition(ctx, snapshot, target)
}

// LoggedOutAt reports when an agent that is no longer tracked logged out
func (t *Tracker) LoggedOutAt(tenantID, agentID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.departed[presenceKey(tenantID, agentID)]
	return at, ok
}

// CurrentActiveMinutes returns accumulated productive minutes including the
// running stretch of an Active or Busy agent
func (t *Tracker) CurrentActiveMinutes(tenantID, agentID string) (float64, error) {
	p, ok := t.lookup(tenantID, agentID)
	if !ok {
		return 0, apperr.New(apperr.NotFound, "active_minutes", "", "agent %s is not logged in", agentID)
	}
	return activeMinutes(p, t.now()), nil
}

// Get returns the agent's presence, healing a Busy or Active status that no
// longer matches the agent's active queries
func (t *Tracker) Get(ctx context.Context, tenantID, agentID string) (types.AgentPresence, bool) {
	p, ok := t.lookup(tenantID, agentID)
	if !ok {
		return types.AgentPresence{}, false
	}
	return t.heal(ctx, p), true
}

// ListTenant returns every tracked agent of a tenant, healed, ordered by agent id
func (t *Tracker) ListTenant(ctx context.Context, tenantID string) []types.AgentPresence {
	t.mu.RLock()
	out := make([]types.AgentPresence, 0)
	for _, p := range t.agents {
		if p.TenantID == tenantID {
			out = append(out, *p)
		}
	}
	t.mu.RUnlock()

	for i := range out {
		out[i] = t.heal(ctx, out[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// View projects p for clients
func (t *Tracker) View(p types.AgentPresence) types.PresenceView {
	return types.PresenceView{
		AgentID:            p.AgentID,
		TenantID:           p.TenantID,
		Name:               p.Name,
		Role:               p.Role,
		Categories:         p.Categories,
		WorkStatus:         p.WorkStatus,
		LastStatusChangeAt: p.LastStatusChangeAt,
		ActiveMinutes:      activeMinutes(p, t.now()),
	}
}

// Snapshot copies every tracked agent across tenants without healing
func (t *Tracker) Snapshot() []types.AgentPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.AgentPresence, 0, len(t.agents))
	for _, p := range t.agents {
		out = append(out, *p)
	}
	return out
}

// Count returns the number of tracked agents
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.agents)
}

func (t *Tracker) lookup(tenantID, agentID string) (types.AgentPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.agents[presenceKey(tenantID, agentID)]
	if !ok {
		return types.AgentPresence{}, false
	}
	return *p, true
}

// heal reconciles Busy and Active with the agent's active queries. Lookup
// failures leave p untouched.
func (t *Tracker) heal(ctx context.Context, p types.AgentPresence) types.AgentPresence {
	if p.WorkStatus != types.WorkBusy && p.WorkStatus != types.WorkActive {
		return p
	}
	busy, err := t.work.HasActiveWork(ctx, p.TenantID, p.AgentID)
	if err != nil {
		t.logger.Error().Err(err).Str("agent_id", p.AgentID).Msg("active work lookup failed")
		return p
	}

	switch {
	case p.WorkStatus == types.WorkBusy && !busy:
		if _, healed := t.reconcile(ctx, p, types.WorkActive); healed {
			t.logger.Warn().
				Str("agent_id", p.AgentID).
				Str("tenant_id", p.TenantID).
				Msg("busy agent holds no active queries, reset to active")
		}
	case p.WorkStatus == types.WorkActive && busy:
		if _, healed := t.reconcile(ctx, p, types.WorkBusy); healed {
			t.logger.Warn().
				Str("agent_id", p.AgentID).
				Str("tenant_id", p.TenantID).
				Msg("active agent holds active queries, set to busy")
		}
	default:
		return p
	}

	healed, ok := t.lookup(p.TenantID, p.AgentID)
	if !ok {
		return p
	}
	return healed
}

// reconcile moves snapshot's agent to target unless the entry changed since
// the snapshot was taken
func (t *Tracker) reconcile(ctx context.Context, snapshot types.AgentPresence, target types.WorkStatus) (types.WorkStatus, bool) {
	t.mu.Lock()
	p, ok := t.agents[presenceKey(snapshot.TenantID, snapshot.AgentID)]
	if !ok {
		t.mu.Unlock()
		return types.WorkOffline, false
	}
	if p.WorkStatus != snapshot.WorkStatus || p.Generation != snapshot.Generation {
		status := p.WorkStatus
		t.mu.Unlock()
		return status, false
	}
	t.setStatus(p, target, t.now())
	updated := *p
	t.mu.Unlock()

	t.save(ctx, updated)
	return target, true
}

// transition applies target if the agent has not changed since snapshot
func (t *Tracker) transition(ctx context.Context, snapshot types.AgentPresence, target types.WorkStatus) (types.AgentPresence, error) {
	t.mu.Lock()
	p, ok := t.agents[presenceKey(snapshot.TenantID, snapshot.AgentID)]
	if !ok {
		t.mu.Unlock()
		return types.AgentPresence{}, apperr.New(apperr.NotFound, "presence", "", "agent %s is not logged in", snapshot.AgentID)
	}
	if p.WorkStatus != snapshot.WorkStatus || p.Generation != snapshot.Generation {
		current := p.WorkStatus
		t.mu.Unlock()
		return types.AgentPresence{}, apperr.New(apperr.Conflict, "presence", "", "agent %s changed to %s concurrently", snapshot.AgentID, current)
	}
	t.setStatus(p, target, t.now())
	updated := *p
	t.mu.Unlock()

	t.save(ctx, updated)
	t.logger.Debug().
		Str("agent_id", updated.AgentID).
		Str("from", string(snapshot.WorkStatus)).
		Str("to", string(target)).
		Msg("presence changed")
	return updated, nil
}

// setStatus flushes elapsed productive time and switches status. Caller holds mu.
func (t *Tracker) setStatus(p *types.AgentPresence, status types.WorkStatus, now time.Time) {
	if p.WorkStatus.Productive() && now.After(p.LastStatusChangeAt) {
		p.AccumulatedActive += now.Sub(p.LastStatusChangeAt)
	}
	p.WorkStatus = status
	p.LastStatusChangeAt = now
	p.Generation++
}

func (t *Tracker) save(ctx context.Context, p types.AgentPresence) {
	if err := t.persist.Save(ctx, p); err != nil {
		t.logger.Error().Err(err).Str("agent_id", p.AgentID).Msg("failed to persist presence")
	}
}

func activeMinutes(p types.AgentPresence, now time.Time) float64 {
	total := p.AccumulatedActive
	if p.WorkStatus.Productive() && now.After(p.LastStatusChangeAt) {
		total += now.Sub(p.LastStatusChangeAt)
	}
	return total.Minutes()
}
