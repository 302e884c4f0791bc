package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/broadcast"
	"github.com/dennisdiepolder/monti/casedesk/internal/policy"
	"github.com/dennisdiepolder/monti/casedesk/internal/presence"
	"github.com/dennisdiepolder/monti/casedesk/internal/storage"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const tenant = "acme"

var t0 = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sent struct {
	target string
	event  string
}

// recordingTransport serves connections registered by login and records emits
type recordingTransport struct {
	mu    sync.Mutex
	conns []types.Connection
	log   []sent
}

func (r *recordingTransport) TenantConnections(tenantID string) []types.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out
}

func (r *recordingTransport) EmitToConnection(connID, event string, _ any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, sent{target: connID, event: event})
	return true
}

func (r *recordingTransport) EmitToChannel(channel, event string, _ any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, sent{target: channel, event: event})
	return 1
}

func (r *recordingTransport) count(target, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.log {
		if s.target == target && s.event == event {
			n++
		}
	}
	return n
}

// recordingPublisher keeps published lifecycle events
type recordingPublisher struct {
	mu     sync.Mutex
	events []types.LifecycleEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev types.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *testClock
	store     storage.Store
	tracker   *presence.Tracker
	transport *recordingTransport
	resolver  *broadcast.Resolver
	events    *recordingPublisher
	engine    *Engine
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, storage.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store storage.Store) *harness {
	t.Helper()
	clock := &testClock{now: t0}
	work := storage.NewActiveWork(store)
	tracker := presence.NewTracker(work, nil, zerolog.Nop())
	tracker.SetClock(clock.Now)
	transport := &recordingTransport{}
	pol := policy.DefaultMatrix()
	resolver := broadcast.NewResolver(tracker, work, transport, pol, broadcast.Config{}, zerolog.Nop())
	resolver.SetClock(clock.Now)
	pub := &recordingPublisher{}

	engine := NewEngine(store, tracker, resolver, Options{
		ExpiryWindow: 24 * time.Hour,
		Policy:       pol,
		Events:       pub,
	}, zerolog.Nop())
	engine.SetClock(clock.Now)

	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     clock,
		store:     store,
		tracker:   tracker,
		transport: transport,
		resolver:  resolver,
		events:    pub,
		engine:    engine,
	}
	t.Cleanup(resolver.Wait)
	return h
}

func actor(id string, role types.Role) types.Actor {
	return types.Actor{AgentID: id, TenantID: tenant, Role: role, Name: id}
}

var (
	agentA   = actor("agent-a", types.RoleAgent)
	agentB   = actor("agent-b", types.RoleAgent)
	agentC   = actor("agent-c", types.RoleAgent)
	lead     = actor("lead", types.RoleTeamLead)
	boss     = actor("boss", types.RoleSupervisor)
	customer = actor("cust-1", types.RoleCustomer)
)

// login signs agents in and opens one connection for each
func (h *harness) login(actors ...types.Actor) {
	h.t.Helper()
	for _, a := range actors {
		_, err := h.tracker.Login(h.ctx, a, nil)
		require.NoError(h.t, err)
		h.transport.mu.Lock()
		h.transport.conns = append(h.transport.conns, types.Connection{
			ID:       "conn-" + a.AgentID,
			AgentID:  a.AgentID,
			TenantID: a.TenantID,
			Role:     a.Role,
		})
		h.transport.mu.Unlock()
	}
}

func (h *harness) create() *types.Query {
	h.t.Helper()
	q, err := h.engine.CreateQuery(h.ctx, customer, types.CreateQueryInput{
		CustomerName: "Casey",
		Subject:      "Order arrived broken",
		Category:     "returns",
		Priority:     "high",
	})
	require.NoError(h.t, err)
	h.resolver.Wait()
	return q
}

func (h *harness) reload(caseID string) *types.Query {
	h.t.Helper()
	q, err := h.store.GetQuery(h.ctx, tenant, caseID)
	require.NoError(h.t, err)
	return q
}

func (h *harness) workStatus(agentID string) types.WorkStatus {
	h.t.Helper()
	p, ok := h.tracker.Get(h.ctx, tenant, agentID)
	require.True(h.t, ok)
	return p.WorkStatus
}

// seed stores q directly, bypassing the engine
func (h *harness) seed(q *types.Query) *types.Query {
	h.t.Helper()
	if q.TenantID == "" {
		q.TenantID = tenant
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = h.clock.Now()
	}
	if q.ExpiresAt.IsZero() {
		q.ExpiresAt = h.clock.Now().Add(24 * time.Hour)
	}
	require.NoError(h.t, h.store.CreateQuery(h.ctx, q))
	return q
}
