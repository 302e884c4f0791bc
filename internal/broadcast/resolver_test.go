package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/policy"
	"github.com/dennisdiepolder/monti/casedesk/internal/presence"
	"github.com/dennisdiepolder/monti/casedesk/internal/storage"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	target string
	event  string
}

// fakeTransport records emits and serves a fixed connection list
type fakeTransport struct {
	mu    sync.Mutex
	conns []types.Connection
	sent  []emitted
}

func (f *fakeTransport) TenantConnections(tenantID string) []types.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Connection
	for _, c := range f.conns {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) EmitToConnection(connID, event string, _ any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emitted{target: connID, event: event})
	return true
}

func (f *fakeTransport) EmitToChannel(channel, event string, _ any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emitted{target: channel, event: event})
	return 1
}

func (f *fakeTransport) targets(event string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.sent {
		if e.event == event {
			out = append(out, e.target)
		}
	}
	sort.Strings(out)
	return out
}

type fixture struct {
	store     *storage.MemoryStore
	tracker   *presence.Tracker
	transport *fakeTransport
	resolver  *Resolver
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	work := storage.NewActiveWork(store)
	tracker := presence.NewTracker(work, nil, zerolog.Nop())
	transport := &fakeTransport{}
	return &fixture{
		store:     store,
		tracker:   tracker,
		transport: transport,
		resolver:  NewResolver(tracker, work, transport, nil, cfg, zerolog.Nop()),
	}
}

func (f *fixture) login(t *testing.T, agentID string, role types.Role, categories ...string) {
	t.Helper()
	actor := types.Actor{AgentID: agentID, TenantID: "acme", Role: role}
	_, err := f.tracker.Login(context.Background(), actor, categories)
	require.NoError(t, err)
	f.transport.conns = append(f.transport.conns, types.Connection{
		ID:       "conn-" + agentID,
		AgentID:  agentID,
		TenantID: "acme",
		Role:     role,
	})
}

// assign stores an Accepted query held by agentID and marks the agent busy
func (f *fixture) assign(t *testing.T, caseID, agentID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateQuery(ctx, &types.Query{
		TenantID:        "acme",
		CaseID:          caseID,
		Status:          types.QueryAccepted,
		AssignedHandler: agentID,
		AssignedAt:      &now,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}))
	require.NoError(t, f.tracker.SetBusy(ctx, types.Actor{AgentID: agentID, TenantID: "acme", Role: types.RoleAgent}))
}

func TestOfferReachesOnlyIdleAgents(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 1; i <= 5; i++ {
		f.login(t, fmt.Sprintf("a%d", i), types.RoleAgent)
	}
	f.assign(t, "CS-1", "a1")
	f.assign(t, "CS-2", "a2")

	report, err := f.resolver.OfferQuerySync(context.Background(), types.Query{TenantID: "acme", CaseID: "CS-3"})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Delivered)
	assert.Equal(t, []string{"conn-a3", "conn-a4", "conn-a5"}, f.transport.targets(types.EventNewQuery))
}

func TestDeliverRechecksAfterSnapshot(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		f.login(t, fmt.Sprintf("a%d", i), types.RoleAgent)
	}
	f.assign(t, "CS-1", "a1")
	f.assign(t, "CS-2", "a2")

	targets, err := f.resolver.Snapshot(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, targets, 3)

	// a4 takes another query between snapshot and delivery
	f.assign(t, "CS-9", "a4")

	report := f.resolver.Deliver(ctx, "acme", targets, types.EventNewQuery, nil)
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []string{"conn-a3", "conn-a5"}, f.transport.targets(types.EventNewQuery))
}

func TestSnapshotExcludesNonFrontLineAndUnavailable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.login(t, "agent", types.RoleAgent)
	f.login(t, "lead", types.RoleTeamLead)
	f.login(t, "resting", types.RoleAgent)
	_, err := f.tracker.StartBreak(ctx, "acme", "resting")
	require.NoError(t, err)

	targets, err := f.resolver.Snapshot(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "agent", targets[0].AgentID)
}

func TestDeliverOncePerConnection(t *testing.T) {
	f := newFixture(t, Config{})
	f.login(t, "a1", types.RoleAgent)
	f.transport.conns = append(f.transport.conns,
		types.Connection{ID: "conn-a1-tab2", AgentID: "a1", TenantID: "acme"},
		types.Connection{ID: "conn-a1", AgentID: "a1", TenantID: "acme"},
	)

	report, err := f.resolver.OfferQuerySync(context.Background(), types.Query{TenantID: "acme", CaseID: "CS-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)
}

func TestDeliverThrottlesPerConnection(t *testing.T) {
	f := newFixture(t, Config{Rate: 0.001, Burst: 1})
	f.login(t, "a1", types.RoleAgent)
	fixed := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	f.resolver.SetClock(func() time.Time { return fixed })

	ctx := context.Background()
	first, err := f.resolver.OfferQuerySync(ctx, types.Query{TenantID: "acme", CaseID: "CS-1"})
	require.NoError(t, err)
	second, err := f.resolver.OfferQuerySync(ctx, types.Query{TenantID: "acme", CaseID: "CS-2"})
	require.NoError(t, err)

	assert.Equal(t, 1, first.Delivered)
	assert.Equal(t, 0, second.Delivered)
	assert.Equal(t, 1, second.Throttled)
}

func TestOfferQueryRunsInBackground(t *testing.T) {
	f := newFixture(t, Config{})
	f.login(t, "a1", types.RoleAgent)

	ctx, cancel := context.WithCancel(context.Background())
	f.resolver.OfferQuery(ctx, types.Query{TenantID: "acme", CaseID: "CS-1"})
	cancel()
	f.resolver.Wait()

	assert.Equal(t, []string{"conn-a1"}, f.transport.targets(types.EventNewQuery))
}

func TestEligibleRecipients(t *testing.T) {
	store := storage.NewMemoryStore()
	work := storage.NewActiveWork(store)
	tracker := presence.NewTracker(work, nil, zerolog.Nop())
	clock := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
	tracker.SetClock(func() time.Time { return clock })
	resolver := NewResolver(tracker, work, &fakeTransport{}, policy.DefaultMatrix(), Config{}, zerolog.Nop())

	ctx := context.Background()
	login := func(id string, role types.Role, categories ...string) {
		_, err := tracker.Login(ctx, types.Actor{AgentID: id, TenantID: "acme", Role: role}, categories)
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
	}
	login("lead", types.RoleTeamLead)
	login("billing", types.RoleAgent, "billing")
	login("me", types.RoleAgent)
	login("general", types.RoleAgent)
	login("boss", types.RoleSupervisor)
	login("shipping", types.RoleAgent, "shipping")

	got, err := resolver.EligibleRecipients(ctx, types.Actor{AgentID: "me", TenantID: "acme", Role: types.RoleAgent}, "billing")
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, p := range got {
		ids = append(ids, p.AgentID)
	}
	assert.Equal(t, []string{"lead", "billing", "general"}, ids)
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "tenant:acme", TenantChannel("acme"))
	assert.Equal(t, "case:acme:CS-1", CaseChannel("acme", "CS-1"))
}

func TestLimiterPrune(t *testing.T) {
	s := newLimiterSet(1, 1)
	start := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
	for i := 0; i < limiterPruneMin; i++ {
		s.allow(fmt.Sprintf("c%d", i), start)
	}
	s.allow("fresh", start.Add(limiterIdle+time.Minute))
	s.prune(start.Add(limiterIdle + time.Minute))
	assert.Equal(t, 1, s.size())
}
