package routing

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/apperr"
	"github.com/dennisdiepolder/monti/casedesk/internal/broadcast"
	"github.com/dennisdiepolder/monti/casedesk/internal/storage"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryLifecycleScenario(t *testing.T) {
	h := newHarness(t)
	h.login(agentA, agentB, agentC)

	q := h.create()
	assert.Equal(t, types.QueryPending, q.Status)
	assert.Equal(t, 1, h.transport.count("conn-agent-a", types.EventNewQuery))
	assert.Equal(t, 1, h.transport.count("conn-agent-c", types.EventNewQuery))

	q, err := h.engine.Accept(h.ctx, agentA, q.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.QueryAccepted, q.Status)
	assert.Equal(t, agentA.AgentID, q.AssignedHandler)
	assert.Equal(t, types.WorkBusy, h.workStatus(agentA.AgentID))
	assert.Equal(t, 1, h.transport.count(broadcast.TenantChannel(tenant), types.EventQueryClaimed))

	q, err = h.engine.RecordMessage(h.ctx, agentA, q.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.QueryInProgress, q.Status)
	assert.True(t, q.HasMessages)

	q, err = h.engine.RequestTransfer(h.ctx, agentA, q.CaseID, agentB.AgentID, "needs billing")
	require.NoError(t, err)
	assert.Equal(t, types.QueryTransferred, q.Status)
	assert.Empty(t, q.AssignedHandler)
	require.Len(t, q.TransferHistory, 1)
	assert.Equal(t, types.TransferRequested, q.TransferHistory[0].Status)
	assert.Equal(t, types.WorkActive, h.workStatus(agentA.AgentID))
	assert.Equal(t, 1, h.transport.count("conn-agent-b", types.EventTransferRequested))

	_, err = h.engine.Accept(h.ctx, agentC, q.CaseID)
	assert.True(t, apperr.Is(err, apperr.NotIntendedRecipient), "got %v", err)

	q, err = h.engine.Accept(h.ctx, agentB, q.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.QueryInProgress, q.Status)
	assert.Equal(t, agentB.AgentID, q.AssignedHandler)
	assert.Equal(t, types.TransferAccepted, q.TransferHistory[0].Status)
	assert.NotNil(t, q.TransferHistory[0].AcceptedAt)
	assert.Equal(t, types.WorkBusy, h.workStatus(agentB.AgentID))

	q, err = h.engine.Resolve(h.ctx, agentB, q.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.QueryResolved, q.Status)
	assert.Equal(t, agentB.AgentID, q.ResolvedBy)
	assert.NotNil(t, q.ResolvedAt)
	assert.Equal(t, types.WorkActive, h.workStatus(agentB.AgentID))

	q, err = h.engine.Reopen(h.ctx, customer, q.CaseID)
	require.NoError(t, err)
	h.resolver.Wait()
	assert.Equal(t, types.QueryPending, q.Status)
	assert.Empty(t, q.AssignedHandler)
	assert.Nil(t, q.ResolvedAt)
	assert.Len(t, q.TransferHistory, 1)

	assert.Equal(t, []string{
		EventCreated,
		EventAccepted,
		EventInProgress,
		EventTransferRequested,
		EventTransferAccepted,
		EventResolved,
		EventReopened,
	}, h.events.kinds())
}

func TestConcurrentAcceptHasSingleWinner(t *testing.T) {
	h := newHarness(t)
	q := h.create()

	const racers = 20
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.engine.Accept(h.ctx, actor(fmt.Sprintf("racer-%02d", i), types.RoleAgent), q.CaseID)
		}(i)
	}
	close(start)
	wg.Wait()

	winners, lost := 0, 0
	winner := ""
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
			winner = fmt.Sprintf("racer-%02d", i)
		case apperr.Is(err, apperr.AlreadyAssigned):
			lost++
		default:
			t.Errorf("racer %d: unexpected error %v", i, err)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, racers-1, lost)

	stored := h.reload(q.CaseID)
	assert.Equal(t, types.QueryAccepted, stored.Status)
	assert.Equal(t, winner, stored.AssignedHandler)
	assert.Equal(t, int64(1), stored.Version)
}

func seeded(status types.QueryStatus, caseID string) *types.Query {
	q := &types.Query{
		CaseID:     caseID,
		CustomerID: customer.AgentID,
		Subject:    "seeded",
		Status:     status,
	}
	if status.IsActive() {
		q.AssignedHandler = agentA.AgentID
	}
	if status == types.QueryTransferred {
		q.TransferHistory = []types.TransferRecord{{
			ID:          "t-1",
			FromAgent:   agentA.AgentID,
			ToAgent:     agentB.AgentID,
			RequestedBy: agentA.AgentID,
			Status:      types.TransferRequested,
			RequestedAt: t0,
		}}
	}
	return q
}

func TestOperationsOutsideEdgesAreInvalid(t *testing.T) {
	type call func(h *harness, caseID string) error

	accept := func(a types.Actor) call {
		return func(h *harness, id string) error { _, err := h.engine.Accept(h.ctx, a, id); return err }
	}
	resolve := func(h *harness, id string) error { _, err := h.engine.Resolve(h.ctx, agentA, id); return err }
	reopen := func(h *harness, id string) error { _, err := h.engine.Reopen(h.ctx, customer, id); return err }
	message := func(h *harness, id string) error { _, err := h.engine.RecordMessage(h.ctx, agentA, id); return err }
	transfer := func(h *harness, id string) error {
		_, err := h.engine.RequestTransfer(h.ctx, agentA, id, agentC.AgentID, "")
		return err
	}
	acceptTransfer := func(h *harness, id string) error { _, err := h.engine.AcceptTransfer(h.ctx, agentB, id); return err }
	rejectTransfer := func(h *harness, id string) error {
		_, err := h.engine.RejectTransfer(h.ctx, agentB, id, "")
		return err
	}

	tests := []struct {
		name   string
		status types.QueryStatus
		op     call
	}{
		{"resolve pending", types.QueryPending, resolve},
		{"resolve transferred", types.QueryTransferred, resolve},
		{"resolve resolved", types.QueryResolved, resolve},
		{"resolve expired", types.QueryExpired, resolve},
		{"accept resolved", types.QueryResolved, accept(agentC)},
		{"accept expired", types.QueryExpired, accept(agentC)},
		{"reopen pending", types.QueryPending, reopen},
		{"reopen accepted", types.QueryAccepted, reopen},
		{"reopen in progress", types.QueryInProgress, reopen},
		{"reopen transferred", types.QueryTransferred, reopen},
		{"message resolved", types.QueryResolved, message},
		{"message expired", types.QueryExpired, message},
		{"transfer pending", types.QueryPending, transfer},
		{"transfer resolved", types.QueryResolved, transfer},
		{"transfer expired", types.QueryExpired, transfer},
		{"accept transfer pending", types.QueryPending, acceptTransfer},
		{"accept transfer in progress", types.QueryInProgress, acceptTransfer},
		{"reject transfer accepted", types.QueryAccepted, rejectTransfer},
		{"reject transfer resolved", types.QueryResolved, rejectTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.login(agentA, agentB, agentC)
			q := h.seed(seeded(tt.status, "CS-SEED"))

			err := tt.op(h, q.CaseID)
			require.Error(t, err)
			assert.Equal(t, apperr.InvalidTransition, apperr.KindOf(err), "got %v", err)

			after := h.reload(q.CaseID)
			assert.Equal(t, tt.status, after.Status)
			assert.Equal(t, q.Version, after.Version)
		})
	}
}

func TestAcceptRejectedHandOffIsInvalid(t *testing.T) {
	h := newHarness(t)
	q := seeded(types.QueryTransferred, "CS-REJ")
	q.TransferHistory[0].Reject(t0, "busy")
	h.seed(q)

	_, err := h.engine.Accept(h.ctx, agentB, q.CaseID)
	assert.True(t, apperr.Is(err, apperr.InvalidTransition), "got %v", err)
}

func TestSecondTransferWhilePendingFails(t *testing.T) {
	h := newHarness(t)
	h.login(agentA, agentB, agentC, lead)
	q := h.create()
	_, err := h.engine.Accept(h.ctx, agentA, q.CaseID)
	require.NoError(t, err)
	_, err = h.engine.RequestTransfer(h.ctx, agentA, q.CaseID, agentB.AgentID, "")
	require.NoError(t, err)

	for _, a := range []types.Actor{agentA, lead} {
		_, err = h.engine.RequestTransfer(h.ctx, a, q.CaseID, agentC.AgentID, "")
		assert.True(t, apperr.Is(err, apperr.TransferAlreadyPending), "%s: got %v", a.AgentID, err)
	}

	stored := h.reload(q.CaseID)
	assert.Empty(t, stored.AssignedHandler)
	assert.Len(t, stored.TransferHistory, 1)
	assert.Equal(t, agentB.AgentID, stored.PendingTransfer().ToAgent)
}

func TestOnlyRecipientResolvesTransfer(t *testing.T) {
	h := newHarness(t)
	h.login(agentA, agentB, agentC)
	q := h.create()
	_, err := h.engine.Accept(h.ctx, agentA, q.CaseID)
	require.NoError(t, err)
	_, err = h.engine.RequestTransfer(h.ctx, agentA, q.CaseID, agentB.AgentID, "")
	require.NoError(t, err)

	_, err = h.engine.AcceptTransfer(h.ctx, agentC, q.CaseID)
	assert.True(t, apperr.Is(err, apperr.NotIntendedRecipient))
	_, err = h.engine.RejectTransfer(h.ctx, agentC, q.CaseID, "no")
	assert.True(t, apperr.Is(err, apperr.NotIntendedRecipient))
	_, err = h.engine.Accept(h.ctx, agentA, q.CaseID)
	assert.True(t, apperr.Is(err, apperr.NotIntendedRecipient))

	stored := h.reload(q.CaseID)
	assert.Equal(t, types.TransferRequested, stored.TransferHistory[0].Status)
	assert.Equal(t, types.QueryTransferred, stored.Status)

	accepted, err := h.engine.AcceptTransfer(h.ctx, agentB, q.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.QueryInProgress, accepted.Status)
	assert.Equal(t, 1, h.transport.count("conn-agent-a", types.EventTransferAccepted))
}

func TestTransferRecipientChecks(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		to    string
		as    types.Actor
		want  apperr.Kind
	}{
		{
			name: "unknown recipient",
			to:   "ghost",
			as:   agentA,
			want: apperr.NotFound,
		},
		{
			name: "recipient on break",
			setup: func(h *harness) {
				_, err := h.tracker.StartBreak(h.ctx, tenant, agentB.AgentID)
				require.NoError(h.t, err)
			},
			to:   agentB.AgentID,
			as:   agentA,
			want: apperr.RecipientUnavailable,
		},
		{
			name: "recipient logged out",
			setup: func(h *harness) {
				_, err := h.tracker.Logout(h.ctx, tenant, agentB.AgentID)
				require.NoError(h.t, err)
			},
			to:   agentB.AgentID,
			as:   agentA,
			want: apperr.RecipientUnavailable,
		},
		{
			name: "recipient holds a query",
			setup: func(h *harness) {
				other := h.create()
				_, err := h.engine.Accept(h.ctx, agentB, other.CaseID)
				require.NoError(h.t, err)
			},
			to:   agentB.AgentID,
			as:   agentA,
			want: apperr.RecipientUnavailable,
		},
		{
			name: "policy forbids recipient role",
			to:   boss.AgentID,
			as:   agentA,
			want: apperr.Forbidden,
		},
		{
			name: "caller is not the handler",
			to:   agentB.AgentID,
			as:   agentC,
			want: apperr.Forbidden,
		},
		{
			name: "recipient already handles it",
			to:   agentA.AgentID,
			as:   agentA,
			want: apperr.InvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.login(agentA, agentB, agentC, boss)
			q := h.create()
			_, err := h.engine.Accept(h.ctx, agentA, q.CaseID)
			require.NoError(t, err)
			if tt.setup != nil {
				tt.setup(h)
			}

			_, err = h.engine.RequestTransfer(h.ctx, tt.as, q.CaseID, tt.to, "")
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.KindOf(err), "got %v", err)

			stored := h.reload(q.CaseID)
			assert.Equal(t, types.QueryAccepted, stored.Status)
			assert.Equal(t, agentA.AgentID, stored.AssignedHandler)
		})
	}
}

func TestRejectedTransferNeedsSupervisor(t *testing.T) {
	h := newHarness(t)
	h.login(agentA, agentB, agentC, lead)
	q := h.create()
	_, err := h.engine.Accept(h.ctx, agentA, q.CaseID)
	require.NoError(t, err)
	_, err = h.engine.RequestTransfer(h.ctx, agentA, q.CaseID, agentB.AgentID, "billing question")
	require.NoError(t, err)

	rejected, err := h.engine.RejectTransfer(h.ctx, agentB, q.CaseID, "not my area")
	require.NoError(t, err)
	assert.Equal(t, types.QueryTransferred, rejected.Status)
	assert.Empty(t, rejected.AssignedHandler)
	assert.Equal(t, types.TransferRejected, rejected.TransferHistory[0].Status)
	assert.Equal(t, "not my area", rejected.TransferHistory[0].RejectReason)
	assert.Equal(t, 1, h.transport.count("conn-agent-a", types.EventTransferRejected))

	_, err = h.engine.RequestTransfer(h.ctx, agentA, q.CaseID, agentC.AgentID, "")
	assert.True(t, apperr.Is(err, apperr.Forbidden), "got %v", err)

	retried, err := h.engine.RequestTransfer(h.ctx, lead, q.CaseID, agentC.AgentID, "try C")
	require.NoError(t, err)
	require.Len(t, retried.TransferHistory, 2)
	assert.Equal(t, agentA.AgentID, retried.TransferHistory[1].FromAgent)
	assert.Equal(t, lead.AgentID, retried.TransferHistory[1].RequestedBy)

	_, err = h.engine.AcceptTransfer(h.ctx, agentC, q.CaseID)
	require.NoError(t, err)

	chain, err := h.engine.GetEscalationChain(h.ctx, lead, q.CaseID)
	require.NoError(t, err)
	assert.Equal(t, []string{agentA.AgentID, agentC.AgentID}, chain.Handlers)
	assert.Len(t, chain.Hops, 2)
	assert.Equal(t, agentC.AgentID, chain.CurrentHandler)
}

func TestResolveKeepsBusyWhileOtherWorkRemains(t *testing.T) {
	h := newHarness(t)
	h.login(agentA)
	first := h.create()
	second := h.create()
	_, err := h.engine.Accept(h.ctx, agentA, first.CaseID)
	require.NoError(t, err)
	_, err = h.engine.Accept(h.ctx, agentA, second.CaseID)
	require.NoError(t, err)

	_, err = h.engine.Resolve(h.ctx, agentA, first.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkBusy, h.workStatus(agentA.AgentID))

	_, err = h.engine.Resolve(h.ctx, agentA, second.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkActive, h.workStatus(agentA.AgentID))
}

func TestResolveRequiresHandler(t *testing.T) {
	h := newHarness(t)
	q := h.create()
	_, err := h.engine.Accept(h.ctx, agentA, q.CaseID)
	require.NoError(t, err)

	_, err = h.engine.Resolve(h.ctx, agentB, q.CaseID)
	assert.True(t, apperr.Is(err, apperr.Forbidden))
	_, err = h.engine.Resolve(h.ctx, customer, q.CaseID)
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestReopenPermissions(t *testing.T) {
	h := newHarness(t)
	h.login(agentA)
	q := h.create()
	_, err := h.engine.Accept(h.ctx, agentA, q.CaseID)
	require.NoError(t, err)
	_, err = h.engine.Resolve(h.ctx, agentA, q.CaseID)
	require.NoError(t, err)

	_, err = h.engine.Reopen(h.ctx, agentA, q.CaseID)
	assert.True(t, apperr.Is(err, apperr.Forbidden))
	_, err = h.engine.Reopen(h.ctx, actor("cust-2", types.RoleCustomer), q.CaseID)
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	offersBefore := h.transport.count("conn-agent-a", types.EventNewQuery)
	reopened, err := h.engine.Reopen(h.ctx, actor("desk", types.RoleIntake), q.CaseID)
	require.NoError(t, err)
	h.resolver.Wait()
	assert.Equal(t, types.QueryPending, reopened.Status)
	assert.Equal(t, offersBefore+1, h.transport.count("conn-agent-a", types.EventNewQuery))
}

func TestCreateQueryValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.CreateQuery(h.ctx, agentA, types.CreateQueryInput{Subject: "x"})
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	_, err = h.engine.CreateQuery(h.ctx, customer, types.CreateQueryInput{})
	assert.True(t, apperr.Is(err, apperr.InvalidInput))

	_, err = h.engine.CreateQuery(h.ctx, actor("desk", types.RoleIntake), types.CreateQueryInput{Subject: "x"})
	assert.True(t, apperr.Is(err, apperr.InvalidInput))

	q, err := h.engine.CreateQuery(h.ctx, actor("desk", types.RoleIntake), types.CreateQueryInput{
		CustomerID: "cust-9",
		Subject:    "Refund",
	})
	require.NoError(t, err)
	h.resolver.Wait()
	assert.Regexp(t, regexp.MustCompile(`^CS-20240603-[0-9A-F]{6}$`), q.CaseID)
	assert.Equal(t, "cust-9", q.CustomerName)
	assert.Equal(t, t0.Add(24*time.Hour), q.ExpiresAt)
}

func TestCustomerSeesOnlyOwnQueries(t *testing.T) {
	h := newHarness(t)
	q := h.create()

	got, err := h.engine.GetQuery(h.ctx, customer, q.CaseID)
	require.NoError(t, err)
	assert.Equal(t, q.CaseID, got.CaseID)

	_, err = h.engine.GetQuery(h.ctx, actor("cust-2", types.RoleCustomer), q.CaseID)
	assert.True(t, apperr.Is(err, apperr.Forbidden))

	other := types.Actor{AgentID: agentA.AgentID, TenantID: "globex", Role: types.RoleAgent}
	_, err = h.engine.GetQuery(h.ctx, other, q.CaseID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestListQueue(t *testing.T) {
	h := newHarness(t)
	h.login(agentA, agentC)

	open := h.create()
	incoming := h.create()
	_, err := h.engine.Accept(h.ctx, agentC, incoming.CaseID)
	require.NoError(t, err)
	_, err = h.engine.RequestTransfer(h.ctx, agentC, incoming.CaseID, agentA.AgentID, "")
	require.NoError(t, err)
	mine := h.create()
	_, err = h.engine.Accept(h.ctx, agentA, mine.CaseID)
	require.NoError(t, err)

	view, err := h.engine.ListQueue(h.ctx, agentA)
	require.NoError(t, err)
	require.Len(t, view.Pending, 1)
	assert.Equal(t, open.CaseID, view.Pending[0].CaseID)
	require.Len(t, view.Mine, 1)
	assert.Equal(t, mine.CaseID, view.Mine[0].CaseID)
	require.Len(t, view.Transfers, 1)
	assert.Equal(t, incoming.CaseID, view.Transfers[0].CaseID)

	cView, err := h.engine.ListQueue(h.ctx, agentC)
	require.NoError(t, err)
	assert.Empty(t, cView.Transfers)

	_, err = h.engine.ListQueue(h.ctx, customer)
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestListEligibleRecipients(t *testing.T) {
	h := newHarness(t)
	h.login(agentA, agentB, boss)

	got, err := h.engine.ListEligibleRecipients(h.ctx, agentA, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, agentB.AgentID, got[0].AgentID)
}

// conflictStore loses every conditional update
type conflictStore struct {
	*storage.MemoryStore
}

func (conflictStore) UpdateQuery(context.Context, *types.Query, storage.Condition) error {
	return storage.ErrConflict
}

func TestRetriesAreBounded(t *testing.T) {
	h := newHarnessWithStore(t, conflictStore{storage.NewMemoryStore()})
	q := h.create()

	_, err := h.engine.Accept(h.ctx, agentA, q.CaseID)
	assert.True(t, apperr.Is(err, apperr.Conflict), "got %v", err)
	assert.Equal(t, types.QueryPending, h.reload(q.CaseID).Status)
}

// interruptingStore loses the first conditional update after running onLoss
type interruptingStore struct {
	*storage.MemoryStore
	mu     sync.Mutex
	onLoss func()
}

func (s *interruptingStore) UpdateQuery(ctx context.Context, q *types.Query, cond storage.Condition) error {
	s.mu.Lock()
	hook := s.onLoss
	s.onLoss = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
		return storage.ErrConflict
	}
	return s.MemoryStore.UpdateQuery(ctx, q, cond)
}

func TestTransferRetryRechecksRecipient(t *testing.T) {
	store := &interruptingStore{MemoryStore: storage.NewMemoryStore()}
	h := newHarnessWithStore(t, store)
	h.login(agentA, agentB)
	q := h.create()
	_, err := h.engine.Accept(h.ctx, agentA, q.CaseID)
	require.NoError(t, err)

	store.mu.Lock()
	store.onLoss = func() {
		_, err := h.tracker.StartBreak(h.ctx, tenant, agentB.AgentID)
		require.NoError(t, err)
	}
	store.mu.Unlock()

	_, err = h.engine.RequestTransfer(h.ctx, agentA, q.CaseID, agentB.AgentID, "")
	assert.True(t, apperr.Is(err, apperr.RecipientUnavailable), "got %v", err)

	stored := h.reload(q.CaseID)
	assert.Equal(t, types.QueryAccepted, stored.Status)
	assert.Empty(t, stored.TransferHistory)
}

func TestRecordMessageIsLimitedToParticipants(t *testing.T) {
	h := newHarness(t)
	h.login(agentA, agentB, agentC)
	q := h.create()
	_, err := h.engine.Accept(h.ctx, agentA, q.CaseID)
	require.NoError(t, err)

	_, err = h.engine.RecordMessage(h.ctx, agentC, q.CaseID)
	assert.True(t, apperr.Is(err, apperr.Forbidden), "got %v", err)
	assert.Equal(t, types.QueryAccepted, h.reload(q.CaseID).Status)

	_, err = h.engine.RecordMessage(h.ctx, actor("cust-2", types.RoleCustomer), q.CaseID)
	assert.True(t, apperr.Is(err, apperr.Forbidden), "got %v", err)

	touched, err := h.engine.RecordMessage(h.ctx, customer, q.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.QueryInProgress, touched.Status)

	_, err = h.engine.RequestTransfer(h.ctx, agentA, q.CaseID, agentB.AgentID, "")
	require.NoError(t, err)

	_, err = h.engine.RecordMessage(h.ctx, agentA, q.CaseID)
	assert.True(t, apperr.Is(err, apperr.Forbidden), "previous handler gave the query away")
	_, err = h.engine.RecordMessage(h.ctx, agentB, q.CaseID)
	assert.NoError(t, err)
}

func TestMissingQuery(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Accept(h.ctx, agentA, "CS-NOPE")
	assert.True(t, apperr.Is(err, apperr.NotFound))
	_, err = h.engine.GetEscalationChain(h.ctx, agentA, "CS-NOPE")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}
