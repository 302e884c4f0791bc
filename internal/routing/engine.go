// Package routing owns the query lifecycle: acceptance, messaging,
// resolution, reopening, the transfer handshake and expiry.
package routing

import (
	"context"
	"errors"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/apperr"
	"github.com/dennisdiepolder/monti/casedesk/internal/conversation"
	"github.com/dennisdiepolder/monti/casedesk/internal/events"
	"github.com/dennisdiepolder/monti/casedesk/internal/metrics"
	"github.com/dennisdiepolder/monti/casedesk/internal/policy"
	"github.com/dennisdiepolder/monti/casedesk/internal/storage"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
)

// Lifecycle event types
const (
	EventCreated           = "query_created"
	EventAccepted          = "query_accepted"
	EventInProgress        = "query_in_progress"
	EventMessage           = "query_message"
	EventTransferRequested = "transfer_requested"
	EventTransferAccepted  = "transfer_accepted"
	EventTransferRejected  = "transfer_rejected"
	EventResolved          = "query_resolved"
	EventReopened          = "query_reopened"
	EventExpired           = "query_expired"
)

const (
	defaultExpiryWindow = 24 * time.Hour
	defaultMaxAttempts  = 5
)

// Presence is the part of the presence tracker the engine drives
type Presence interface {
	Get(ctx context.Context, tenantID, agentID string) (types.AgentPresence, bool)
	LoggedOutAt(tenantID, agentID string) (time.Time, bool)
	SetBusy(ctx context.Context, actor types.Actor) error
	ClearBusyIfNoActiveWork(ctx context.Context, tenantID, agentID string) (types.WorkStatus, error)
}

// Broadcaster delivers offers and notices to live connections
type Broadcaster interface {
	OfferQuery(ctx context.Context, q types.Query)
	AnnounceClaim(q types.Query, agentID string) int
	NotifyAgent(tenantID, agentID, event string, payload any) int
	EmitCase(tenantID, caseID, event string, payload any) int
	EligibleRecipients(ctx context.Context, actor types.Actor, category string) ([]types.AgentPresence, error)
}

// Options configures an Engine. Zero fields fall back to defaults.
type Options struct {
	ExpiryWindow time.Duration
	Policy       policy.TransferPolicy
	Notes        conversation.Notes
	Events       events.Publisher
	MaxAttempts  int
}

// Engine applies query transitions through conditional store updates
type Engine struct {
	store       storage.Store
	work        *storage.ActiveWork
	presence    Presence
	broadcast   Broadcaster
	policy      policy.TransferPolicy
	notes       conversation.Notes
	events      events.Publisher
	window      time.Duration
	maxAttempts int
	now         func() time.Time
	logger      zerolog.Logger
}

// NewEngine creates a routing engine
func NewEngine(store storage.Store, presence Presence, broadcast Broadcaster, opts Options, logger zerolog.Logger) *Engine {
	e := &Engine{
		store:       store,
		work:        storage.NewActiveWork(store),
		presence:    presence,
		broadcast:   broadcast,
		policy:      opts.Policy,
		notes:       opts.Notes,
		events:      opts.Events,
		window:      opts.ExpiryWindow,
		maxAttempts: opts.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With().Str("component", "routing").Logger(),
	}
	if e.policy == nil {
		e.policy = policy.AllowAll{}
	}
	if e.notes == nil {
		e.notes = conversation.Discard{}
	}
	if e.events == nil {
		e.events = events.Noop{}
	}
	if e.window <= 0 {
		e.window = defaultExpiryWindow
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = defaultMaxAttempts
	}
	return e
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ExpiryWindow returns the sliding expiry window
func (e *Engine) ExpiryWindow() time.Duration {
	return e.window
}

// mutate reads the query, lets apply change a copy, and writes it back with
// a status and version condition. A lost write is retried against a fresh
// read, so apply sees the winner's state and can report the proper error.
func (e *Engine) mutate(ctx context.Context, op, tenantID, caseID string, expect []types.QueryStatus, apply func(q *types.Query) error) (before, after *types.Query, err error) {
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		cur, err := e.store.GetQuery(ctx, tenantID, caseID)
		if err != nil {
			return nil, nil, e.storeError(op, caseID, err)
		}

		next := cur.Clone()
		if err := apply(next); err != nil {
			return cur, nil, err
		}

		cond := storage.Condition{Statuses: expect, Version: cur.Version}
		err = e.store.UpdateQuery(ctx, next, cond)
		if err == nil {
			return cur, next, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, nil, e.storeError(op, caseID, err)
		}

		e.logger.Debug().
			Str("op", op).
			Str("case_id", caseID).
			Int("attempt", attempt).
			Msg("conditional update lost, re-reading")
	}
	return nil, nil, apperr.New(apperr.Conflict, op, caseID, "query kept changing, giving up after %d attempts", e.maxAttempts)
}

func (e *Engine) storeError(op, caseID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.New(apperr.NotFound, op, caseID, "query not found")
	}
	return apperr.Wrap(apperr.Internal, op, caseID, err)
}

// advance moves q along the edge for trigger
func advance(op string, q *types.Query, trigger types.Trigger) error {
	next, ok := types.NextStatus(q.Status, trigger)
	if !ok {
		return apperr.New(apperr.InvalidTransition, op, q.CaseID, "cannot %s a %s query", trigger, q.Status)
	}
	q.Status = next
	return nil
}

// assign makes agentID the handler
func assign(q *types.Query, agentID string, now time.Time) {
	q.AssignedHandler = agentID
	q.AssignedAt = &now
}

// unassign clears the handler
func unassign(q *types.Query) {
	q.AssignedHandler = ""
	q.AssignedAt = nil
}

func requireStaff(op, caseID string, actor types.Actor) error {
	if !actor.Role.IsStaff() {
		return apperr.New(apperr.Forbidden, op, caseID, "role %q cannot handle queries", actor.Role)
	}
	return nil
}

// publish records the transition. Failures are logged, never returned.
func (e *Engine) publish(ctx context.Context, q *types.Query, eventType, agentID string) {
	ev := types.LifecycleEvent{
		Type:     eventType,
		CaseID:   q.CaseID,
		TenantID: q.TenantID,
		Status:   q.Status,
		AgentID:  agentID,
		Version:  q.Version,
		At:       q.UpdatedAt,
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn().Err(err).Str("case_id", q.CaseID).Str("event", eventType).Msg("failed to publish lifecycle event")
	}
}

func (e *Engine) note(ctx context.Context, q *types.Query, format string, args ...any) {
	if err := e.notes.Append(ctx, conversation.Note(q, e.now(), format, args...)); err != nil {
		e.logger.Warn().Err(err).Str("case_id", q.CaseID).Msg("failed to append system note")
	}
}

func (e *Engine) setBusy(ctx context.Context, actor types.Actor) {
	if err := e.presence.SetBusy(ctx, actor); err != nil {
		e.logger.Error().Err(err).Str("agent_id", actor.AgentID).Msg("failed to mark agent busy")
	}
}

// release re-evaluates a former handler's busy state
func (e *Engine) release(ctx context.Context, tenantID, agentID string) {
	if agentID == "" {
		return
	}
	status, err := e.presence.ClearBusyIfNoActiveWork(ctx, tenantID, agentID)
	if err != nil {
		e.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to re-evaluate busy state")
		return
	}
	e.logger.Debug().Str("agent_id", agentID).Str("status", string(status)).Msg("handler released")
}

// CreateQuery opens a Pending query and offers it to eligible agents
func (e *Engine) CreateQuery(ctx context.Context, actor types.Actor, in types.CreateQueryInput) (*types.Query, error) {
	const op = "create_query"
	if !actor.Role.CanOpenQueries() && actor.Role != types.RoleAdmin {
		return nil, apperr.New(apperr.Forbidden, op, "", "role %q cannot open queries", actor.Role)
	}
	if actor.TenantID == "" {
		return nil, apperr.New(apperr.InvalidInput, op, "", "tenant is required")
	}
	if in.Subject == "" {
		return nil, apperr.New(apperr.InvalidInput, op, "", "subject is required")
	}
	if actor.Role == types.RoleCustomer {
		in.CustomerID = actor.AgentID
		if in.CustomerName == "" {
			in.CustomerName = actor.Name
		}
	}
	if in.CustomerID == "" {
		return nil, apperr.New(apperr.InvalidInput, op, "", "customer id is required")
	}
	if in.CustomerName == "" {
		in.CustomerName = in.CustomerID
	}

	now := e.now()
	q := &types.Query{
		TenantID:     actor.TenantID,
		CustomerID:   in.CustomerID,
		CustomerName: in.CustomerName,
		Subject:      in.Subject,
		Category:     in.Category,
		Priority:     in.Priority,
		Status:       types.QueryPending,
		CreatedAt:    now,
	}
	q.Touch(now, e.window)

	var err error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		q.CaseID = NewCaseID(now)
		err = e.store.CreateQuery(ctx, q)
		if !errors.Is(err, storage.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, q.CaseID, err)
	}

	metrics.Get().RecordQueryCreated()
	e.logger.Info().
		Str("case_id", q.CaseID).
		Str("tenant_id", q.TenantID).
		Str("category", q.Category).
		Msg("query created")
	e.note(ctx, q, "Query opened: %s", q.Subject)
	e.publish(ctx, q, EventCreated, "")
	e.broadcast.OfferQuery(ctx, *q)
	return q, nil
}

// Accept claims a Pending query, or takes over a Transferred query addressed
// to the actor. Of several concurrent accepts exactly one succeeds.
func (e *Engine) Accept(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error) {
	const op = "accept"
	if err := requireStaff(op, caseID, actor); err != nil {
		return nil, err
	}

	before, q, err := e.mutate(ctx, op, actor.TenantID, caseID, types.SourceStatuses(types.TriggerAccept), func(q *types.Query) error {
		now := e.now()
		switch q.Status {
		case types.QueryPending:
			if err := advance(op, q, types.TriggerAccept); err != nil {
				return err
			}
			assign(q, actor.AgentID, now)
		case types.QueryTransferred:
			if err := e.takeTransfer(op, q, actor, now); err != nil {
				return err
			}
		case types.QueryAccepted, types.QueryInProgress:
			return apperr.New(apperr.AlreadyAssigned, op, caseID, "query is handled by another agent")
		default:
			return apperr.New(apperr.InvalidTransition, op, caseID, "cannot accept a %s query", q.Status)
		}
		q.Touch(now, e.window)
		return nil
	})
	if err != nil {
		if apperr.Is(err, apperr.AlreadyAssigned) {
			metrics.Get().RecordAcceptRaceLost()
		}
		return nil, err
	}

	if before.Status == types.QueryTransferred {
		e.afterTransferAccepted(ctx, actor, q)
		return q, nil
	}

	e.setBusy(ctx, actor)
	metrics.Get().RecordTransition(types.TriggerAccept)
	e.logger.Debug().Str("case_id", caseID).Str("agent_id", actor.AgentID).Msg("query accepted")
	e.note(ctx, q, "%s accepted the query", actorName(actor))
	e.publish(ctx, q, EventAccepted, actor.AgentID)
	e.broadcast.AnnounceClaim(*q, actor.AgentID)
	return q, nil
}

// RecordMessage notes that a message was sent on the query. The first
// message moves an Accepted query to InProgress; every message slides the
// expiry window.
func (e *Engine) RecordMessage(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error) {
	const op = "record_message"
	expect := []types.QueryStatus{types.QueryPending, types.QueryAccepted, types.QueryInProgress, types.QueryTransferred}

	before, q, err := e.mutate(ctx, op, actor.TenantID, caseID, expect, func(q *types.Query) error {
		if err := authorizeParticipant(op, q, actor); err != nil {
			return err
		}
		if q.Status.IsTerminal() {
			return apperr.New(apperr.InvalidTransition, op, caseID, "query is %s", q.Status)
		}
		if err := authorizeStaffMessage(op, q, actor); err != nil {
			return err
		}
		if q.Status == types.QueryAccepted {
			if err := advance(op, q, types.TriggerFirstMessage); err != nil {
				return err
			}
		}
		q.HasMessages = true
		q.Touch(e.now(), e.window)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if before.Status != q.Status {
		e.logger.Debug().Str("case_id", caseID).Msg("query in progress")
		e.publish(ctx, q, EventInProgress, actor.AgentID)
		e.broadcast.EmitCase(q.TenantID, q.CaseID, types.EventQueryUpdated, q)
	} else {
		e.publish(ctx, q, EventMessage, actor.AgentID)
	}
	return q, nil
}

// Resolve closes a query held by the actor and re-evaluates their busy state
// before returning
func (e *Engine) Resolve(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error) {
	const op = "resolve"
	if err := requireStaff(op, caseID, actor); err != nil {
		return nil, err
	}

	_, q, err := e.mutate(ctx, op, actor.TenantID, caseID, types.SourceStatuses(types.TriggerResolve), func(q *types.Query) error {
		if !q.Status.IsActive() {
			return apperr.New(apperr.InvalidTransition, op, caseID, "cannot resolve a %s query", q.Status)
		}
		if q.AssignedHandler != actor.AgentID {
			return apperr.New(apperr.Forbidden, op, caseID, "only the assigned handler may resolve")
		}
		if err := advance(op, q, types.TriggerResolve); err != nil {
			return err
		}
		now := e.now()
		unassign(q)
		q.ResolvedAt = &now
		q.ResolvedBy = actor.AgentID
		q.Touch(now, e.window)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.release(ctx, actor.TenantID, actor.AgentID)
	metrics.Get().RecordTransition(types.TriggerResolve)
	e.logger.Debug().Str("case_id", caseID).Str("agent_id", actor.AgentID).Msg("query resolved")
	e.note(ctx, q, "%s resolved the query", actorName(actor))
	e.publish(ctx, q, EventResolved, actor.AgentID)
	e.broadcast.EmitCase(q.TenantID, q.CaseID, types.EventQueryUpdated, q)
	return q, nil
}

// Reopen returns a Resolved or Expired query to Pending and offers it again
func (e *Engine) Reopen(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error) {
	const op = "reopen"
	if !actor.Role.CanOpenQueries() {
		return nil, apperr.New(apperr.Forbidden, op, caseID, "role %q cannot reopen queries", actor.Role)
	}

	_, q, err := e.mutate(ctx, op, actor.TenantID, caseID, types.SourceStatuses(types.TriggerReopen), func(q *types.Query) error {
		if err := authorizeParticipant(op, q, actor); err != nil {
			return err
		}
		if err := advance(op, q, types.TriggerReopen); err != nil {
			return err
		}
		unassign(q)
		q.ResolvedAt = nil
		q.ResolvedBy = ""
		q.Touch(e.now(), e.window)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Get().RecordTransition(types.TriggerReopen)
	e.logger.Debug().Str("case_id", caseID).Msg("query reopened")
	e.note(ctx, q, "Query reopened")
	e.publish(ctx, q, EventReopened, actor.AgentID)
	e.broadcast.OfferQuery(ctx, *q)
	return q, nil
}

// authorizeParticipant keeps customers to their own queries
func authorizeParticipant(op string, q *types.Query, actor types.Actor) error {
	if actor.Role == types.RoleCustomer && q.CustomerID != actor.AgentID {
		return apperr.New(apperr.Forbidden, op, q.CaseID, "query belongs to another customer")
	}
	return nil
}

// authorizeStaffMessage limits staff to queries they handle, or to a
// hand-off addressed to them
func authorizeStaffMessage(op string, q *types.Query, actor types.Actor) error {
	if actor.Role == types.RoleCustomer {
		return nil
	}
	if q.AssignedHandler != "" && q.AssignedHandler == actor.AgentID {
		return nil
	}
	if pending := q.PendingTransfer(); pending != nil && pending.ToAgent == actor.AgentID {
		return nil
	}
	return apperr.New(apperr.Forbidden, op, q.CaseID, "only the assigned handler may message this query")
}

func actorName(actor types.Actor) string {
	if actor.Name != "" {
		return actor.Name
	}
	return actor.AgentID
}
