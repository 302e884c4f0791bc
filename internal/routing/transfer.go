package routing

import (
	"context"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/apperr"
	"github.com/dennisdiepolder/monti/casedesk/internal/metrics"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/google/uuid"
)

// RequestTransfer hands the query from its handler to toAgentID. The query
// becomes Transferred with no handler until the recipient accepts.
func (e *Engine) RequestTransfer(ctx context.Context, actor types.Actor, caseID, toAgentID, reason string) (*types.Query, error) {
	const op = "request_transfer"
	if err := requireStaff(op, caseID, actor); err != nil {
		return nil, err
	}
	if toAgentID == "" {
		return nil, apperr.New(apperr.InvalidInput, op, caseID, "recipient is required")
	}

	var record types.TransferRecord
	before, q, err := e.mutate(ctx, op, actor.TenantID, caseID, types.SourceStatuses(types.TriggerTransfer), func(q *types.Query) error {
		if q.PendingTransfer() != nil {
			return apperr.New(apperr.TransferAlreadyPending, op, caseID, "a transfer to %s is still pending", q.PendingTransfer().ToAgent)
		}

		from := q.AssignedHandler
		switch q.Status {
		case types.QueryAccepted, types.QueryInProgress:
			if q.AssignedHandler != actor.AgentID {
				return apperr.New(apperr.Forbidden, op, caseID, "only the assigned handler may transfer")
			}
		case types.QueryTransferred:
			// re-transfer after a rejected hand-off
			if !actor.Role.CanSupervise() {
				return apperr.New(apperr.Forbidden, op, caseID, "only a supervisor may re-transfer a rejected hand-off")
			}
			if last := q.LatestTransfer(); last != nil {
				from = last.FromAgent
			}
		default:
			return apperr.New(apperr.InvalidTransition, op, caseID, "cannot transfer a %s query", q.Status)
		}
		if toAgentID == q.AssignedHandler {
			return apperr.New(apperr.InvalidInput, op, caseID, "query is already handled by %s", toAgentID)
		}
		// checked after the query's own checks and again on every retry
		if err := e.checkRecipient(ctx, op, caseID, actor, toAgentID); err != nil {
			return err
		}
		if err := advance(op, q, types.TriggerTransfer); err != nil {
			return err
		}

		now := e.now()
		record = types.TransferRecord{
			ID:          uuid.NewString(),
			FromAgent:   from,
			ToAgent:     toAgentID,
			RequestedBy: actor.AgentID,
			Reason:      reason,
			Status:      types.TransferRequested,
			RequestedAt: now,
		}
		q.TransferHistory = append(q.TransferHistory, record)
		unassign(q)
		q.Touch(now, e.window)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.release(ctx, actor.TenantID, before.AssignedHandler)
	metrics.Get().RecordTransition(types.TriggerTransfer)
	e.logger.Info().
		Str("case_id", caseID).
		Str("from", record.FromAgent).
		Str("to", toAgentID).
		Str("transfer_id", record.ID).
		Msg("transfer requested")
	e.note(ctx, q, "%s requested a transfer to %s", actorName(actor), toAgentID)
	e.publish(ctx, q, EventTransferRequested, actor.AgentID)

	notice := transferNotice(q, record, e.now())
	e.broadcast.NotifyAgent(q.TenantID, toAgentID, types.EventTransferRequested, notice)
	e.broadcast.EmitCase(q.TenantID, q.CaseID, types.EventTransferRequested, notice)
	return q, nil
}

// checkRecipient verifies the recipient is a logged-in, idle staff member the
// actor may hand work to
func (e *Engine) checkRecipient(ctx context.Context, op, caseID string, actor types.Actor, toAgentID string) error {
	target, ok := e.presence.Get(ctx, actor.TenantID, toAgentID)
	if !ok {
		if _, gone := e.presence.LoggedOutAt(actor.TenantID, toAgentID); gone {
			return apperr.New(apperr.RecipientUnavailable, op, caseID, "agent %s is offline", toAgentID)
		}
		return apperr.New(apperr.NotFound, op, caseID, "agent %s is not known", toAgentID)
	}
	switch target.WorkStatus {
	case types.WorkBreak, types.WorkOffline:
		return apperr.New(apperr.RecipientUnavailable, op, caseID, "agent %s is on %s", toAgentID, target.WorkStatus)
	case types.WorkBusy:
		return apperr.New(apperr.RecipientUnavailable, op, caseID, "agent %s is busy", toAgentID)
	}

	busy, err := e.work.HasActiveWork(ctx, actor.TenantID, toAgentID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, caseID, err)
	}
	if busy {
		return apperr.New(apperr.RecipientUnavailable, op, caseID, "agent %s holds an active query", toAgentID)
	}

	if !e.policy.CanTransfer(actor, target) {
		return apperr.New(apperr.Forbidden, op, caseID, "%s may not transfer to a %s", actor.Role, target.Role)
	}
	return nil
}

// AcceptTransfer completes the handshake for the named recipient
func (e *Engine) AcceptTransfer(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error) {
	const op = "accept_transfer"
	if err := requireStaff(op, caseID, actor); err != nil {
		return nil, err
	}

	_, q, err := e.mutate(ctx, op, actor.TenantID, caseID, []types.QueryStatus{types.QueryTransferred}, func(q *types.Query) error {
		if q.Status != types.QueryTransferred {
			return apperr.New(apperr.InvalidTransition, op, caseID, "query is %s, not transferred", q.Status)
		}
		now := e.now()
		if err := e.takeTransfer(op, q, actor, now); err != nil {
			return err
		}
		q.Touch(now, e.window)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.afterTransferAccepted(ctx, actor, q)
	return q, nil
}

// takeTransfer closes the pending record as Accepted and hands q to actor
func (e *Engine) takeTransfer(op string, q *types.Query, actor types.Actor, now time.Time) error {
	rec := q.PendingTransfer()
	if rec == nil {
		return apperr.New(apperr.InvalidTransition, op, q.CaseID, "no transfer is pending")
	}
	if rec.ToAgent != actor.AgentID {
		return apperr.New(apperr.NotIntendedRecipient, op, q.CaseID, "transfer is addressed to %s", rec.ToAgent)
	}
	if err := advance(op, q, types.TriggerAccept); err != nil {
		return err
	}
	rec.Accept(now)
	assign(q, actor.AgentID, now)
	return nil
}

func (e *Engine) afterTransferAccepted(ctx context.Context, actor types.Actor, q *types.Query) {
	e.setBusy(ctx, actor)
	metrics.Get().RecordTransition(types.TriggerAccept)
	metrics.Get().RecordTransferOutcome(true)

	rec := q.LatestTransfer()
	e.logger.Info().
		Str("case_id", q.CaseID).
		Str("agent_id", actor.AgentID).
		Str("transfer_id", rec.ID).
		Msg("transfer accepted")
	e.note(ctx, q, "%s accepted the transfer", actorName(actor))
	e.publish(ctx, q, EventTransferAccepted, actor.AgentID)

	notice := transferNotice(q, *rec, e.now())
	e.broadcast.EmitCase(q.TenantID, q.CaseID, types.EventTransferAccepted, notice)
	if rec.RequestedBy != "" {
		e.broadcast.NotifyAgent(q.TenantID, rec.RequestedBy, types.EventTransferAccepted, notice)
	}
}

// RejectTransfer declines the pending transfer. The query stays Transferred
// without a handler until a supervisor re-transfers it.
func (e *Engine) RejectTransfer(ctx context.Context, actor types.Actor, caseID, reason string) (*types.Query, error) {
	const op = "reject_transfer"
	if err := requireStaff(op, caseID, actor); err != nil {
		return nil, err
	}

	_, q, err := e.mutate(ctx, op, actor.TenantID, caseID, []types.QueryStatus{types.QueryTransferred}, func(q *types.Query) error {
		if q.Status != types.QueryTransferred {
			return apperr.New(apperr.InvalidTransition, op, caseID, "query is %s, not transferred", q.Status)
		}
		rec := q.PendingTransfer()
		if rec == nil {
			return apperr.New(apperr.InvalidTransition, op, caseID, "no transfer is pending")
		}
		if rec.ToAgent != actor.AgentID {
			return apperr.New(apperr.NotIntendedRecipient, op, caseID, "transfer is addressed to %s", rec.ToAgent)
		}
		now := e.now()
		rec.Reject(now, reason)
		q.Touch(now, e.window)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Get().RecordTransferOutcome(false)
	rec := q.LatestTransfer()
	e.logger.Info().
		Str("case_id", caseID).
		Str("agent_id", actor.AgentID).
		Str("transfer_id", rec.ID).
		Msg("transfer rejected")
	e.note(ctx, q, "%s declined the transfer", actorName(actor))
	e.publish(ctx, q, EventTransferRejected, actor.AgentID)

	notice := transferNotice(q, *rec, e.now())
	e.broadcast.EmitCase(q.TenantID, q.CaseID, types.EventTransferRejected, notice)
	if rec.RequestedBy != "" {
		e.broadcast.NotifyAgent(q.TenantID, rec.RequestedBy, types.EventTransferRejected, notice)
	}
	return q, nil
}

func transferNotice(q *types.Query, rec types.TransferRecord, now time.Time) types.TransferNotice {
	return types.TransferNotice{
		CaseID:       q.CaseID,
		TenantID:     q.TenantID,
		TransferID:   rec.ID,
		FromAgent:    rec.FromAgent,
		ToAgent:      rec.ToAgent,
		Reason:       rec.Reason,
		Status:       rec.Status,
		RejectReason: rec.RejectReason,
		Subject:      q.Subject,
		Timestamp:    now,
	}
}
