package routing

import (
	"context"

	"github.com/dennisdiepolder/monti/casedesk/internal/apperr"
	"github.com/dennisdiepolder/monti/casedesk/internal/storage"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
)

// GetQuery returns one query of the actor's tenant
func (e *Engine) GetQuery(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error) {
	const op = "get_query"
	q, err := e.store.GetQuery(ctx, actor.TenantID, caseID)
	if err != nil {
		return nil, e.storeError(op, caseID, err)
	}
	if err := authorizeParticipant(op, q, actor); err != nil {
		return nil, err
	}
	return q, nil
}

// ListQueue returns the open Pending queries, the actor's own active
// queries and the transfers waiting for the actor
func (e *Engine) ListQueue(ctx context.Context, actor types.Actor) (*types.QueueView, error) {
	const op = "list_queue"
	if err := requireStaff(op, "", actor); err != nil {
		return nil, err
	}

	pending, err := e.store.ListQueries(ctx, storage.Filter{
		TenantID: actor.TenantID,
		Statuses: []types.QueryStatus{types.QueryPending},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, "", err)
	}
	mine, err := e.store.ListQueries(ctx, storage.Filter{
		TenantID: actor.TenantID,
		Statuses: types.ActiveStatuses,
		Handler:  actor.AgentID,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, "", err)
	}
	transferred, err := e.store.ListQueries(ctx, storage.Filter{
		TenantID: actor.TenantID,
		Statuses: []types.QueryStatus{types.QueryTransferred},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, "", err)
	}

	view := &types.QueueView{
		Pending:   pending,
		Mine:      mine,
		Transfers: make([]types.Query, 0),
	}
	for i := range transferred {
		if rec := transferred[i].PendingTransfer(); rec != nil && rec.ToAgent == actor.AgentID {
			view.Transfers = append(view.Transfers, transferred[i])
		}
	}
	return view, nil
}

// GetEscalationChain returns the ordered list of handlers a query passed
// through, with every hand-off attempt
func (e *Engine) GetEscalationChain(ctx context.Context, actor types.Actor, caseID string) (*types.EscalationChain, error) {
	const op = "escalation_chain"
	if err := requireStaff(op, caseID, actor); err != nil {
		return nil, err
	}
	q, err := e.store.GetQuery(ctx, actor.TenantID, caseID)
	if err != nil {
		return nil, e.storeError(op, caseID, err)
	}
	return BuildChain(q), nil
}

// BuildChain derives the escalation chain of q from its transfer history
func BuildChain(q *types.Query) *types.EscalationChain {
	chain := &types.EscalationChain{
		CaseID:         q.CaseID,
		TenantID:       q.TenantID,
		Status:         q.Status,
		CurrentHandler: q.AssignedHandler,
		Handlers:       make([]string, 0, len(q.TransferHistory)+1),
		Hops:           make([]types.TransferRecord, 0, len(q.TransferHistory)),
	}

	appendHandler := func(id string) {
		if id == "" {
			return
		}
		if n := len(chain.Handlers); n > 0 && chain.Handlers[n-1] == id {
			return
		}
		chain.Handlers = append(chain.Handlers, id)
	}

	if len(q.TransferHistory) > 0 {
		appendHandler(q.TransferHistory[0].FromAgent)
	}
	for _, rec := range q.TransferHistory {
		chain.Hops = append(chain.Hops, rec)
		if rec.Status == types.TransferAccepted {
			appendHandler(rec.ToAgent)
		}
	}
	if len(q.TransferHistory) == 0 {
		appendHandler(q.AssignedHandler)
		appendHandler(q.ResolvedBy)
	}
	return chain
}

// ListEligibleRecipients lists the agents the actor may transfer to
func (e *Engine) ListEligibleRecipients(ctx context.Context, actor types.Actor, category string) ([]types.AgentPresence, error) {
	const op = "list_recipients"
	if err := requireStaff(op, "", actor); err != nil {
		return nil, err
	}
	out, err := e.broadcast.EligibleRecipients(ctx, actor, category)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, "", err)
	}
	return out, nil
}
