package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/dennisdiepolder/monti/casedesk/internal/apperr"
	"github.com/dennisdiepolder/monti/casedesk/internal/metrics"
	"github.com/dennisdiepolder/monti/casedesk/internal/storage"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
)

// errStillLive marks a query whose window slid after it was listed
var errStillLive = errors.New("expiry window moved")

// SweepExpired expires every non-terminal query whose window has lapsed. A
// pending transfer on an expired query is closed as rejected. Running it
// again right away changes nothing.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	const op = "sweep"
	now := e.now()
	stale, err := e.store.ListQueries(ctx, storage.Filter{
		Statuses:      types.SourceStatuses(types.TriggerSweep),
		ExpiresBefore: now,
	})
	if err != nil {
		return 0, fmt.Errorf("list expired queries: %w", err)
	}

	var errs []error
	expired := 0
	for _, candidate := range stale {
		before, q, err := e.mutate(ctx, op, candidate.TenantID, candidate.CaseID, types.SourceStatuses(types.TriggerSweep), func(q *types.Query) error {
			if !q.ExpiresAt.Before(now) {
				return errStillLive
			}
			if err := advance(op, q, types.TriggerSweep); err != nil {
				return err
			}
			if rec := q.PendingTransfer(); rec != nil {
				rec.Reject(now, types.RejectReasonExpired)
			}
			unassign(q)
			q.UpdatedAt = now
			return nil
		})
		switch {
		case err == nil:
		case errors.Is(err, errStillLive), apperr.Is(err, apperr.InvalidTransition), apperr.Is(err, apperr.NotFound):
			// touched, finished or removed since listing
			continue
		default:
			errs = append(errs, err)
			continue
		}

		expired++
		e.release(ctx, q.TenantID, before.AssignedHandler)
		metrics.Get().RecordTransition(types.TriggerSweep)
		e.logger.Debug().
			Str("case_id", q.CaseID).
			Str("tenant_id", q.TenantID).
			Str("from", string(before.Status)).
			Msg("query expired")
		e.note(ctx, q, "Query expired after %s without activity", e.window)
		e.publish(ctx, q, EventExpired, "")
		e.broadcast.EmitCase(q.TenantID, q.CaseID, types.EventQueryUpdated, q)
	}

	if expired > 0 || len(errs) > 0 {
		e.logger.Info().Int("expired", expired).Int("failed", len(errs)).Msg("sweep finished")
	}
	return expired, errors.Join(errs...)
}
