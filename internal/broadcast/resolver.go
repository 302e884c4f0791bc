// Package broadcast computes which agents should hear about a query and
// delivers realtime offers and notices to their connections.
package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/metrics"
	"github.com/dennisdiepolder/monti/casedesk/internal/policy"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
)

// Transport is the realtime connection layer
type Transport interface {
	TenantConnections(tenantID string) []types.Connection
	EmitToConnection(connID, event string, payload any) bool
	EmitToChannel(channel, event string, payload any) int
}

// PresenceReader lists tracked agents of a tenant
type PresenceReader interface {
	ListTenant(ctx context.Context, tenantID string) []types.AgentPresence
}

// WorkIndex answers assignment questions from the open-query set
type WorkIndex interface {
	HasActiveWork(ctx context.Context, tenantID, agentID string) (bool, error)
	BusyHandlers(ctx context.Context, tenantID string) (map[string]bool, error)
}

// TenantChannel is the channel every connection of a tenant joins
func TenantChannel(tenantID string) string {
	return "tenant:" + tenantID
}

// CaseChannel is the channel of one conversation
func CaseChannel(tenantID, caseID string) string {
	return "case:" + tenantID + ":" + caseID
}

// Config tunes delivery
type Config struct {
	Rate         float64 // offers per second per connection, 0 disables limiting
	Burst        int
	OfferTimeout time.Duration
}

// DeliveryReport summarizes one fan-out
type DeliveryReport struct {
	Delivered int `json:"delivered"`
	Skipped   int `json:"skipped"`
	Throttled int `json:"throttled"`
}

// Resolver is the eligibility and broadcast pipeline: Snapshot computes the
// target set, Deliver filters it again per connection and emits.
type Resolver struct {
	presence  PresenceReader
	work      WorkIndex
	transport Transport
	policy    policy.TransferPolicy
	limiters  *limiterSet
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	inflight  sync.WaitGroup
}

// NewResolver creates a resolver. A nil policy allows every staff transfer.
func NewResolver(presence PresenceReader, work WorkIndex, transport Transport, pol policy.TransferPolicy, cfg Config, logger zerolog.Logger) *Resolver {
	if pol == nil {
		pol = policy.AllowAll{}
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 5 * time.Second
	}
	return &Resolver{
		presence:  presence,
		work:      work,
		transport: transport,
		policy:    pol,
		limiters:  newLimiterSet(cfg.Rate, cfg.Burst),
		timeout:   cfg.OfferTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "broadcast").Logger(),
	}
}

// SetClock replaces the time source
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Snapshot returns the Active front-line agents of the tenant that hold no
// Accepted or InProgress query
func (r *Resolver) Snapshot(ctx context.Context, tenantID string) ([]types.AgentPresence, error) {
	busy, err := r.work.BusyHandlers(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var targets []types.AgentPresence
	for _, p := range r.presence.ListTenant(ctx, tenantID) {
		if !p.Role.IsFrontLine() || p.WorkStatus != types.WorkActive {
			continue
		}
		if busy[p.AgentID] {
			continue
		}
		targets = append(targets, p)
	}
	return targets, nil
}

// Deliver emits event to every live connection of targets, re-checking each
// agent's assignments first. Each connection receives at most one copy.
func (r *Resolver) Deliver(ctx context.Context, tenantID string, targets []types.AgentPresence, event string, payload any) DeliveryReport {
	var report DeliveryReport
	if len(targets) == 0 {
		return report
	}

	wanted := make(map[string]bool, len(targets))
	for _, p := range targets {
		wanted[p.AgentID] = true
	}

	seen := make(map[string]bool)
	now := r.now()
	for _, conn := range r.transport.TenantConnections(tenantID) {
		if !wanted[conn.AgentID] || seen[conn.ID] {
			continue
		}
		seen[conn.ID] = true

		busy, err := r.work.HasActiveWork(ctx, tenantID, conn.AgentID)
		if err != nil {
			r.logger.Warn().Err(err).Str("agent_id", conn.AgentID).Msg("delivery re-check failed, skipping connection")
			report.Skipped++
			continue
		}
		if busy {
			r.logger.Debug().Str("agent_id", conn.AgentID).Msg("agent became busy since snapshot")
			report.Skipped++
			continue
		}
		if !r.limiters.allow(conn.ID, now) {
			report.Throttled++
			continue
		}
		if r.transport.EmitToConnection(conn.ID, event, payload) {
			report.Delivered++
		} else {
			report.Skipped++
		}
	}

	r.limiters.prune(now)
	metrics.Get().RecordOffers(report.Delivered, report.Skipped, report.Throttled)
	return report
}

// OfferQuerySync runs the full pipeline for q and waits for it
func (r *Resolver) OfferQuerySync(ctx context.Context, q types.Query) (DeliveryReport, error) {
	targets, err := r.Snapshot(ctx, q.TenantID)
	if err != nil {
		return DeliveryReport{}, err
	}
	report := r.Deliver(ctx, q.TenantID, targets, types.EventNewQuery, types.NewQueryOffer(q, r.now()))
	r.logger.Debug().
		Str("case_id", q.CaseID).
		Int("targets", len(targets)).
		Int("delivered", report.Delivered).
		Int("skipped", report.Skipped).
		Msg("query offered")
	return report, nil
}

// OfferQuery runs the pipeline in the background. Failures are logged and
// never reach the caller.
func (r *Resolver) OfferQuery(ctx context.Context, q types.Query) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().Interface("panic", rec).Str("case_id", q.CaseID).Msg("offer panicked")
			}
		}()
		if _, err := r.OfferQuerySync(ctx, q); err != nil {
			r.logger.Error().Err(err).Str("case_id", q.CaseID).Msg("offer failed")
		}
	}()
}

// Wait blocks until background offers finish
func (r *Resolver) Wait() {
	r.inflight.Wait()
}

// AnnounceClaim tells the tenant that q is no longer open
func (r *Resolver) AnnounceClaim(q types.Query, agentID string) int {
	return r.transport.EmitToChannel(TenantChannel(q.TenantID), types.EventQueryClaimed, types.QueryClaimed{
		CaseID:    q.CaseID,
		TenantID:  q.TenantID,
		AgentID:   agentID,
		Timestamp: r.now(),
	})
}

// NotifyAgent emits event to every connection of one agent
func (r *Resolver) NotifyAgent(tenantID, agentID, event string, payload any) int {
	sent := 0
	for _, conn := range r.transport.TenantConnections(tenantID) {
		if conn.AgentID != agentID {
			continue
		}
		if r.transport.EmitToConnection(conn.ID, event, payload) {
			sent++
		}
	}
	return sent
}

// EmitCase emits event to the case channel
func (r *Resolver) EmitCase(tenantID, caseID, event string, payload any) int {
	return r.transport.EmitToChannel(CaseChannel(tenantID, caseID), event, payload)
}

// EligibleRecipients lists the agents actor may hand a query of category to,
// longest idle first
func (r *Resolver) EligibleRecipients(ctx context.Context, actor types.Actor, category string) ([]types.AgentPresence, error) {
	busy, err := r.work.BusyHandlers(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}

	var out []types.AgentPresence
	for _, p := range r.presence.ListTenant(ctx, actor.TenantID) {
		switch {
		case p.AgentID == actor.AgentID:
		case p.WorkStatus != types.WorkActive:
		case busy[p.AgentID]:
		case !p.Handles(category):
		case !r.policy.CanTransfer(actor, p):
		default:
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastStatusChangeAt.Before(out[j].LastStatusChangeAt)
	})
	return out, nil
}

// Policy returns the transfer capability check
func (r *Resolver) Policy() policy.TransferPolicy {
	return r.policy
}
