package api

import (
	"context"
	"net/http"

	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// QueryEngine is the routing surface served over HTTP
type QueryEngine interface {
	CreateQuery(ctx context.Context, actor types.Actor, in types.CreateQueryInput) (*types.Query, error)
	GetQuery(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error)
	ListQueue(ctx context.Context, actor types.Actor) (*types.QueueView, error)
	Accept(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error)
	RecordMessage(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error)
	RequestTransfer(ctx context.Context, actor types.Actor, caseID, toAgentID, reason string) (*types.Query, error)
	AcceptTransfer(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error)
	RejectTransfer(ctx context.Context, actor types.Actor, caseID, reason string) (*types.Query, error)
	Resolve(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error)
	Reopen(ctx context.Context, actor types.Actor, caseID string) (*types.Query, error)
	GetEscalationChain(ctx context.Context, actor types.Actor, caseID string) (*types.EscalationChain, error)
	ListEligibleRecipients(ctx context.Context, actor types.Actor, category string) ([]types.AgentPresence, error)
}

// QueryHandler serves the query lifecycle endpoints
type QueryHandler struct {
	engine QueryEngine
	logger zerolog.Logger
}

// NewQueryHandler creates a new QueryHandler
func NewQueryHandler(engine QueryEngine, logger zerolog.Logger) *QueryHandler {
	return &QueryHandler{
		engine: engine,
		logger: logger.With().Str("component", "query_handler").Logger(),
	}
}

// Routes mounts the query endpoints on r
func (h *QueryHandler) Routes(r chi.Router) {
	r.Post("/queries", h.Create)
	r.Get("/queries/{caseId}", h.Get)
	r.Post("/queries/{caseId}/messages", h.RecordMessage)
	r.Post("/queries/{caseId}/reopen", h.Reopen)

	r.Group(func(r chi.Router) {
		r.Use(RequireStaff)
		r.Get("/queries", h.ListQueue)
		r.Post("/queries/{caseId}/accept", h.Accept)
		r.Post("/queries/{caseId}/transfer", h.RequestTransfer)
		r.Post("/queries/{caseId}/transfer/accept", h.AcceptTransfer)
		r.Post("/queries/{caseId}/transfer/reject", h.RejectTransfer)
		r.Post("/queries/{caseId}/resolve", h.Resolve)
		r.Get("/queries/{caseId}/escalation-chain", h.EscalationChain)
		r.Get("/recipients", h.Recipients)
	})
}

type transferRequest struct {
	ToAgentID string `json:"toAgentId"`
	Reason    string `json:"reason"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// respond writes q or the mapped error
func (h *QueryHandler) respond(w http.ResponseWriter, status int, q *types.Query, err error) {
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, status, q)
}

// Create opens a new query
// POST /api/queries
func (h *QueryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in types.CreateQueryInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	q, err := h.engine.CreateQuery(r.Context(), actorOf(r), in)
	h.respond(w, http.StatusCreated, q, err)
}

// Get returns one query
// GET /api/queries/{caseId}
func (h *QueryHandler) Get(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.GetQuery(r.Context(), actorOf(r), chi.URLParam(r, "caseId"))
	h.respond(w, http.StatusOK, q, err)
}

// ListQueue returns the caller's queue view
// GET /api/queries
func (h *QueryHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.ListQueue(r.Context(), actorOf(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Accept claims a pending query or takes a hand-off
// POST /api/queries/{caseId}/accept
func (h *QueryHandler) Accept(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.Accept(r.Context(), actorOf(r), chi.URLParam(r, "caseId"))
	h.respond(w, http.StatusOK, q, err)
}

// RecordMessage registers conversation activity
// POST /api/queries/{caseId}/messages
func (h *QueryHandler) RecordMessage(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.RecordMessage(r.Context(), actorOf(r), chi.URLParam(r, "caseId"))
	h.respond(w, http.StatusOK, q, err)
}

// RequestTransfer hands the query to another agent
// POST /api/queries/{caseId}/transfer
func (h *QueryHandler) RequestTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	q, err := h.engine.RequestTransfer(r.Context(), actorOf(r), chi.URLParam(r, "caseId"), req.ToAgentID, req.Reason)
	h.respond(w, http.StatusOK, q, err)
}

// AcceptTransfer takes a pending hand-off
// POST /api/queries/{caseId}/transfer/accept
func (h *QueryHandler) AcceptTransfer(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.AcceptTransfer(r.Context(), actorOf(r), chi.URLParam(r, "caseId"))
	h.respond(w, http.StatusOK, q, err)
}

// RejectTransfer declines a pending hand-off
// POST /api/queries/{caseId}/transfer/reject
func (h *QueryHandler) RejectTransfer(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	q, err := h.engine.RejectTransfer(r.Context(), actorOf(r), chi.URLParam(r, "caseId"), req.Reason)
	h.respond(w, http.StatusOK, q, err)
}

// Resolve closes the query
// POST /api/queries/{caseId}/resolve
func (h *QueryHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.Resolve(r.Context(), actorOf(r), chi.URLParam(r, "caseId"))
	h.respond(w, http.StatusOK, q, err)
}

// Reopen puts a closed query back into the pending pool
// POST /api/queries/{caseId}/reopen
func (h *QueryHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.Reopen(r.Context(), actorOf(r), chi.URLParam(r, "caseId"))
	h.respond(w, http.StatusOK, q, err)
}

// EscalationChain returns the ordered handlers of a query
// GET /api/queries/{caseId}/escalation-chain
func (h *QueryHandler) EscalationChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.engine.GetEscalationChain(r.Context(), actorOf(r), chi.URLParam(r, "caseId"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// Recipients lists agents the caller could hand a query to
// GET /api/recipients?category=
func (h *QueryHandler) Recipients(w http.ResponseWriter, r *http.Request) {
	agents, err := h.engine.ListEligibleRecipients(r.Context(), actorOf(r), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if agents == nil {
		agents = []types.AgentPresence{}
	}
	writeJSON(w, http.StatusOK, agents)
}
