package api

import (
	"context"
	"net/http"

	"github.com/dennisdiepolder/monti/casedesk/internal/apperr"
	"github.com/dennisdiepolder/monti/casedesk/internal/metrics"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// PresenceService is the presence surface served over HTTP
type PresenceService interface {
	Login(ctx context.Context, actor types.Actor, categories []string) (types.AgentPresence, error)
	Logout(ctx context.Context, tenantID, agentID string) (types.AgentPresence, error)
	StartBreak(ctx context.Context, tenantID, agentID string) (types.AgentPresence, error)
	EndBreak(ctx context.Context, tenantID, agentID string) (types.AgentPresence, error)
	Get(ctx context.Context, tenantID, agentID string) (types.AgentPresence, bool)
	ListTenant(ctx context.Context, tenantID string) []types.AgentPresence
	Snapshot() []types.AgentPresence
	View(p types.AgentPresence) types.PresenceView
}

// PresenceHandler serves the agent presence endpoints
type PresenceHandler struct {
	tracker PresenceService
	logger  zerolog.Logger
}

// NewPresenceHandler creates a new PresenceHandler
func NewPresenceHandler(tracker PresenceService, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{
		tracker: tracker,
		logger:  logger.With().Str("component", "presence_handler").Logger(),
	}
}

// Routes mounts the presence endpoints on r
func (h *PresenceHandler) Routes(r chi.Router) {
	r.Route("/presence", func(r chi.Router) {
		r.Use(RequireStaff)
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Post("/break/start", h.StartBreak)
		r.Post("/break/end", h.EndBreak)
		r.Get("/me", h.Me)
		r.Get("/", h.List)
	})
}

type loginRequest struct {
	Categories []string `json:"categories"`
}

func (h *PresenceHandler) respond(w http.ResponseWriter, p types.AgentPresence, err error) {
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	metrics.Get().UpdatePresence(h.tracker.Snapshot())
	writeJSON(w, http.StatusOK, h.tracker.View(p))
}

// Login signs the caller in as Active
// POST /api/presence/login
func (h *PresenceHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.tracker.Login(r.Context(), actorOf(r), req.Categories)
	h.respond(w, p, err)
}

// Logout signs the caller out
// POST /api/presence/logout
func (h *PresenceHandler) Logout(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	p, err := h.tracker.Logout(r.Context(), actor.TenantID, actor.AgentID)
	h.respond(w, p, err)
}

// StartBreak moves the caller to Break
// POST /api/presence/break/start
func (h *PresenceHandler) StartBreak(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	p, err := h.tracker.StartBreak(r.Context(), actor.TenantID, actor.AgentID)
	h.respond(w, p, err)
}

// EndBreak returns the caller to Active
// POST /api/presence/break/end
func (h *PresenceHandler) EndBreak(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	p, err := h.tracker.EndBreak(r.Context(), actor.TenantID, actor.AgentID)
	h.respond(w, p, err)
}

// Me returns the caller's presence
// GET /api/presence/me
func (h *PresenceHandler) Me(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	p, ok := h.tracker.Get(r.Context(), actor.TenantID, actor.AgentID)
	if !ok {
		writeError(w, h.logger, apperr.New(apperr.NotFound, "presence", "", "agent %s is not logged in", actor.AgentID))
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.View(p))
}

// List returns every agent of the caller's tenant; supervisors only
// GET /api/presence
func (h *PresenceHandler) List(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	if !actor.Role.CanSupervise() {
		writeError(w, h.logger, apperr.New(apperr.Forbidden, "presence", "", "supervisor role required"))
		return
	}
	agents := h.tracker.ListTenant(r.Context(), actor.TenantID)
	views := make([]types.PresenceView, 0, len(agents))
	for _, p := range agents {
		views = append(views, h.tracker.View(p))
	}
	writeJSON(w, http.StatusOK, views)
}
