package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/auth"
	"github.com/dennisdiepolder/monti/casedesk/internal/broadcast"
	"github.com/dennisdiepolder/monti/casedesk/internal/policy"
	"github.com/dennisdiepolder/monti/casedesk/internal/presence"
	"github.com/dennisdiepolder/monti/casedesk/internal/routing"
	"github.com/dennisdiepolder/monti/casedesk/internal/storage"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/dennisdiepolder/monti/casedesk/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type caller struct {
	id   string
	role types.Role
}

var (
	alice  = caller{"alice", types.RoleAgent}
	bob    = caller{"bob", types.RoleAgent}
	casey  = caller{"casey", types.RoleCustomer}
	morgan = caller{"morgan", types.RoleSupervisor}
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	t.Setenv("SKIP_AUTH", "true")

	logger := zerolog.Nop()
	store := storage.NewMemoryStore()
	work := storage.NewActiveWork(store)
	tracker := presence.NewTracker(work, nil, logger)
	pol := policy.DefaultMatrix()
	resolver := broadcast.NewResolver(tracker, work, websocket.NewHub(logger), pol, broadcast.Config{}, logger)
	t.Cleanup(resolver.Wait)
	engine := routing.NewEngine(store, tracker, resolver, routing.Options{
		ExpiryWindow: time.Hour,
		Policy:       pol,
	}, logger)

	r := chi.NewRouter()
	r.Use(auth.NewMiddleware(logger))
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireIdentity)
		NewQueryHandler(engine, logger).Routes(r)
		NewPresenceHandler(tracker, logger).Routes(r)
	})
	return r
}

func do(t *testing.T, h http.Handler, c caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Agent-ID", c.id)
	req.Header.Set("X-Role", string(c.role))
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeQuery(t *testing.T, rec *httptest.ResponseRecorder) types.Query {
	t.Helper()
	var q types.Query
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q), rec.Body.String())
	return q
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestQueryLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	require.Equal(t, http.StatusOK, do(t, srv, alice, http.MethodPost, "/api/presence/login", nil).Code)
	require.Equal(t, http.StatusOK, do(t, srv, bob, http.MethodPost, "/api/presence/login", loginRequest{Categories: []string{"billing"}}).Code)

	rec := do(t, srv, casey, http.MethodPost, "/api/queries", types.CreateQueryInput{Subject: "Double charge", Category: "billing"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeQuery(t, rec)
	assert.Equal(t, types.QueryPending, created.Status)
	assert.Equal(t, "casey", created.CustomerID)
	base := "/api/queries/" + created.CaseID

	rec = do(t, srv, alice, http.MethodGet, "/api/queries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view types.QueueView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Pending, 1)

	rec = do(t, srv, alice, http.MethodPost, base+"/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", decodeQuery(t, rec).AssignedHandler)

	rec = do(t, srv, bob, http.MethodPost, base+"/accept", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_assigned", string(decodeError(t, rec).Error))

	rec = do(t, srv, casey, http.MethodPost, base+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.QueryInProgress, decodeQuery(t, rec).Status)

	rec = do(t, srv, alice, http.MethodGet, "/api/recipients?category=billing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recipients []types.AgentPresence
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recipients))
	require.Len(t, recipients, 1)
	assert.Equal(t, "bob", recipients[0].AgentID)

	rec = do(t, srv, alice, http.MethodPost, base+"/transfer", transferRequest{ToAgentID: "bob", Reason: "billing specialist"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, types.QueryTransferred, decodeQuery(t, rec).Status)

	rec = do(t, srv, alice, http.MethodPost, base+"/transfer/accept", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_intended_recipient", string(decodeError(t, rec).Error))

	rec = do(t, srv, bob, http.MethodPost, base+"/transfer/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "bob", decodeQuery(t, rec).AssignedHandler)

	rec = do(t, srv, bob, http.MethodGet, base+"/escalation-chain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var chain types.EscalationChain
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chain))
	assert.Equal(t, []string{"alice", "bob"}, chain.Handlers)

	rec = do(t, srv, bob, http.MethodPost, base+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.QueryResolved, decodeQuery(t, rec).Status)

	rec = do(t, srv, casey, http.MethodPost, base+"/reopen", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.QueryPending, decodeQuery(t, rec).Status)
}

func TestStaffRoutesRejectCustomers(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/queries"},
		{http.MethodPost, "/api/queries/CS-1/accept"},
		{http.MethodPost, "/api/queries/CS-1/resolve"},
		{http.MethodGet, "/api/recipients"},
		{http.MethodPost, "/api/presence/login"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := do(t, srv, casey, tt.method, tt.path, nil)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, "forbidden", string(decodeError(t, rec).Error))
		})
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, alice, http.MethodPost, "/api/queries", types.CreateQueryInput{Subject: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "agents cannot open queries")

	rec = do(t, srv, casey, http.MethodPost, "/api/queries", types.CreateQueryInput{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", string(decodeError(t, rec).Error))

	rec = do(t, srv, alice, http.MethodGet, "/api/queries/CS-MISSING", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/queries", bytes.NewBufferString("{"))
	req.Header.Set("X-Agent-ID", "casey")
	req.Header.Set("X-Role", "customer")
	req.Header.Set("X-Tenant-ID", "acme")
	raw := httptest.NewRecorder()
	srv.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestPresenceEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, alice, http.MethodGet, "/api/presence/me", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, do(t, srv, alice, http.MethodPost, "/api/presence/login", nil).Code)

	rec = do(t, srv, alice, http.MethodPost, "/api/presence/break/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view types.PresenceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, types.WorkBreak, view.WorkStatus)

	rec = do(t, srv, alice, http.MethodPost, "/api/presence/break/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, alice, http.MethodPost, "/api/presence/break/end", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, alice, http.MethodGet, "/api/presence", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, morgan, http.MethodGet, "/api/presence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []types.PresenceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.Equal(t, "alice", all[0].AgentID)

	rec = do(t, srv, alice, http.MethodPost, "/api/presence/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, types.WorkOffline, view.WorkStatus)
}

func TestRequireIdentity(t *testing.T) {
	handler := RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queries", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	claims := &auth.Claims{Role: "agent"}
	claims.Subject = "alice"
	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(auth.WithClaims(req.Context(), claims)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "tenant is required")
}
