// Package api exposes the routing engine and presence tracker over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dennisdiepolder/monti/casedesk/internal/apperr"
	"github.com/dennisdiepolder/monti/casedesk/internal/auth"
	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 64 << 10

type errorBody struct {
	Error   apperr.Kind `json:"error"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the error taxonomy response
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: apperr.KindOf(err), Message: err.Error()}

	var typed *apperr.Error
	if errors.As(err, &typed) && typed.Message != "" {
		body.Message = typed.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

// decodeBody reads an optional JSON body into v
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return apperr.New(apperr.InvalidInput, "decode", "", "invalid JSON body")
	}
	return nil
}

// actorOf returns the caller identity; the identity middleware guarantees it
// on every /api route
func actorOf(r *http.Request) types.Actor {
	actor, _ := auth.ActorFromContext(r.Context())
	return actor
}

// RequireIdentity rejects requests without a complete caller identity
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.ActorFromContext(r.Context())
		if !ok || actor.AgentID == "" || actor.TenantID == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "identity required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireStaff allows only roles that handle queries
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorOf(r).Role.IsStaff() {
			writeJSON(w, http.StatusForbidden, errorBody{Error: apperr.Forbidden, Message: "staff role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
