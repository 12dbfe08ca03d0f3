// ABOUTME: Trusted internal HTTP API for the external responder service
// ABOUTME: A shared secret header gates every route; callers are inside the deployment

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/switchboard/internal/session"
)

// internalSecretHeader authenticates responder-boundary calls.
const internalSecretHeader = "X-Internal-Secret"

func (g *Gateway) registerInternalRoutes(mux *http.ServeMux) {
	mux.Handle("/internal/handoff", g.requireInternalSecret(http.HandlerFunc(g.handleInternalHandoff)))
	mux.Handle("/internal/bot-turn", g.requireInternalSecret(http.HandlerFunc(g.handleInternalBotTurn)))
}

// requireInternalSecret rejects requests without the shared secret before
// reading the body.
func (g *Gateway) requireInternalSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(internalSecretHeader)
		want := g.config.Auth.InternalSecret
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			g.logger.Warn("rejected internal API call", "path", r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handoffRequest asks for a conversation to enter the pending queue,
// optionally carrying turns this service has not recorded.
type handoffRequest struct {
	TenantID       string            `json:"tenantId"`
	ConversationID string            `json:"conversationId"`
	History        []session.BotTurn `json:"history,omitempty"`
	FirstMessage   string            `json:"firstMessage,omitempty"`
}

func (g *Gateway) handleInternalHandoff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.ConversationID == "" {
		http.Error(w, "tenantId and conversationId required", http.StatusBadRequest)
		return
	}

	err := g.engine.NotifyHandoff(r.Context(), req.TenantID, req.ConversationID, req.History, req.FirstMessage)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// botTurnRequest records one externally produced turn.
type botTurnRequest struct {
	TenantID       string          `json:"tenantId"`
	ConversationID string          `json:"conversationId"`
	Turn           session.BotTurn `json:"turn"`
}

func (g *Gateway) handleInternalBotTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req botTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.ConversationID == "" || req.Turn.Content == "" {
		http.Error(w, "tenantId, conversationId, and turn required", http.StatusBadRequest)
		return
	}

	err := g.engine.NotifyBotTurn(r.Context(), req.TenantID, req.ConversationID, req.Turn)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// writeEngineError maps engine rejections to HTTP statuses: conflicts for
// rejected transitions, 500 for everything else.
func writeEngineError(w http.ResponseWriter, err error) {
	var terr *session.TransitionError
	if errors.As(err, &terr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": terr.Reason})
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}
