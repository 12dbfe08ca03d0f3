// ABOUTME: Inbound phone-messaging webhook with per-tenant HMAC verification
// ABOUTME: A bad signature is rejected before any state changes

package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/2389/switchboard/internal/phone"
)

// phoneInbound is the provider's webhook payload for one received message.
// ID is the provider's delivery id; providers retry webhooks, so a repeated
// id is dropped without side effects.
type phoneInbound struct {
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	Body string `json:"body"`
}

// handlePhoneWebhook accepts POST /hooks/phone/{tenant}. The signature is
// verified against the raw body under the tenant's webhook secret; only
// then does the message enter the conversation.
func (g *Gateway) handlePhoneWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := strings.TrimPrefix(r.URL.Path, "/hooks/phone/")
	if tenantID == "" || strings.Contains(tenantID, "/") {
		http.Error(w, "tenant required", http.StatusNotFound)
		return
	}
	tenant := g.config.Tenant(tenantID)
	if tenant == nil {
		http.Error(w, "unknown tenant", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get(phone.SignatureHeader)
	if !phone.VerifySignature(tenant.Phone.WebhookSecret, body, sig) {
		g.logger.Warn("rejected phone webhook signature", "tenant_id", tenantID)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	var inbound phoneInbound
	if err := json.Unmarshal(body, &inbound); err != nil || inbound.From == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if inbound.ID != "" && g.dedupe.CheckAndMark(tenantID+"/"+inbound.ID) {
		g.logger.Debug("dropped webhook redelivery", "tenant_id", tenantID, "delivery_id", inbound.ID)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "duplicate"})
		return
	}

	sess, err := g.engine.FindPhoneSession(r.Context(), tenantID, inbound.From)
	if err != nil {
		g.logger.Error("resolving phone session failed", "error", err, "tenant_id", tenantID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := g.engine.HandleUserMessage(r.Context(), tenantID, sess.ID, inbound.Body, ""); err != nil {
		g.logger.Error("phone message handling failed", "error", err,
			"tenant_id", tenantID, "session_id", sess.ID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "conversationId": sess.ID})
}
