// ABOUTME: Inbound client event envelope and gateway-level outbound payloads
// ABOUTME: One flat JSON envelope covers every client-to-server event kind

package gateway

import (
	"encoding/json"

	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

// Inbound event kinds accepted on the websocket.
const (
	evAttachToConversation = "attachToConversation"
	evDetachConversation   = "detachFromConversation"
	evAttachToDashboard    = "attachToTenantDashboard"
	evClaim                = "claim"
	evSwitchTo             = "switchTo"
	evSendOperatorMessage  = "sendOperatorMessage"
	evToggleAutomation     = "toggleAutomation"
	evTransferToQueue      = "transferToQueue"
	evRequestSummary       = "requestSummary"
	evCloseConversation    = "closeConversation"
	evUserMessage          = "userMessage"
	evPing                 = "ping"
)

// inboundEvent is the envelope every client event arrives in. Unused fields
// stay zero for kinds that do not need them.
type inboundEvent struct {
	Type           string `json:"type"`
	TenantID       string `json:"tenantId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// sessionStartedEvent tells a widget which conversation and connection id it
// was given, so it can resume after a drop.
type sessionStartedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	ConnectionID   string `json:"connectionId"`
	Status         string `json:"status"`
}

// summaryEvent returns recent history to the requesting connection only.
type summaryEvent struct {
	Type           string                `json:"type"`
	ConversationID string                `json:"conversationId"`
	Messages       []session.WireMessage `json:"messages"`
}

// errorEvent reports a rejected or failed request to the requester only.
type errorEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Reason         string `json:"reason"`
}

func encodeEvent(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

func sessionStarted(convID, connID string, status store.Status) []byte {
	return encodeEvent(sessionStartedEvent{
		Type:           "sessionStarted",
		ConversationID: convID,
		ConnectionID:   connID,
		Status:         string(status),
	})
}

func summaryPayload(convID string, msgs []*store.Message) []byte {
	wire := make([]session.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, session.WireMessage{
			ID:           m.ID,
			Role:         string(m.Role),
			Content:      m.Content,
			OperatorName: m.OperatorName,
			Timestamp:    m.CreatedAt,
		})
	}
	return encodeEvent(summaryEvent{Type: "summary", ConversationID: convID, Messages: wire})
}

func errorPayload(convID, reason string) []byte {
	return encodeEvent(errorEvent{Type: "error", ConversationID: convID, Reason: reason})
}
