// ABOUTME: Outbound real-time event payloads produced by the routing engine
// ABOUTME: One flat JSON struct per event kind, serialized once per broadcast

package session

import (
	"encoding/json"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// Outbound event kinds.
const (
	EventStatusChanged        = "statusChanged"
	EventNewRequest           = "newRequest"
	EventTaken                = "taken"
	EventIncomingMessage      = "incomingMessage"
	EventRemoveFromMonitoring = "removeFromMonitoring"
	EventAssignmentFailed     = "assignmentFailed"
	EventDeliveryFailed       = "deliveryFailed"
	EventHeartbeat            = "heartbeat"
)

// WireMessage is the JSON shape of a history message on the event channel.
type WireMessage struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	OperatorName string    `json:"operatorName,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func toWireMessage(m *store.Message) WireMessage {
	return WireMessage{
		ID:           m.ID,
		Role:         string(m.Role),
		Content:      m.Content,
		OperatorName: m.OperatorName,
		Timestamp:    m.CreatedAt,
	}
}

// StatusChangedEvent tells everyone attached to a conversation who is now
// responsible for it. Name is the display name of the responsible party
// (operator or bot) so the end user always sees who they are talking to.
type StatusChangedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	Name           string `json:"name"`
	Cause          string `json:"cause"`
}

// NewRequestEvent announces a pending conversation to a tenant dashboard.
type NewRequestEvent struct {
	Type           string       `json:"type"`
	ConversationID string       `json:"conversationId"`
	FirstMessage   *WireMessage `json:"firstMessage,omitempty"`
	IsTransfer     bool         `json:"isTransfer"`
}

// TakenEvent tells dashboard observers a conversation is no longer claimable.
type TakenEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	OperatorID     string `json:"operatorId"`
	OperatorName   string `json:"operatorName"`
}

// IncomingMessageEvent carries a newly accepted message to attached connections.
type IncomingMessageEvent struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversationId"`
	Message        WireMessage `json:"message"`
}

// RemoveFromMonitoringEvent tells dashboards to drop a closed conversation.
type RemoveFromMonitoringEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// AssignmentFailedEvent reports a rejected claim to the requester only.
type AssignmentFailedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason"`
}

// DeliveryFailedEvent reports an outbound delivery failure to the sender.
// The message is already recorded; only the delivery attempt failed.
type DeliveryFailedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason"`
}

// HeartbeatEvent keeps real-time connections warm.
type HeartbeatEvent struct {
	Type string `json:"type"`
}

// encode marshals an event payload. Marshal failures cannot happen for
// these flat structs, so the error is swallowed to keep call sites simple.
func encode(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

func statusChangedEvent(convID string, status store.Status, name, cause string) []byte {
	return encode(StatusChangedEvent{
		Type:           EventStatusChanged,
		ConversationID: convID,
		Status:         string(status),
		Name:           name,
		Cause:          cause,
	})
}

func newRequestEvent(convID string, first *store.Message, isTransfer bool) []byte {
	ev := NewRequestEvent{
		Type:           EventNewRequest,
		ConversationID: convID,
		IsTransfer:     isTransfer,
	}
	if first != nil {
		wm := toWireMessage(first)
		ev.FirstMessage = &wm
	}
	return encode(ev)
}

func takenEvent(convID, operatorID, operatorName string) []byte {
	return encode(TakenEvent{
		Type:           EventTaken,
		ConversationID: convID,
		OperatorID:     operatorID,
		OperatorName:   operatorName,
	})
}

func incomingMessageEvent(convID string, msg *store.Message) []byte {
	return encode(IncomingMessageEvent{
		Type:           EventIncomingMessage,
		ConversationID: convID,
		Message:        toWireMessage(msg),
	})
}

// IncomingMessage builds the payload for a message entering a conversation,
// for callers outside the engine (the channel router).
func IncomingMessage(convID string, msg *store.Message) []byte {
	return incomingMessageEvent(convID, msg)
}

// NewRequest builds the dashboard payload for a claimable conversation, for
// replaying the open queue to consoles that join late.
func NewRequest(convID string, first *store.Message, isTransfer bool) []byte {
	return newRequestEvent(convID, first, isTransfer)
}

func removeFromMonitoringEvent(convID string) []byte {
	return encode(RemoveFromMonitoringEvent{
		Type:           EventRemoveFromMonitoring,
		ConversationID: convID,
	})
}

// AssignmentFailed builds the payload for a rejected claim, for delivery to
// the requesting connection.
func AssignmentFailed(convID, reason string) []byte {
	return encode(AssignmentFailedEvent{
		Type:           EventAssignmentFailed,
		ConversationID: convID,
		Reason:         reason,
	})
}

// DeliveryFailed builds the payload for a failed outbound delivery.
func DeliveryFailed(convID, reason string) []byte {
	return encode(DeliveryFailedEvent{
		Type:           EventDeliveryFailed,
		ConversationID: convID,
		Reason:         reason,
	})
}

// Heartbeat builds the keep-alive payload.
func Heartbeat() []byte {
	return encode(HeartbeatEvent{Type: EventHeartbeat})
}
