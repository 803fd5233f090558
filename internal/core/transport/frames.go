package transport

import (
	"encoding/json"

	"github.com/relayhub/relayhub/internal/core/hub"
)

// Inbound frame kinds sent by server plugins.
const (
	InboundChat  = "chat"
	InboundEvent = "event"
	InboundAck   = "ack"
)

// InboundFrame is the decoded form of a frame received from a server.
type InboundFrame struct {
	Type      string            `json:"type"`
	GroupID   string            `json:"group_id,omitempty"`
	Sender    string            `json:"sender,omitempty"`
	Content   string            `json:"content,omitempty"`
	EventType string            `json:"event_type,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	LatencyMs uint              `json:"latency_ms,omitempty"`
}

// DecodeInbound parses a raw payload into an InboundFrame.
func DecodeInbound(payload []byte) (InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return InboundFrame{}, hub.WrapError(hub.ErrInvalidMessage, "frame decoding failed")
	}
	if frame.Type == "" {
		return InboundFrame{}, hub.WrapError(hub.ErrInvalidMessage, "frame type missing")
	}
	return frame, nil
}
