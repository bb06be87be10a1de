package link

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of a wire envelope.
type MessageType string

const (
	TypePing                  MessageType = "PING"
	TypeQuery                 MessageType = "QUERY"
	TypeReply                 MessageType = "REPLY"
	TypeConnectAsNewComponent MessageType = "CONNECT_AS_NEW_COMPONENT"
	TypeStateRehydrate        MessageType = "STATE_REHYDRATE"
	TypeStateRehydrated       MessageType = "STATE_REHYDRATED"
	TypeNewComponentInCluster MessageType = "NEW_COMPONENT_IN_CLUSTER"
	TypeNewComponent          MessageType = "NEW_COMPONENT"
	TypeNewPeer               MessageType = "NEW_PEER"
	TypeUnresponsive          MessageType = "UNRESPONSIVE_COMPONENT"
)

// ComponentRef names the component a message is about or comes from.
type ComponentRef struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Sender carries the address of the link that sent a message.
type Sender struct {
	Port int `json:"port"`
}

// Message is the wire envelope exchanged between links.
//
// An envelope without a Type is a legacy untyped message; its Payload must be
// classified by shape (see PayloadShape).
type Message struct {
	ID        string          `json:"id,omitempty"`
	Ref       string          `json:"ref,omitempty"`
	Type      MessageType     `json:"type,omitempty"`
	Component *ComponentRef   `json:"component,omitempty"`
	Sender    *Sender         `json:"sender,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewMessage builds a typed message with payload marshaled to JSON.
func NewMessage(t MessageType, payload any) (*Message, error) {
	msg := &Message{Type: t}
	if err := msg.SetPayload(payload); err != nil {
		return nil, err
	}
	return msg, nil
}

// SetPayload marshals v into the message payload. A nil v clears it and
// json.RawMessage values are stored as-is.
func (m *Message) SetPayload(v any) error {
	switch p := v.(type) {
	case nil:
		m.Payload = nil
	case json.RawMessage:
		m.Payload = p
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		m.Payload = data
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// CorrelationID returns the identifier that pairs a request with its reply.
// PING messages carry it in Ref, everything else in ID.
func (m *Message) CorrelationID() string {
	if m.Ref != "" {
		return m.Ref
	}
	return m.ID
}

// SenderPort returns the port stamped by the sending link, or 0.
func (m *Message) SenderPort() int {
	if m.Sender == nil {
		return 0
	}
	return m.Sender.Port
}

// Shape describes the top-level JSON kind of a payload.
type Shape int

const (
	ShapeInvalid Shape = iota
	ShapeArray
	ShapeObject
)

func (s Shape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeObject:
		return "object"
	default:
		return "invalid"
	}
}

// PayloadShape reports whether the payload is a JSON array or object.
func (m *Message) PayloadShape() Shape {
	p := bytes.TrimSpace(m.Payload)
	if len(p) == 0 {
		return ShapeInvalid
	}
	switch p[0] {
	case '[':
		return ShapeArray
	case '{':
		return ShapeObject
	default:
		return ShapeInvalid
	}
}

func encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}
