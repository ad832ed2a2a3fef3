// Package websocket streams Vigil bus events to websocket clients.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Client actions
const (
	ActionHealthCheck = "health.check"
	ActionSubscribe   = "agents.subscribe"
	ActionUnsubscribe = "agents.unsubscribe"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

// Message is the envelope for every frame exchanged with a client
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload represents an error response payload
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubscribeRequest is the payload of agents.subscribe and agents.unsubscribe
type SubscribeRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

func newMessage(id string, typ MessageType, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      typ,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse creates a response to the request with the given id
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return newMessage(id, MessageTypeResponse, action, payload)
}

// NewNotification creates a server push message
func NewNotification(action string, payload interface{}) (*Message, error) {
	return newMessage("", MessageTypeNotification, action, payload)
}

// NewError creates an error response message
func NewError(id, action, code, message string) (*Message, error) {
	return newMessage(id, MessageTypeError, action, ErrorPayload{Code: code, Message: message})
}

// ParsePayload parses the payload into v
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
