package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound control message types.
const (
	TypeLogin       = "login"
	TypeLogout      = "logout"
	TypeSubscribe   = "subscribe-channel"
	TypeUnsubscribe = "unsubscribe-channel"
	TypeCreate      = "create-objects"
	TypeUpdate      = "update-objects"
	TypeDelete      = "delete-objects"
)

// Outbound event names. Channel refreshes use the channel name as event.
const (
	EventFailure         = "failure"
	EventLoginSuccessful = "login-successful"
	EventLoginFailed     = "login-failed"
	EventLogoutSucceeded = "logout-successful"
)

// TokenField is the payload key carrying the auth token.
const TokenField = "token"

// Envelope is the inbound wire format.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is the outbound wire format.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Failure is the payload of failure, login-failed and similar events.
type Failure struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Emitter delivers one event to one client.
type Emitter interface {
	Emit(event string, payload any) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(event string, payload any) error

func (f EmitterFunc) Emit(event string, payload any) error { return f(event, payload) }

// Message is one inbound request travelling through the dispatcher.
type Message struct {
	Type   string
	Data   map[string]any
	ConnID string

	// User is set by the auth gate for the duration of this message only.
	User any

	// Error is set once, by the first handler that fails.
	Error error

	emitter Emitter
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, err
	}
	if env.Type == "" {
		return env, fmt.Errorf("missing message type")
	}
	return env, nil
}

// NewMessage builds a Message from an envelope. Missing or null data
// becomes an empty object; any other non-object payload is rejected.
func NewMessage(env Envelope, connID string, em Emitter) (*Message, error) {
	data := map[string]any{}
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		if err := dec.Decode(&data); err != nil {
			return nil, fmt.Errorf("message %q: data must be an object: %w", env.Type, err)
		}
		if data == nil {
			data = map[string]any{}
		}
	}
	return &Message{Type: env.Type, Data: data, ConnID: connID, emitter: em}, nil
}

// Emit replies to the connection that sent the message.
func (m *Message) Emit(event string, payload any) error {
	if m.emitter == nil {
		return fmt.Errorf("message %q has no reply path", m.Type)
	}
	return m.emitter.Emit(event, payload)
}

// Fail emits a failure event derived from err.
func (m *Message) Fail(err error) error {
	status, text := StatusOf(err)
	return m.Emit(EventFailure, Failure{Status: status, Message: text})
}

func (m *Message) Token() string {
	s, _ := m.Data[TokenField].(string)
	return s
}

// Field returns a string field of the payload, or empty.
func (m *Message) Field(key string) string {
	s, _ := m.Data[key].(string)
	return s
}
