// Package protocol defines the WebSocket event types and structures exchanged
// between clients and the realtime server. Every event is a JSON text frame
// with a consistent envelope carrying a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeMessageSend = "message:send"
	TypeMessageRead = "message:read"
	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"
	TypePing        = "ping"
)

// Server -> Client event types.
const (
	TypeUsersOnline     = "users:online"
	TypeUserOnline      = "user:online"
	TypeUserOffline     = "user:offline"
	TypeMessageReceived = "message:received"
	TypeMessageSeen     = "message:seen"
	TypeUserTyping      = "user:typing"
	TypeUserStopTyping  = "user:stop-typing"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// MessageSendMsg carries a new chat message from the client. RecipientID is
// optional; when empty the server resolves the counterpart from the chat
// record.
type MessageSendMsg struct {
	Type        string `json:"type"`
	ChatID      string `json:"chatId"`
	Content     string `json:"content"`
	RecipientID string `json:"recipientId,omitempty"`
}

// MessageReadMsg marks every unread message in the chat from the counterpart
// as seen by the sending user. The signal is chat-grained; no message ID is
// carried.
type MessageReadMsg struct {
	Type        string `json:"type"`
	ChatID      string `json:"chatId"`
	RecipientID string `json:"recipientId,omitempty"`
}

// TypingMsg signals the start or stop of typing within a chat. The same
// payload shape serves both typing:start and typing:stop.
type TypingMsg struct {
	Type        string `json:"type"`
	ChatID      string `json:"chatId"`
	RecipientID string `json:"recipientId,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// UsersOnlineMsg delivers the full online set to a newly admitted connection.
type UsersOnlineMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// UserPresenceMsg announces a single user's online/offline transition. It is
// broadcast to every connection other than the ones belonging to that user.
type UserPresenceMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// WireMessage is the message record shape delivered inside message:received.
type WireMessage struct {
	ID        string   `json:"id"`
	Sender    string   `json:"sender"`
	Content   string   `json:"content"`
	ReadBy    []string `json:"readBy"`
	CreatedAt int64    `json:"createdAt"`
}

// MessageReceivedMsg delivers a chat message to the recipient's connections
// and echoes it back to the sender's own connections.
type MessageReceivedMsg struct {
	Type    string      `json:"type"`
	ChatID  string      `json:"chatId"`
	Message WireMessage `json:"message"`
}

// MessageSeenMsg notifies a participant that the counterpart has seen the
// chat up to this point.
type MessageSeenMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// UserTypingMsg relays a counterpart's typing state. The same payload shape
// serves both user:typing and user:stop-typing.
type UserTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// ErrorMsg is sent by the server to communicate a handler-level failure back
// to the originating connection.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeMessageSend:
		var m MessageSendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageRead:
		var m MessageReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
