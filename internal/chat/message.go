// Package chat implements the event-level protocol logic of the realtime
// layer: message send, read receipts, and typing relay between the two
// participants of a chat. It decides who receives which event and in what
// shape, independent of the transport carrying the events.
package chat

import (
	"time"

	"github.com/taskpal/realtime/internal/protocol"
)

// Message is the record produced when a send event is processed. It is
// delivered live over the event channel and handed to the persistence bridge
// for durable storage.
type Message struct {
	ID        string
	ChatID    string
	Sender    string
	Content   string
	ReadBy    []string // grows monotonically; starts as {Sender}
	CreatedAt time.Time
}

// Wire converts the message to its wire representation.
func (m Message) Wire() protocol.WireMessage {
	return protocol.WireMessage{
		ID:        m.ID,
		Sender:    m.Sender,
		Content:   m.Content,
		ReadBy:    m.ReadBy,
		CreatedAt: m.CreatedAt.Unix(),
	}
}
