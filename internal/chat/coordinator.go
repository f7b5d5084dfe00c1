package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskpal/realtime/internal/metrics"
	"github.com/taskpal/realtime/internal/protocol"
)

// Sender delivers an encoded event to every active connection of a user.
// Delivery to a user with no connections is a silent no-op; the return value
// is the number of connections the event was written to.
type Sender interface {
	SendToUser(userID string, data []byte) int
}

// Persister receives the durable side of coordinator decisions. Both methods
// must return quickly and never block the live path; the persistence bridge
// satisfies this by detaching the actual writes.
type Persister interface {
	PersistSend(msg Message, recipientID string, recipientOnline bool)
	PersistRead(chatID, userID string)
}

// CounterpartResolver looks up the other participant of a chat when the
// client did not name one in the event payload.
type CounterpartResolver interface {
	Counterpart(ctx context.Context, chatID, userID string) (string, error)
}

const resolveTimeout = 3 * time.Second

// Coordinator routes send, read, and typing events between the two
// participants of a chat. It holds no per-chat state; all decisions are made
// from the event payload plus the resolver lookup.
type Coordinator struct {
	sender    Sender
	persister Persister
	resolver  CounterpartResolver
}

// NewCoordinator creates a Coordinator. The resolver may be nil, in which
// case events without an explicit recipient are rejected.
func NewCoordinator(sender Sender, persister Persister, resolver CounterpartResolver) *Coordinator {
	return &Coordinator{
		sender:    sender,
		persister: persister,
		resolver:  resolver,
	}
}

// Send processes a message:send event. It constructs the message record,
// delivers it live to both the recipient's and the sender's own connections
// (multi-tab echo), and hands the record to the persister. Live delivery and
// durability are independent: an offline recipient drops the live event only.
func (c *Coordinator) Send(chatID, senderID, recipientID, content string) error {
	if err := ValidateContent(content); err != nil {
		return err
	}

	recipientID, err := c.recipient(chatID, senderID, recipientID)
	if err != nil {
		return err
	}

	msg := Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Sender:    senderID,
		Content:   content,
		ReadBy:    []string{senderID},
		CreatedAt: time.Now(),
	}

	frame, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		ChatID:  chatID,
		Message: msg.Wire(),
	})
	if err != nil {
		return fmt.Errorf("chat: encode message:received: %w", err)
	}

	delivered := c.sender.SendToUser(recipientID, frame)
	c.sender.SendToUser(senderID, frame)
	metrics.EventsRelayed.WithLabelValues(protocol.TypeMessageReceived).Inc()

	// Durability is attempted regardless of live delivery outcome.
	c.persister.PersistSend(msg, recipientID, delivered > 0)
	return nil
}

// Read processes a message:read event: the counterpart is told that readerID
// has seen the chat up to this point, and the persister marks the chat's
// unread counterpart messages as read. The signal is chat-grained and
// idempotent; repeating it produces the same observable state.
func (c *Coordinator) Read(chatID, readerID, counterpartID string) error {
	counterpartID, err := c.recipient(chatID, readerID, counterpartID)
	if err != nil {
		return err
	}

	frame, err := protocol.NewServerMessage(protocol.TypeMessageSeen, protocol.MessageSeenMsg{
		ChatID: chatID,
		UserID: readerID,
	})
	if err != nil {
		return fmt.Errorf("chat: encode message:seen: %w", err)
	}

	c.sender.SendToUser(counterpartID, frame)
	metrics.EventsRelayed.WithLabelValues(protocol.TypeMessageSeen).Inc()

	c.persister.PersistRead(chatID, readerID)
	return nil
}

// Typing processes typing:start/typing:stop events. Pure relay: nothing is
// persisted and no state is retained beyond the instant of delivery.
func (c *Coordinator) Typing(chatID, senderID, recipientID string, active bool) error {
	recipientID, err := c.recipient(chatID, senderID, recipientID)
	if err != nil {
		return err
	}

	eventType := protocol.TypeUserTyping
	if !active {
		eventType = protocol.TypeUserStopTyping
	}

	frame, err := protocol.NewServerMessage(eventType, protocol.UserTypingMsg{
		ChatID: chatID,
		UserID: senderID,
	})
	if err != nil {
		return fmt.Errorf("chat: encode %s: %w", eventType, err)
	}

	c.sender.SendToUser(recipientID, frame)
	metrics.EventsRelayed.WithLabelValues(eventType).Inc()
	return nil
}

// recipient returns the counterpart for an event, resolving it from the chat
// record when the payload did not name one. A named recipient equal to the
// sender is rejected.
func (c *Coordinator) recipient(chatID, senderID, recipientID string) (string, error) {
	if recipientID != "" {
		if recipientID == senderID {
			return "", fmt.Errorf("chat: recipient equals sender")
		}
		return recipientID, nil
	}
	if c.resolver == nil {
		return "", fmt.Errorf("chat: no recipient in event and no resolver configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	counterpart, err := c.resolver.Counterpart(ctx, chatID, senderID)
	if err != nil {
		return "", fmt.Errorf("chat: resolve counterpart for chat %s: %w", chatID, err)
	}
	return counterpart, nil
}
