// Package bridge is the asynchronous write-through seam between the
// messaging coordinator and durable storage. Every write is detached from
// the live dispatch path: real-time delivery happens first, durability is
// attempted independently, and a failed write is reported but never rolled
// back into the live channel.
package bridge

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/taskpal/realtime/internal/chat"
	"github.com/taskpal/realtime/internal/metrics"
)

// MessageStore is the durable-store write interface the bridge mirrors into.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg chat.Message, recipientID string) error
	MarkRead(ctx context.Context, chatID, userID string) error
}

// Mirror publishes persisted-message events for downstream consumers. A nil
// mirror disables publishing.
type Mirror interface {
	PublishMessagePersisted(chatID string, data []byte) error
}

// ErrorReporter receives persistence failures. op is "send" or "read".
type ErrorReporter func(op string, err error)

// PersistedEvent is the payload mirrored to NATS after a message is durably
// stored. The notifier worker uses RecipientOnline to decide whether an
// out-of-band notification is warranted.
type PersistedEvent struct {
	MessageID       string `json:"messageId"`
	ChatID          string `json:"chatId"`
	Sender          string `json:"sender"`
	Recipient       string `json:"recipient"`
	RecipientOnline bool   `json:"recipientOnline"`
	CreatedAt       int64  `json:"createdAt"`
}

const writeTimeout = 5 * time.Second

// Bridge hands coordinator records to the durable store on detached
// goroutines. The coordinator never waits on it.
type Bridge struct {
	store  MessageStore
	mirror Mirror
	report ErrorReporter
	wg     sync.WaitGroup
}

// New creates a Bridge. The reporter may be nil, in which case failures are
// only logged.
func New(store MessageStore, mirror Mirror, report ErrorReporter) *Bridge {
	if report == nil {
		report = func(op string, err error) {
			log.Printf("bridge: persist %s failed: %v", op, err)
		}
	}
	return &Bridge{
		store:  store,
		mirror: mirror,
		report: report,
	}
}

// PersistSend durably stores a message record. It returns immediately; the
// write runs on its own goroutine with its own timeout. On success the
// persisted event is mirrored for downstream workers; on failure the
// reporter is invoked and the already-delivered live event stands.
func (b *Bridge) PersistSend(msg chat.Message, recipientID string, recipientOnline bool) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		if err := b.store.CreateMessage(ctx, msg, recipientID); err != nil {
			metrics.PersistFailures.WithLabelValues("send").Inc()
			b.report("send", err)
			return
		}
		metrics.MessagesPersisted.Inc()

		if b.mirror == nil {
			return
		}
		event := PersistedEvent{
			MessageID:       msg.ID,
			ChatID:          msg.ChatID,
			Sender:          msg.Sender,
			Recipient:       recipientID,
			RecipientOnline: recipientOnline,
			CreatedAt:       msg.CreatedAt.Unix(),
		}
		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("bridge: marshal persisted event: %v", err)
			return
		}
		if err := b.mirror.PublishMessagePersisted(msg.ChatID, data); err != nil {
			log.Printf("bridge: mirror publish chat=%s: %v", msg.ChatID, err)
		}
	}()
}

// PersistRead marks the chat's unread counterpart messages as read by
// userID. Detached and best-effort like PersistSend.
func (b *Bridge) PersistRead(chatID, userID string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		if err := b.store.MarkRead(ctx, chatID, userID); err != nil {
			metrics.PersistFailures.WithLabelValues("read").Inc()
			b.report("read", err)
		}
	}()
}

// Wait blocks until all in-flight writes have finished. Used during graceful
// shutdown and by tests.
func (b *Bridge) Wait() {
	b.wg.Wait()
}
