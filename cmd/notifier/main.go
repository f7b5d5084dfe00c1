// The notifier consumes persisted-message events and tracks a per-user
// pending counter in Redis for recipients who were offline at delivery time.
// When a presence event reports the user back online, the counter is cleared.
// Downstream notification channels (email, push) read the counter; the live
// channel itself never queues for offline users.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskpal/realtime/internal/bridge"
	"github.com/taskpal/realtime/internal/messaging"
)

const pendingPrefix = "pending:"

// pendingTTL bounds how long an unread counter survives without activity.
const pendingTTL = 7 * 24 * time.Hour

type presenceEvent struct {
	UserID string `json:"userId"`
	Event  string `json:"event"`
}

func main() {
	log.Println("Starting realtime notifier service...")

	// Redis setup.
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "realtime-notifier"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Count persisted messages whose recipient missed the live delivery.
	err = natsClient.SubscribeMessagePersisted(func(data []byte) {
		var event bridge.PersistedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[notifier] failed to unmarshal persisted event: %v", err)
			return
		}

		if event.RecipientOnline {
			log.Printf("[notifier] DELIVERED chat=%s msg=%s recipient=%s",
				event.ChatID, event.MessageID, event.Recipient)
			return
		}

		key := pendingPrefix + event.Recipient
		opCtx, opCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer opCancel()

		pipe := rdb.Pipeline()
		count := pipe.Incr(opCtx, key)
		pipe.Expire(opCtx, key, pendingTTL)
		if _, err := pipe.Exec(opCtx); err != nil {
			log.Printf("[notifier] failed to bump pending counter for %s: %v", event.Recipient, err)
			return
		}

		log.Printf("[notifier] MISSED chat=%s msg=%s recipient=%s pending=%d",
			event.ChatID, event.MessageID, event.Recipient, count.Val())
	})
	if err != nil {
		log.Fatalf("failed to subscribe to persisted events: %v", err)
	}

	// Clear the pending counter when the user comes back online; their
	// clients fetch the backlog from the durable store on reconnect.
	err = natsClient.SubscribePresence(func(data []byte) {
		var event presenceEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[notifier] failed to unmarshal presence event: %v", err)
			return
		}
		if event.Event != "online" {
			return
		}

		opCtx, opCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer opCancel()
		if err := rdb.Del(opCtx, pendingPrefix+event.UserID).Err(); err != nil {
			log.Printf("[notifier] failed to clear pending counter for %s: %v", event.UserID, err)
			return
		}
		log.Printf("[notifier] ONLINE user=%s pending counter cleared", event.UserID)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to presence events: %v", err)
	}

	log.Printf("realtime notifier service running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	rdb.Close()
}
