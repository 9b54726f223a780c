package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/domain"
	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/metrics"
)

// DepositStore is the slice of the repository the consumer needs.
type DepositStore interface {
	GetOrCreate(ctx context.Context, ethAddress string) (*domain.Account, error)
	CreditIfNewEvent(ctx context.Context, ethAddress string, amount int64, eventID string) (bool, error)
}

type DepositConsumer struct {
	repo  DepositStore
	cache *RedisEventCache
}

func NewDepositConsumer(repo DepositStore, cache *RedisEventCache) *DepositConsumer {
	return &DepositConsumer{repo: repo, cache: cache}
}

// HandleMessage processes one deposit delivery. Returning true acknowledges
// the message; false re-queues it. Malformed payloads are acknowledged and
// dropped so the bus does not redeliver them forever; store failures leave
// the message unacknowledged and the event-id check makes the redelivery
// idempotent.
func (c *DepositConsumer) HandleMessage(body []byte, messageID string) bool {
	var event domain.DepositEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("deposit-consumer: failed to unmarshal payload: %v", err)
		metrics.DepositsMalformed.Inc()
		return true
	}

	if event.Name != "Deposit" {
		log.Printf("deposit-consumer: unexpected event name %q; dropping", event.Name)
		metrics.DepositsMalformed.Inc()
		return true
	}

	who := strings.TrimSpace(strings.ToLower(event.Payload.Who))
	if who == "" || event.Payload.Amount <= 0 {
		log.Printf("deposit-consumer: invalid payload who=%q amount=%d; dropping", event.Payload.Who, event.Payload.Amount)
		metrics.DepositsMalformed.Inc()
		return true
	}

	eventID := eventIDFor(body, messageID)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Fast-path duplicate check; the store's event-id guard remains the
	// authoritative one, so a cache miss or error is never a problem.
	if c.cache.Seen(ctx, who, eventID) {
		metrics.DepositsDuplicate.Inc()
		return true
	}

	if _, err := c.repo.GetOrCreate(ctx, who); err != nil {
		log.Printf("deposit-consumer: account lookup failed for %s: %v", who, err)
		return false
	}

	applied, err := c.repo.CreditIfNewEvent(ctx, who, event.Payload.Amount, eventID)
	if err != nil {
		log.Printf("deposit-consumer: credit failed for %s: %v", who, err)
		return false
	}

	if !applied {
		metrics.DepositsDuplicate.Inc()
		return true
	}

	metrics.DepositsApplied.Inc()
	log.Printf("deposit-consumer: credited %d to %s event=%s", event.Payload.Amount, who, eventID)

	// Remember only after the credit committed; remembering earlier would
	// swallow the redelivery of a failed write.
	c.cache.Remember(ctx, who, eventID)

	return true
}

// eventIDFor prefers the publisher's message id and falls back to a content
// hash, which is stable across redeliveries of the same message.
func eventIDFor(body []byte, messageID string) string {
	if id := strings.TrimSpace(messageID); id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
