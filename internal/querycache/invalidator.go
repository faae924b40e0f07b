package querycache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/PStryder/legivellum/internal/events"
)

// consumerName is the durable consumer name the invalidator registers
// on the receipts stream. Durable so a restart resumes from the last
// acked sequence instead of replaying the whole stream.
const consumerName = "inbox-cache-invalidator"

// Invalidator consumes receipts.*.appended and drops the matching
// inbox cache entry, following the teacher's
// CreateOrUpdateConsumer-plus-Fetch-loop shape (processor/task-generator's
// consumeLoop) rather than a push subscription.
type Invalidator struct {
	cache    *Cache
	bus      *events.Bus
	log      *slog.Logger
	consumer jetstream.Consumer
	cancel   context.CancelFunc
}

// NewInvalidator wires cache to bus's receipts stream.
func NewInvalidator(cache *Cache, bus *events.Bus, log *slog.Logger) *Invalidator {
	return &Invalidator{cache: cache, bus: bus, log: log}
}

// Start creates (or resumes) the durable consumer and begins invalidating
// cache entries in a background goroutine.
func (inv *Invalidator) Start(ctx context.Context) error {
	stream, err := inv.bus.JetStream().Stream(ctx, events.StreamName)
	if err != nil {
		return err
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: events.SubjectPattern,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return err
	}
	inv.consumer = consumer

	subCtx, cancel := context.WithCancel(ctx)
	inv.cancel = cancel
	go inv.consumeLoop(subCtx)
	return nil
}

// Stop halts the consume loop.
func (inv *Invalidator) Stop() {
	if inv.cancel != nil {
		inv.cancel()
	}
}

func (inv *Invalidator) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := inv.consumer.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for msg := range msgs.Messages() {
			inv.handleMessage(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			inv.log.Warn("inbox cache invalidator: fetch error", "error", msgs.Error())
		}
	}
}

func (inv *Invalidator) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var evt events.AppendedEvent
	if err := json.Unmarshal(msg.Data(), &evt); err != nil {
		inv.log.Error("inbox cache invalidator: unmarshal event", "error", err)
		msg.Nak() //nolint:errcheck
		return
	}

	if evt.RecipientAI != "" {
		if err := inv.cache.Invalidate(ctx, evt.TenantID, evt.RecipientAI); err != nil {
			inv.log.Warn("inbox cache invalidator: invalidate entry", "error", err,
				"tenant_id", evt.TenantID, "recipient_ai", evt.RecipientAI)
			msg.Nak() //nolint:errcheck
			return
		}
	}

	msg.Ack() //nolint:errcheck
}
