// Package events owns the internal NATS JetStream bus: the embedded or
// external server connection, and the single stream receipt appends are
// published onto. Nothing downstream of the ledger depends on delivery —
// publishing is a best-effort cache-invalidation signal, not a coordination
// primitive (the ledger itself is the source of truth).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/PStryder/legivellum/internal/config"
	"github.com/PStryder/legivellum/internal/receipts"
)

// StreamName is the single JetStream stream every tenant's receipt
// notifications are published onto, namespaced by subject per tenant.
const StreamName = "RECEIPTS"

// SubjectPattern is the wildcard the stream is bound to.
const SubjectPattern = "receipts.*.appended"

// Bus owns the NATS connection (embedded or external) and the JetStream
// context derived from it.
type Bus struct {
	embedded *server.Server
	conn     *nats.Conn
	js       jetstream.JetStream
	log      *slog.Logger
}

// Connect starts or joins NATS per cfg and ensures the receipts stream
// exists.
func Connect(ctx context.Context, cfg config.NATSConfig, log *slog.Logger) (*Bus, error) {
	b := &Bus{log: log}

	if cfg.URL != "" && !cfg.Embedded {
		conn, err := nats.Connect(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		b.conn = conn
	} else {
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("create embedded nats server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded nats server failed to start")
		}
		b.embedded = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return nil, fmt.Errorf("connect to embedded nats: %w", err)
		}
		b.conn = conn
	}

	js, err := jetstream.New(b.conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	b.js = js

	if _, err := getOrCreateStream(ctx, js); err != nil {
		return nil, fmt.Errorf("ensure receipts stream: %w", err)
	}

	return b, nil
}

func getOrCreateStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		return stream, nil
	}
	return js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPattern},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
}

// JetStream returns the JetStream context backing the bus, for
// components that need their own stream/consumer — notably
// internal/querycache's invalidator, which consumes the same
// receipts.*.appended stream Publisher writes to.
func (b *Bus) JetStream() jetstream.JetStream {
	return b.js
}

// Close drains the connection and, if embedded, shuts down the server.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Drain() //nolint:errcheck
		b.conn.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
}

// Publisher publishes receipt-appended notifications. It is the only type
// internal/ledger depends on, so tests can substitute a no-op.
type Publisher struct {
	bus *Bus
}

// NewPublisher wraps bus. bus may be nil, in which case every publish is a
// no-op (used in tests that exercise the ledger without a NATS server).
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

// AppendedEvent is the payload published to receipts.<tenant>.appended.
// Exported so internal/querycache's invalidator can unmarshal the same
// shape without duplicating it.
type AppendedEvent struct {
	TenantID    string    `json:"tenant_id"`
	ReceiptID   string    `json:"receipt_id"`
	TaskID      string    `json:"task_id"`
	Phase       string    `json:"phase"`
	RecipientAI string    `json:"recipient_ai"`
	StoredAt    time.Time `json:"stored_at"`
}

// PublishReceiptAppended notifies the bus that a receipt was appended.
// Failures are logged and swallowed: the append already committed, and a
// dropped cache-invalidation message only leaves a stale cached inbox
// page until a later append for the same recipient invalidates it, never
// a coordination failure.
func (p *Publisher) PublishReceiptAppended(ctx context.Context, tenantID string, r *receipts.Receipt) {
	if p == nil || p.bus == nil {
		return
	}

	evt := AppendedEvent{
		TenantID:    tenantID,
		ReceiptID:   r.ReceiptID.String(),
		TaskID:      r.TaskID,
		Phase:       string(r.Phase),
		RecipientAI: r.RecipientAI,
		StoredAt:    r.StoredAt,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.bus.log.Error("marshal receipt appended event", "error", err)
		return
	}

	subject := fmt.Sprintf("receipts.%s.appended", tenantID)
	if _, err := p.bus.js.Publish(ctx, subject, data); err != nil {
		p.bus.log.Warn("publish receipt appended event", "error", err, "tenant_id", tenantID)
	}
}
