package querycache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PStryder/legivellum/internal/config"
	"github.com/PStryder/legivellum/internal/events"
	"github.com/PStryder/legivellum/internal/ids"
	"github.com/PStryder/legivellum/internal/receipts"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBus starts an embedded NATS server — the same single-process
// path production uses by default (config.NATSConfig.Embedded) — so
// the cache and invalidator run against a real JetStream KV bucket and
// consumer without any external dependency.
func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	bus, err := events.Connect(context.Background(), config.NATSConfig{Embedded: true}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func TestCache_GetMissThenSetThenHit(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	cache, err := New(ctx, bus.JetStream())
	require.NoError(t, err)

	_, hit, err := cache.Get(ctx, "tenant-a", "worker.x")
	require.NoError(t, err)
	assert.False(t, hit)

	listing := []*receipts.Receipt{{ReceiptID: ids.New(), TaskID: "task-1", RecipientAI: "worker.x"}}
	require.NoError(t, cache.Set(ctx, "tenant-a", "worker.x", listing))

	got, hit, err := cache.Get(ctx, "tenant-a", "worker.x")
	require.NoError(t, err)
	require.True(t, hit)
	require.Len(t, got, 1)
	assert.Equal(t, "task-1", got[0].TaskID)
}

func TestCache_InvalidateDropsEntry(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	cache, err := New(ctx, bus.JetStream())
	require.NoError(t, err)

	require.NoError(t, cache.Set(ctx, "tenant-a", "worker.x", []*receipts.Receipt{{TaskID: "task-1"}}))
	require.NoError(t, cache.Invalidate(ctx, "tenant-a", "worker.x"))

	_, hit, err := cache.Get(ctx, "tenant-a", "worker.x")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_InvalidateMissingKeyIsNotAnError(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	cache, err := New(ctx, bus.JetStream())
	require.NoError(t, err)

	assert.NoError(t, cache.Invalidate(ctx, "tenant-a", "never-cached"))
}

func TestInvalidator_DropsCacheEntryOnAppendEvent(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	cache, err := New(ctx, bus.JetStream())
	require.NoError(t, err)

	publisher := events.NewPublisher(bus)
	require.NoError(t, cache.Set(ctx, "tenant-a", "worker.x", []*receipts.Receipt{{TaskID: "task-1"}}))

	inv := NewInvalidator(cache, bus, discardLogger())
	require.NoError(t, inv.Start(ctx))
	t.Cleanup(inv.Stop)

	publisher.PublishReceiptAppended(ctx, "tenant-a", &receipts.Receipt{
		ReceiptID:   ids.New(),
		TaskID:      "task-1",
		Phase:       receipts.PhaseAccepted,
		RecipientAI: "worker.x",
		StoredAt:    time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		_, hit, err := cache.Get(ctx, "tenant-a", "worker.x")
		return err == nil && !hit
	}, 2*time.Second, 20*time.Millisecond)
}
