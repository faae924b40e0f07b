// Package querycache implements a NATS JetStream KV-backed cache for
// internal/query.Inbox, adapted from the teacher's storage/entity.go
// KV-bucket pattern. It is a derived, rebuildable index: the receipts
// table remains authoritative, and a cache miss or a flushed bucket
// never loses data, only forces a Postgres round trip.
package querycache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/PStryder/legivellum/internal/receipts"
)

// BucketName is the KV bucket every tenant's cached inbox listings live
// in, keyed per (tenant_id, recipient_ai).
const BucketName = "LEGIVELLUM_INBOX_CACHE"

// Cache fronts internal/query.Inbox with a NATS KV read-through cache.
type Cache struct {
	kv jetstream.KeyValue
}

// New gets or creates the inbox cache bucket.
func New(ctx context.Context, js jetstream.JetStream) (*Cache, error) {
	kv, err := getOrCreateBucket(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("ensure inbox cache bucket: %w", err)
	}
	return &Cache{kv: kv}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, BucketName)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketName,
		Description: "Cached inbox listings, invalidated on receipt append",
		History:     1,
	})
}

// key builds the KV key for a (tenant_id, recipient_ai) pair. NATS KV
// keys may not contain '.', so the tenant/recipient separator is a
// character neither identifier is expected to contain.
func key(tenantID, recipientAI string) string {
	return tenantID + "__" + sanitize(recipientAI)
}

func sanitize(s string) string {
	return strings.NewReplacer(".", "_", " ", "_").Replace(s)
}

// Get returns the cached inbox listing for (tenantID, recipientAI), if
// present. The bool reports whether the cache held an entry at all.
func (c *Cache) Get(ctx context.Context, tenantID, recipientAI string) ([]*receipts.Receipt, bool, error) {
	entry, err := c.kv.Get(ctx, key(tenantID, recipientAI))
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get inbox cache entry: %w", err)
	}

	var cached []*receipts.Receipt
	if err := json.Unmarshal(entry.Value(), &cached); err != nil {
		return nil, false, fmt.Errorf("unmarshal inbox cache entry: %w", err)
	}
	return cached, true, nil
}

// Set stores rs as the cached inbox listing for (tenantID, recipientAI).
func (c *Cache) Set(ctx context.Context, tenantID, recipientAI string, rs []*receipts.Receipt) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshal inbox cache entry: %w", err)
	}
	if _, err := c.kv.Put(ctx, key(tenantID, recipientAI), data); err != nil {
		return fmt.Errorf("put inbox cache entry: %w", err)
	}
	return nil
}

// Invalidate drops the cached listing for (tenantID, recipientAI), if
// any. A missing key is not an error: the cache was already cold.
func (c *Cache) Invalidate(ctx context.Context, tenantID, recipientAI string) error {
	if err := c.kv.Delete(ctx, key(tenantID, recipientAI)); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete inbox cache entry: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
