// Package ristretto implements the delivery receipt cache using
// dgraph-io/ristretto. The TTL doubles as the receipt retention window, so
// aged-out receipts purge themselves without a sweep.
package ristretto

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/arbiterhq/arbiter/internal/domain/message"
)

// ReceiptCache stores delivery receipts keyed by message id for a bounded
// retention window.
type ReceiptCache struct {
	c   *ristretto.Cache[string, *message.DeliveryReceipt]
	ttl time.Duration
}

// NewReceiptCache creates a receipt cache. maxSizeMB bounds the total cost;
// ttl is the retention window (default one hour if zero).
func NewReceiptCache(maxSizeMB int64, ttl time.Duration) (*ReceiptCache, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	maxCost := maxSizeMB * 1024 * 1024
	c, err := ristretto.NewCache(&ristretto.Config[string, *message.DeliveryReceipt]{
		NumCounters: maxCost / 100 * 10, // ~10x expected items
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ReceiptCache{c: c, ttl: ttl}, nil
}

// Put stores the receipt and waits for it to be visible to readers.
func (r *ReceiptCache) Put(receipt *message.DeliveryReceipt) {
	r.c.SetWithTTL(receipt.MessageID, receipt, 256, r.ttl)
	r.c.Wait()
}

// Get retrieves a receipt by message id.
func (r *ReceiptCache) Get(messageID string) (*message.DeliveryReceipt, bool) {
	return r.c.Get(messageID)
}

// Delete removes a receipt.
func (r *ReceiptCache) Delete(messageID string) {
	r.c.Del(messageID)
}

// Close shuts down the cache and releases resources.
func (r *ReceiptCache) Close() {
	r.c.Close()
}
