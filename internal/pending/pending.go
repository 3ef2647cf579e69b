// Package pending parks refund webhooks that arrive before the local refund
// row knows its gateway id, so they can be replayed once it does.
package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "webhook:pending:"
	DefaultTTL = 10 * time.Minute
	// per gateway refund id
	maxEntries = 50
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("pending: CBOR encoder initialization failed: " + err.Error())
	}
}

type Entry struct {
	EventID    string `cbor:"event_id"`
	Body       []byte `cbor:"body"`
	ReceivedAt int64  `cbor:"received_at"`
}

// Buffer is a short-lived redis list per gateway refund id. A nil *Buffer
// drops everything.
type Buffer struct {
	rdb redis.Cmdable
	ttl time.Duration
	now func() time.Time
}

func NewBuffer(rdb redis.Cmdable, ttl time.Duration) *Buffer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Buffer{rdb: rdb, ttl: ttl, now: time.Now}
}

func key(gatewayRefundID string) string {
	return keyPrefix + gatewayRefundID
}

// Park appends an unmatched event. The list expires ttl after the last write.
func (b *Buffer) Park(ctx context.Context, gatewayRefundID, eventID string, body []byte) error {
	if b == nil {
		return nil
	}

	data, err := encMode.Marshal(Entry{
		EventID:    eventID,
		Body:       body,
		ReceivedAt: b.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode pending entry: %w", err)
	}

	k := key(gatewayRefundID)
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, data)
		pipe.LTrim(ctx, k, -maxEntries, -1)
		pipe.Expire(ctx, k, b.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("park webhook: %w", err)
	}
	return nil
}

// Drain returns and removes every parked event for the id, oldest first.
// Entries that fail to decode are left out and reported in the error.
func (b *Buffer) Drain(ctx context.Context, gatewayRefundID string) ([]Entry, error) {
	if b == nil {
		return nil, nil
	}

	k := key(gatewayRefundID)
	var items *redis.StringSliceCmd
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, k, 0, -1)
		pipe.Del(ctx, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain webhooks: %w", err)
	}

	// The key is already gone, so an unreadable entry is skipped and reported
	// rather than costing the ones behind it.
	raw := items.Val()
	entries := make([]Entry, 0, len(raw))
	var errs []error
	for i, item := range raw {
		var e Entry
		if err := cbor.Unmarshal([]byte(item), &e); err != nil {
			errs = append(errs, fmt.Errorf("decode pending entry %d: %w", i, err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, errors.Join(errs...)
}
