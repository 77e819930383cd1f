package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/agentarena/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	// defaultStreamMaxLen is the approximate stream cap, enforced via
	// XADD MAXLEN ~.
	defaultStreamMaxLen int64 = 10000
	// defaultStreamBlock bounds how long StreamRead waits for new entries.
	defaultStreamBlock = 2 * time.Second
	// subscribeBuffer is the per-subscription backlog before the oldest
	// undelivered message is dropped.
	subscribeBuffer = 256

	payloadField = "payload"
)

// SignalBus implements domain.SignalBus. Ticks and battle snapshots travel
// over Pub/Sub; match commands travel over a capped stream.
type SignalBus struct {
	rdb    *redis.Client
	maxLen int64
	block  time.Duration
}

// NewSignalBus creates a SignalBus backed by the given Client. maxLen <= 0
// uses the default cap.
func NewSignalBus(c *Client, maxLen int64) *SignalBus {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &SignalBus{rdb: c.Underlying(), maxLen: maxLen, block: defaultStreamBlock}
}

// Publish sends a raw byte payload to a Redis Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Pub/Sub subscription and returns a channel of payloads.
// Ticks are only useful while fresh, so a consumer that falls behind by more
// than the backlog loses the oldest messages rather than stalling the
// connection. Cancelling ctx closes the subscription and the channel.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = sb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channel)
	}

	// Wait for the subscription confirmation so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				deliver(out, []byte(msg.Payload))
			}
		}
	}()
	return out, nil
}

// deliver sends p on out, evicting the oldest queued payload when out is
// full. It must only be called from the channel's single producer, and out
// must be buffered.
func deliver(out chan []byte, p []byte) {
	for {
		select {
		case out <- p:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}

// hasPattern returns true when the Redis channel includes glob-style
// wildcards, in which case PSubscribe must be used instead of Subscribe.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// StreamAppend appends a payload to a Redis stream, trimming it to roughly
// the configured cap.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: sb.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			payloadField: payload,
		},
	}
	if err := sb.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count messages after lastID, waiting at most the
// bus block interval. Use "0" to read from the beginning or "$" for only new
// entries. An idle stream yields an empty slice, not an error. Entries
// without a usable payload are returned with a nil Payload so the caller's
// cursor still moves past them.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   sb.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			messages = append(messages, domain.StreamMessage{
				ID:      msg.ID,
				Payload: payloadOf(msg.Values),
			})
		}
	}
	return messages, nil
}

// StreamTail returns the ID of the newest entry in stream, or "0-0" when the
// stream is empty or missing. Reading after it yields only entries appended
// later, without the gaps a repeated "$" read leaves between blocks.
func (sb *SignalBus) StreamTail(ctx context.Context, stream string) (string, error) {
	msgs, err := sb.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis: stream tail %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// payloadOf extracts the payload field written by StreamAppend.
func payloadOf(values map[string]interface{}) []byte {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

var _ domain.SignalBus = (*SignalBus)(nil)
