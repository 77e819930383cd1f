package domain

import (
	"context"
	"time"
)

// PriceCache holds the last relayed trade per symbol. GetPrice returns
// ErrNotFound for a symbol nothing has been relayed for.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// LockManager hands out exclusive leases across workers. A battle is armed
// only while its worker holds "battle:<matchID>".
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one command stream entry. Payload is nil when the entry
// carried none.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries ticks and battle snapshots over fire-and-forget
// channels, and match commands over a durable stream.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
	// StreamTail returns the newest entry ID, "0-0" for an empty stream.
	StreamTail(ctx context.Context, stream string) (string, error)
}
