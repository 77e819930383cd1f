package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// BusFeed reads ticks published by the relay on the SignalBus.
type BusFeed struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

var _ domain.PriceFeed = (*BusFeed)(nil)

// NewBusFeed creates a BusFeed over bus.
func NewBusFeed(bus domain.SignalBus, logger *slog.Logger) *BusFeed {
	return &BusFeed{
		bus:    bus,
		logger: logger.With(slog.String("component", "bus_feed")),
	}
}

// Subscribe listens on the tick channel for symbol and invokes handler from a
// dedicated goroutine. Undecodable payloads are logged and dropped.
func (f *BusFeed) Subscribe(ctx context.Context, symbol string, handler func(domain.PriceTick)) (domain.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("feed: nil handler for %s", symbol)
	}
	sym := NormalizeSymbol(symbol)
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := f.bus.Subscribe(subCtx, TickChannel(sym))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("feed: subscribe %s: %w", sym, err)
	}

	s := &busSubscription{cancel: cancel}
	go func() {
		for payload := range ch {
			tick, err := DecodeTick(payload)
			if err != nil {
				f.logger.Debug("dropping tick", slog.String("symbol", sym), slog.String("error", err.Error()))
				continue
			}
			if tick.Symbol == "" {
				tick.Symbol = sym
			}
			if s.stopped.Load() {
				return
			}
			handler(tick)
		}
	}()
	return s, nil
}

type busSubscription struct {
	once    sync.Once
	stopped atomic.Bool
	cancel  context.CancelFunc
}

// Unsubscribe cancels the bus subscription. Handlers already running may
// complete but no new tick is delivered afterwards.
func (s *busSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.cancel()
	})
}
