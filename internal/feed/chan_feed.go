package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// ChanFeed is an in-process fan-out feed. Publish delivers synchronously on
// the caller's goroutine, which makes it suitable for replaying recorded
// ticks and for tests.
type ChanFeed struct {
	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]func(domain.PriceTick)
}

var _ domain.PriceFeed = (*ChanFeed)(nil)

// NewChanFeed creates an empty ChanFeed.
func NewChanFeed() *ChanFeed {
	return &ChanFeed{subs: make(map[string]map[uint64]func(domain.PriceTick))}
}

// Subscribe registers handler for symbol. The subscription is released when
// ctx is done or Unsubscribe is called.
func (f *ChanFeed) Subscribe(ctx context.Context, symbol string, handler func(domain.PriceTick)) (domain.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("feed: nil handler for %s", symbol)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("feed: subscribe %s: %w", symbol, err)
	}
	sym := NormalizeSymbol(symbol)

	f.mu.Lock()
	f.next++
	id := f.next
	if f.subs[sym] == nil {
		f.subs[sym] = make(map[uint64]func(domain.PriceTick))
	}
	f.subs[sym][id] = handler
	f.mu.Unlock()

	s := &chanSubscription{}
	release := func() {
		f.mu.Lock()
		delete(f.subs[sym], id)
		if len(f.subs[sym]) == 0 {
			delete(f.subs, sym)
		}
		f.mu.Unlock()
	}
	stop := context.AfterFunc(ctx, func() { s.once.Do(release) })
	s.release = func() {
		stop()
		s.once.Do(release)
	}
	return s, nil
}

// Publish delivers tick to every subscriber of tick.Symbol and returns the
// number of handlers invoked. Handlers run outside the feed lock, so they may
// unsubscribe from inside the callback.
func (f *ChanFeed) Publish(tick domain.PriceTick) int {
	sym := NormalizeSymbol(tick.Symbol)
	f.mu.RLock()
	handlers := make([]func(domain.PriceTick), 0, len(f.subs[sym]))
	for _, h := range f.subs[sym] {
		handlers = append(handlers, h)
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		h(tick)
	}
	return len(handlers)
}

// Subscribers reports the live subscription count for symbol.
func (f *ChanFeed) Subscribers(symbol string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[NormalizeSymbol(symbol)])
}

type chanSubscription struct {
	once    sync.Once
	release func()
}

func (s *chanSubscription) Unsubscribe() { s.release() }
