package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	channel string
	payload []byte
}

type stubBus struct {
	mu        sync.Mutex
	published []published
	subs      map[string]chan []byte
	subErr    error
}

func newStubBus() *stubBus {
	return &stubBus{subs: make(map[string]chan []byte)}
}

func (b *stubBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{channel, payload})
	return nil
}

func (b *stubBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if b.subErr != nil {
		return nil, b.subErr
	}
	in := make(chan []byte, 16)
	out := make(chan []byte)
	b.mu.Lock()
	b.subs[channel] = in
	b.mu.Unlock()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-in:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *stubBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *stubBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *stubBus) StreamTail(context.Context, string) (string, error) { return "0-0", nil }

func (b *stubBus) send(channel string, payload string) {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	ch <- []byte(payload)
}

func (b *stubBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type stubCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (c *stubCache) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = make(map[string]float64)
	}
	c.prices[symbol] = price
	return nil
}

func (c *stubCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Time{}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDecodeTick(t *testing.T) {
	tick, err := DecodeTick([]byte(`{"symbol":"BTCUSDT","price":101.5,"time":"2026-03-01T12:00:00Z"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tick.Price != 101.5 || tick.Symbol != "BTCUSDT" {
		t.Fatalf("tick=%+v", tick)
	}

	for _, bad := range []string{`not json`, `{"price":0}`, `{"price":-3}`, `{"symbol":"X"}`} {
		if _, err := DecodeTick([]byte(bad)); !errors.Is(err, domain.ErrInvalidTick) {
			t.Fatalf("payload %s err=%v want=ErrInvalidTick", bad, err)
		}
	}
}

func TestEncodeDecodeKeepsPrice(t *testing.T) {
	b, err := EncodeTick(domain.PriceTick{Symbol: "ETHUSDT", Price: 3120.25})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeTick(b)
	if err != nil || got.Price != 3120.25 {
		t.Fatalf("got=%+v err=%v", got, err)
	}
}

func TestParseTrade(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		price float64
		ok    bool
	}{
		{"combined", `{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"67000.1","T":1700000000000}}`, 67000.1, true},
		{"raw", `{"e":"trade","s":"ethusdt","p":"3120.5","T":1700000000000}`, 3120.5, true},
		{"agg", `{"e":"aggTrade","s":"BTCUSDT","p":"1.5"}`, 1.5, true},
		{"other event", `{"e":"kline","s":"BTCUSDT","p":"1"}`, 0, false},
		{"bad price", `{"e":"trade","s":"BTCUSDT","p":"abc"}`, 0, false},
		{"zero price", `{"e":"trade","s":"BTCUSDT","p":"0"}`, 0, false},
		{"garbage", `{{`, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tick, err := ParseTrade([]byte(tc.raw))
			if !tc.ok {
				if !errors.Is(err, domain.ErrInvalidTick) {
					t.Fatalf("err=%v want=ErrInvalidTick", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if tick.Price != tc.price {
				t.Fatalf("price=%v want=%v", tick.Price, tc.price)
			}
			if tick.Symbol != strings.ToUpper(tick.Symbol) {
				t.Fatalf("symbol not normalized: %q", tick.Symbol)
			}
		})
	}

	tick, _ := ParseTrade([]byte(`{"e":"trade","s":"BTCUSDT","p":"1","T":1700000000000}`))
	if want := time.UnixMilli(1700000000000).UTC(); !tick.Time.Equal(want) {
		t.Fatalf("time=%v want=%v", tick.Time, want)
	}
}

func TestChanFeedFanOut(t *testing.T) {
	f := NewChanFeed()
	ctx := context.Background()

	var a, b []float64
	subA, err := f.Subscribe(ctx, "btcusdt", func(t domain.PriceTick) { a = append(a, t.Price) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := f.Subscribe(ctx, "BTCUSDT", func(t domain.PriceTick) { b = append(b, t.Price) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if n := f.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 1}); n != 2 {
		t.Fatalf("delivered=%d want=2", n)
	}
	f.Publish(domain.PriceTick{Symbol: "ETHUSDT", Price: 9})

	subA.Unsubscribe()
	subA.Unsubscribe()
	f.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 2})

	if len(a) != 1 || len(b) != 2 {
		t.Fatalf("a=%v b=%v", a, b)
	}
	if got := f.Subscribers("BTCUSDT"); got != 1 {
		t.Fatalf("subscribers=%d want=1", got)
	}
}

func TestChanFeedUnsubscribeInsideHandler(t *testing.T) {
	f := NewChanFeed()
	var sub domain.Subscription
	calls := 0
	sub, _ = f.Subscribe(context.Background(), "X", func(domain.PriceTick) {
		calls++
		sub.Unsubscribe()
	})
	f.Publish(domain.PriceTick{Symbol: "X", Price: 1})
	f.Publish(domain.PriceTick{Symbol: "X", Price: 1})
	if calls != 1 {
		t.Fatalf("calls=%d want=1", calls)
	}
}

func TestChanFeedContextRelease(t *testing.T) {
	f := NewChanFeed()
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := f.Subscribe(ctx, "X", func(domain.PriceTick) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	waitFor(t, func() bool { return f.Subscribers("X") == 0 })

	if _, err := f.Subscribe(ctx, "X", func(domain.PriceTick) {}); err == nil {
		t.Fatalf("subscribe on cancelled ctx succeeded")
	}
}

func TestBusFeedDeliversAndDrops(t *testing.T) {
	bus := newStubBus()
	f := NewBusFeed(bus, testLogger())

	var mu sync.Mutex
	var got []domain.PriceTick
	sub, err := f.Subscribe(context.Background(), "btcusdt", func(t domain.PriceTick) {
		mu.Lock()
		got = append(got, t)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	bus.send("ticks:BTCUSDT", `garbage`)
	bus.send("ticks:BTCUSDT", `{"price":"NaN"}`)
	bus.send("ticks:BTCUSDT", `{"price":100.5}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Price != 100.5 || got[0].Symbol != "BTCUSDT" {
		t.Fatalf("tick=%+v", got[0])
	}
}

func TestBusFeedSubscribeError(t *testing.T) {
	bus := newStubBus()
	bus.subErr = domain.ErrUnavailable
	f := NewBusFeed(bus, testLogger())
	if _, err := f.Subscribe(context.Background(), "X", func(domain.PriceTick) {}); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("err=%v want=ErrUnavailable", err)
	}
}

func TestStreamURL(t *testing.T) {
	r := NewWSRelay(RelayConfig{
		URL:     "wss://stream.binance.com:9443/stream",
		Symbols: []string{"BTCUSDT", " ethusdt "},
	}, &stubCache{}, newStubBus(), testLogger())
	got, err := r.StreamURL()
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	want := "wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@trade"
	if got != want {
		t.Fatalf("url=%s want=%s", got, want)
	}
}

func TestWSRelayForwardsTrades(t *testing.T) {
	var gotQuery string
	var qmu sync.Mutex
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		qmu.Lock()
		gotQuery = r.URL.RawQuery
		qmu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msgs := []string{
			`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"67000.1","T":1700000000000}}`,
			`{"result":null,"id":1}`,
			`{"e":"trade","s":"BTCUSDT","p":"67001.5","T":1700000000500}`,
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cache := &stubCache{}
	bus := newStubBus()
	r := NewWSRelay(RelayConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream",
		Symbols:        []string{"BTCUSDT"},
		ReconnectDelay: 10 * time.Millisecond,
	}, cache, bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool { return bus.count() >= 2 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run err=%v want=context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}

	p, _, err := cache.GetPrice(context.Background(), "BTCUSDT")
	if err != nil || math.Abs(p-67001.5) > 1e-9 {
		t.Fatalf("cached=%v err=%v want=67001.5", p, err)
	}
	bus.mu.Lock()
	first := bus.published[0]
	bus.mu.Unlock()
	if first.channel != "ticks:BTCUSDT" {
		t.Fatalf("channel=%s", first.channel)
	}
	if tick, err := DecodeTick(first.payload); err != nil || tick.Price != 67000.1 {
		t.Fatalf("first tick=%+v err=%v", tick, err)
	}
	qmu.Lock()
	defer qmu.Unlock()
	if gotQuery != "streams=btcusdt@trade" {
		t.Fatalf("query=%s", gotQuery)
	}
}
