package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/agentarena/internal/domain"
	"github.com/redis/go-redis/v9"
)

func TestOptions(t *testing.T) {
	opts := Options(ClientConfig{Addr: "cache:6379", DB: 2, PoolSize: 7, TLSEnabled: true})
	if opts.Addr != "cache:6379" || opts.DB != 2 || opts.PoolSize != 7 {
		t.Fatalf("opts=%+v", opts)
	}
	if opts.ReadTimeout <= defaultStreamBlock {
		t.Fatalf("read timeout=%v must exceed stream block %v", opts.ReadTimeout, defaultStreamBlock)
	}
	if opts.TLSConfig == nil {
		t.Fatalf("tls config missing")
	}
	if Options(ClientConfig{}).TLSConfig != nil {
		t.Fatalf("tls config set without TLSEnabled")
	}
}

func TestDeliverDropsOldest(t *testing.T) {
	out := make(chan []byte, 2)
	for _, p := range []string{"a", "b", "c"} {
		deliver(out, []byte(p))
	}
	if len(out) != 2 {
		t.Fatalf("len=%d want=2", len(out))
	}
	if got := string(<-out); got != "b" {
		t.Fatalf("first=%q want=b", got)
	}
	if got := string(<-out); got != "c" {
		t.Fatalf("second=%q want=c", got)
	}
}

func TestPayloadOf(t *testing.T) {
	cases := []struct {
		values map[string]interface{}
		want   string
		isNil  bool
	}{
		{values: map[string]interface{}{payloadField: `{"type":"status"}`}, want: `{"type":"status"}`},
		{values: map[string]interface{}{payloadField: []byte("raw")}, want: "raw"},
		{values: map[string]interface{}{payloadField: 42}, isNil: true},
		{values: map[string]interface{}{"other": "x"}, isNil: true},
	}
	for i, tc := range cases {
		got := payloadOf(tc.values)
		if tc.isNil {
			if got != nil {
				t.Fatalf("case %d: got=%q want=nil", i, got)
			}
			continue
		}
		if string(got) != tc.want {
			t.Fatalf("case %d: got=%q want=%q", i, got, tc.want)
		}
	}
}

func TestParsePrice(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	price, at, err := parsePrice(map[string]string{
		"price": "67001.5",
		"ts":    "1772366400000000000",
	})
	if err != nil {
		t.Fatalf("parsePrice: %v", err)
	}
	if price != 67001.5 || !at.Equal(ts) {
		t.Fatalf("price=%v ts=%v want=67001.5 %v", price, at, ts)
	}

	if _, _, err := parsePrice(map[string]string{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("empty hash err=%v want ErrNotFound", err)
	}
	if _, _, err := parsePrice(map[string]string{"price": "abc"}); err == nil {
		t.Fatalf("bad price accepted")
	}
	if _, _, err := parsePrice(map[string]string{"price": "1", "ts": "x"}); err == nil {
		t.Fatalf("bad ts accepted")
	}
}

func TestHasPattern(t *testing.T) {
	if !hasPattern("battle:*") || hasPattern("ticks:BTCUSDT") {
		t.Fatalf("pattern detection wrong")
	}
}

func TestAcquireRejectsNonPositiveTTL(t *testing.T) {
	c := &Client{rdb: redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})}
	defer c.Close()
	lm := NewLockManager(c)
	if _, err := lm.Acquire(context.Background(), "battle:m1", 0); err == nil {
		t.Fatalf("zero ttl accepted")
	}
	if got := lockKey("battle:m1"); got != "lock:battle:m1" {
		t.Fatalf("lockKey=%q", got)
	}
}
