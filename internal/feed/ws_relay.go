package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

const (
	// writeWait is the time allowed to write a control frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// RelayConfig configures the upstream exchange stream.
type RelayConfig struct {
	URL               string
	Symbols           []string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// WSRelay reads trade prints from an exchange WebSocket and fans them out:
// the latest price goes to the PriceCache and every tick is published on the
// symbol's tick channel for BusFeed subscribers.
type WSRelay struct {
	cfg    RelayConfig
	cache  domain.PriceCache
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

// NewWSRelay creates a relay. Zero reconnect delays fall back to 2s and 60s.
func NewWSRelay(cfg RelayConfig, cache domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *WSRelay {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 60 * time.Second
	}
	return &WSRelay{
		cfg:    cfg,
		cache:  cache,
		bus:    bus,
		logger: logger.With(slog.String("component", "ws_relay")),
		now:    time.Now,
	}
}

// StreamURL builds the combined-stream URL for the configured symbols,
// e.g. wss://host/stream?streams=btcusdt@trade/ethusdt@trade.
func (r *WSRelay) StreamURL() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("feed: parse ws url: %w", err)
	}
	streams := make([]string, 0, len(r.cfg.Symbols))
	for _, s := range r.cfg.Symbols {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			streams = append(streams, s+"@trade")
		}
	}
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	// The exchange expects literal separators in the stream list.
	u.RawQuery = strings.NewReplacer("%2F", "/", "%40", "@").Replace(u.RawQuery)
	return u.String(), nil
}

// Run relays until ctx is cancelled, reconnecting with exponential backoff.
func (r *WSRelay) Run(ctx context.Context) error {
	if len(r.cfg.Symbols) == 0 {
		r.logger.Info("no symbols configured, relay idle")
		<-ctx.Done()
		return ctx.Err()
	}
	target, err := r.StreamURL()
	if err != nil {
		return err
	}

	delay := r.cfg.ReconnectDelay
	for {
		relayed, err := r.runConnection(ctx, target)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if relayed > 0 {
			delay = r.cfg.ReconnectDelay
		}
		r.logger.Warn("upstream disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Int("relayed", relayed),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.cfg.MaxReconnectDelay {
			delay = r.cfg.MaxReconnectDelay
		}
	}
}

// runConnection serves one upstream connection and returns how many ticks it
// relayed before failing.
func (r *WSRelay) runConnection(ctx context.Context, target string) (int, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return 0, fmt.Errorf("feed: dial: %w", err)
	}
	r.logger.Info("upstream connected", slog.Int("symbols", len(r.cfg.Symbols)))

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-connDone:
		}
		_ = conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go r.pingLoop(conn, connDone)

	relayed := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return relayed, fmt.Errorf("feed: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		tick, err := ParseTrade(msg)
		if err != nil {
			continue
		}
		if tick.Time.IsZero() {
			tick.Time = r.now()
		}
		r.forward(ctx, tick)
		relayed++
	}
}

func (r *WSRelay) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (r *WSRelay) forward(ctx context.Context, tick domain.PriceTick) {
	if err := r.cache.SetPrice(ctx, tick.Symbol, tick.Price, tick.Time); err != nil {
		r.logger.Warn("price cache write failed", slog.String("symbol", tick.Symbol), slog.String("error", err.Error()))
	}
	payload, err := EncodeTick(tick)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, TickChannel(tick.Symbol), payload); err != nil {
		r.logger.Warn("tick publish failed", slog.String("symbol", tick.Symbol), slog.String("error", err.Error()))
	}
}

type tradeEvent struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// ParseTrade decodes a trade print in either the combined-stream envelope or
// the raw single-stream form. Non-trade events and unusable prices are
// reported as domain.ErrInvalidTick.
func ParseTrade(raw []byte) (domain.PriceTick, error) {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.PriceTick{}, fmt.Errorf("feed: parse trade: %w: %v", domain.ErrInvalidTick, err)
	}
	body := raw
	if len(env.Data) > 0 {
		body = env.Data
	}

	var ev tradeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.PriceTick{}, fmt.Errorf("feed: parse trade: %w: %v", domain.ErrInvalidTick, err)
	}
	if ev.Event != "trade" && ev.Event != "aggTrade" {
		return domain.PriceTick{}, fmt.Errorf("feed: event %q: %w", ev.Event, domain.ErrInvalidTick)
	}
	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil || !validPrice(price) {
		return domain.PriceTick{}, fmt.Errorf("feed: trade price %q: %w", ev.Price, domain.ErrInvalidTick)
	}

	tick := domain.PriceTick{Symbol: NormalizeSymbol(ev.Symbol), Price: price}
	if ev.TradeTime > 0 {
		tick.Time = time.UnixMilli(ev.TradeTime).UTC()
	}
	return tick, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("close %d %s", ce.Code, ce.Text)
	}
	return err.Error()
}
