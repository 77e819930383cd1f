// Package feed provides domain.PriceFeed implementations and the upstream
// ticker relay that populates them.
package feed

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// TickChannel is the SignalBus channel carrying ticks for symbol.
func TickChannel(symbol string) string {
	return "ticks:" + NormalizeSymbol(symbol)
}

// NormalizeSymbol upper-cases and trims a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// EncodeTick marshals a tick for the bus.
func EncodeTick(t domain.PriceTick) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("feed: encode tick: %w", err)
	}
	return b, nil
}

// DecodeTick parses a bus payload. Payloads that do not carry a positive,
// finite price are rejected with domain.ErrInvalidTick.
func DecodeTick(payload []byte) (domain.PriceTick, error) {
	var t domain.PriceTick
	if err := json.Unmarshal(payload, &t); err != nil {
		return domain.PriceTick{}, fmt.Errorf("feed: decode tick: %w: %v", domain.ErrInvalidTick, err)
	}
	if !validPrice(t.Price) {
		return domain.PriceTick{}, fmt.Errorf("feed: decode tick price %v: %w", t.Price, domain.ErrInvalidTick)
	}
	return t, nil
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}
