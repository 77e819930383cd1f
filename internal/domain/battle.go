package domain

import (
	"context"
	"time"
)

// BattleStatus is the resolver lifecycle state. Every value except
// BattleRunning is terminal.
type BattleStatus string

const (
	BattleRunning     BattleStatus = "running"
	BattleTP          BattleStatus = "tp"
	BattleSL          BattleStatus = "sl"
	BattleTimeoutWin  BattleStatus = "timeout_win"
	BattleTimeoutLoss BattleStatus = "timeout_loss"
)

// Terminal reports whether s ends the battle.
func (s BattleStatus) Terminal() bool {
	return s != BattleRunning && s != ""
}

// Won reports whether s is a winning outcome for the position holder.
func (s BattleStatus) Won() bool {
	return s == BattleTP || s == BattleTimeoutWin
}

// PriceTick is one observation from a live price stream.
type PriceTick struct {
	Symbol string    `json:"symbol,omitempty"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// BattleState is a point-in-time snapshot of a resolving position. Snapshots
// handed to subscribers are copies; mutating one never affects the resolver.
type BattleState struct {
	Status    BattleStatus `json:"status"`
	Symbol    string       `json:"symbol,omitempty"`
	Direction Direction    `json:"direction"`

	EntryPrice   float64 `json:"entry_price"`
	TargetPrice  float64 `json:"target_price"`
	StopPrice    float64 `json:"stop_price"`
	CurrentPrice float64 `json:"current_price"`

	DistanceToTarget float64 `json:"distance_to_target"`
	DistanceToStop   float64 `json:"distance_to_stop"`

	History []PriceTick `json:"history"`

	HighSinceEntry float64 `json:"high_since_entry"`
	LowSinceEntry  float64 `json:"low_since_entry"`
	MaxRunUp       float64 `json:"max_run_up"`
	MaxDrawDown    float64 `json:"max_draw_down"`

	StartedAt    time.Time     `json:"started_at"`
	Elapsed      time.Duration `json:"elapsed"`
	Duration     time.Duration `json:"duration"`
	TimeProgress float64       `json:"time_progress"`

	PnLPercent  float64 `json:"pnl_percent"`
	PnLAbsolute float64 `json:"pnl_absolute"`

	ExitPrice float64      `json:"exit_price,omitempty"`
	ExitTime  *time.Time   `json:"exit_time,omitempty"`
	Result    BattleStatus `json:"result,omitempty"`
	RAchieved float64      `json:"r_achieved"`
}

// Subscription is a live handle on a price stream.
type Subscription interface {
	// Unsubscribe releases the stream. It is safe to call more than once.
	Unsubscribe()
}

// PriceFeed delivers live ticks for one instrument to a handler. Handlers may
// be invoked from any goroutine.
type PriceFeed interface {
	Subscribe(ctx context.Context, symbol string, handler func(PriceTick)) (Subscription, error)
}
