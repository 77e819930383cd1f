package domain

import "time"

// ExitStrategy overrides the default take-profit/stop-loss distances, in
// percent of the entry price.
type ExitStrategy struct {
	TakeProfitPct float64 `json:"take_profit_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
}

// Prediction is the participant's sealed call for the battle.
type Prediction struct {
	Direction  Direction     `json:"direction"`
	Exit       *ExitStrategy `json:"exit,omitempty"`
	Speed      int           `json:"speed,omitempty"`
	Commitment string        `json:"commitment,omitempty"`
	Salt       string        `json:"salt,omitempty"`
}

// Winner names the side that took a match.
type Winner string

const (
	WinnerHuman  Winner = "human"
	WinnerAgents Winner = "agents"
	WinnerDraw   Winner = "draw"
)

// MatchResult is the final record written when a battle resolves.
type MatchResult struct {
	MatchID         string       `json:"match_id"`
	Outcome         BattleStatus `json:"outcome"`
	HumanDirection  Direction    `json:"human_direction"`
	AgentDirection  Direction    `json:"agent_direction"`
	MarketDirection Direction    `json:"market_direction"`
	HumanWon        bool         `json:"human_won"`
	AgentsCorrect   bool         `json:"agents_correct"`
	Winner          Winner       `json:"winner"`
	EntryPrice      float64      `json:"entry_price"`
	ExitPrice       float64      `json:"exit_price"`
	PriceChangePct  float64      `json:"price_change_pct"`
	RAchieved       float64      `json:"r_achieved"`
	ResolvedAt      time.Time    `json:"resolved_at"`
}

// Match is the aggregate root. The engine reads and writes only the fields
// its own transitions touch.
type Match struct {
	ID         string
	OwnerID    string
	Symbol     string
	Phase      Phase
	ExpiresAt  *time.Time
	Draft      DraftPanel
	Analysis   []AgentOutput
	Verdict    *AggregateResult
	Prediction *Prediction
	EntryPrice *float64
	ExitPrice  *float64
	Result     *MatchResult
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
