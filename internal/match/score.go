package match

import (
	"time"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// MarketDirection is the side the market actually moved between entry and
// exit. An unchanged price is NEUTRAL.
func MarketDirection(entry, exit float64) domain.Direction {
	switch {
	case exit > entry:
		return domain.DirectionLong
	case exit < entry:
		return domain.DirectionShort
	default:
		return domain.DirectionNeutral
	}
}

// Score turns a terminal battle snapshot into a match result. The human wins
// on a profitable outcome, the agents are right when their final direction
// matches the realised move, and the match goes to whichever side alone was
// right.
func Score(matchID string, final domain.BattleState, human, agents domain.Direction, at time.Time) domain.MatchResult {
	market := MarketDirection(final.EntryPrice, final.ExitPrice)
	r := domain.MatchResult{
		MatchID:         matchID,
		Outcome:         final.Result,
		HumanDirection:  human,
		AgentDirection:  agents,
		MarketDirection: market,
		HumanWon:        final.Result.Won(),
		AgentsCorrect:   agents == market,
		EntryPrice:      final.EntryPrice,
		ExitPrice:       final.ExitPrice,
		RAchieved:       final.RAchieved,
		ResolvedAt:      at,
	}
	if final.EntryPrice > 0 {
		r.PriceChangePct = (final.ExitPrice - final.EntryPrice) / final.EntryPrice * 100
	}

	switch {
	case r.HumanWon && !r.AgentsCorrect:
		r.Winner = domain.WinnerHuman
	case !r.HumanWon && r.AgentsCorrect:
		r.Winner = domain.WinnerAgents
	default:
		r.Winner = domain.WinnerDraw
	}
	return r
}
