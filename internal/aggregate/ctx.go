package aggregate

import (
	"fmt"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// Beliefs maps every context agent in outputs to its belief, in input order.
func Beliefs(cfg Config, outputs []domain.AgentOutput) []domain.CtxBelief {
	beliefs := make([]domain.CtxBelief, 0, len(cfg.ContextAgents))
	for _, o := range outputs {
		if !contains(cfg.ContextAgents, o.AgentID) {
			continue
		}
		beliefs = append(beliefs, Belief(o))
	}
	return beliefs
}

// Belief converts one context agent's output. Low confidence is checked
// before direction, so a weak LONG reads NEUTRAL rather than GREEN.
func Belief(o domain.AgentOutput) domain.CtxBelief {
	var flag domain.CtxFlag
	switch {
	case o.Confidence < ctxMinConfidence || o.Direction == domain.DirectionNeutral:
		flag = domain.FlagNeutral
	case o.Direction == domain.DirectionLong:
		flag = domain.FlagGreen
	default:
		flag = domain.FlagRed
	}
	headline := o.Thesis
	if headline == "" {
		headline = fmt.Sprintf("%s %s @ %.0f", o.AgentID, o.Direction, o.Confidence)
	}
	return domain.CtxBelief{
		AgentID:    o.AgentID,
		Flag:       flag,
		Confidence: o.Confidence,
		Headline:   headline,
	}
}

// Consensus is LONG when greens strictly outnumber reds, SHORT for the
// reverse, NEUTRAL otherwise.
func Consensus(beliefs []domain.CtxBelief) domain.Direction {
	green, red := 0, 0
	for _, b := range beliefs {
		switch b.Flag {
		case domain.FlagGreen:
			green++
		case domain.FlagRed:
			red++
		}
	}
	switch {
	case green > red:
		return domain.DirectionLong
	case red > green:
		return domain.DirectionShort
	default:
		return domain.DirectionNeutral
	}
}
