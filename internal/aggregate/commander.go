package aggregate

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// Commander adjudicates between the primary view and the context consensus.
// Priority: a guardian halt forces NEUTRAL; no conflict abstains; otherwise
// a super-majority of strong dissenters overrides the primary view, and
// anything less upholds it under a penalty.
func Commander(orpo domain.OrpoOutput, beliefs []domain.CtxBelief, guardian domain.GuardianCheck) domain.CommanderVerdict {
	if guardian.Halt {
		return domain.CommanderVerdict{
			Kind:           domain.VerdictForced,
			FinalDirection: domain.DirectionNeutral,
			EntryScore:     0,
			Reasoning:      "Guardian HALT — blocking entry",
		}
	}

	consensus := Consensus(beliefs)
	conflict := orpo.Direction.Tradeable() && consensus.Tradeable() && orpo.Direction != consensus
	if !conflict {
		return domain.CommanderVerdict{Kind: domain.VerdictNoConflict}
	}

	dissenters := strongDissenters(orpo.Direction, beliefs)
	score := math.Max(0, orpo.Confidence-dissentPenalty*float64(dissenters))

	if dissenters >= overrideQuorum {
		return domain.CommanderVerdict{
			Kind:             domain.VerdictOverridden,
			FinalDirection:   consensus,
			EntryScore:       score,
			Reasoning:        fmt.Sprintf("CTX override: %d strong dissenters against ORPO %s, switching to %s", dissenters, orpo.Direction, consensus),
			ConflictResolved: true,
			Dissenters:       dissenters,
		}
	}
	return domain.CommanderVerdict{
		Kind:             domain.VerdictUpheld,
		FinalDirection:   orpo.Direction,
		EntryScore:       score,
		Reasoning:        fmt.Sprintf("ORPO %s maintained with conflict penalty (%d strong dissenters)", orpo.Direction, dissenters),
		ConflictResolved: true,
		Dissenters:       dissenters,
	}
}

// strongDissenters counts confident context flags opposing dir.
func strongDissenters(dir domain.Direction, beliefs []domain.CtxBelief) int {
	opposing := domain.FlagRed
	if dir == domain.DirectionShort {
		opposing = domain.FlagGreen
	}
	n := 0
	for _, b := range beliefs {
		if b.Flag == opposing && b.Confidence >= strongDissent {
			n++
		}
	}
	return n
}
