package aggregate

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// Orpo computes the primary view from the offense agents in outputs.
// Agents outside the offense allow-list are ignored.
func Orpo(cfg Config, outputs []domain.AgentOutput, entryPrice float64) domain.OrpoOutput {
	var (
		longScore, shortScore float64
		weightedConf, totalW  float64
		counted               int
	)
	for _, o := range outputs {
		if !contains(cfg.OffenseAgents, o.AgentID) {
			continue
		}
		w := cfg.weight(o.AgentID)
		counted++
		totalW += w
		weightedConf += w * o.Confidence
		switch o.Direction {
		case domain.DirectionLong:
			longScore += w * o.Confidence
		case domain.DirectionShort:
			shortScore += w * o.Confidence
		}
	}

	dir := domain.DirectionNeutral
	spread := math.Abs(longScore - shortScore)
	if spread >= neutralSpread {
		if longScore > shortScore {
			dir = domain.DirectionLong
		} else {
			dir = domain.DirectionShort
		}
	}

	conf := 0.0
	if totalW > 0 {
		// Snap float noise first so x.5 averages round up consistently.
		conf = math.Round(math.Round(weightedConf/totalW*1e6) / 1e6)
	}

	out := domain.OrpoOutput{
		Direction:       dir,
		Confidence:      conf,
		LongScore:       longScore,
		ShortScore:      shortScore,
		DominantPattern: dominantPattern(cfg, outputs, dir),
		KeyLevels:       keyLevels(entryPrice),
	}
	if counted == 0 {
		out.Thesis = "no offense agents reported"
	} else {
		out.Thesis = fmt.Sprintf("%s bias: long %.1f vs short %.1f (spread %.1f) across %d offense agents",
			dir, longScore, shortScore, spread, counted)
	}
	return out
}

// dominantPattern labels the view with the strongest factor of the agent
// contributing most to the winning side.
func dominantPattern(cfg Config, outputs []domain.AgentOutput, dir domain.Direction) string {
	if !dir.Tradeable() {
		return "CONSOLIDATION"
	}
	var (
		best      *domain.AgentOutput
		bestScore float64
	)
	for i := range outputs {
		o := &outputs[i]
		if o.Direction != dir || !contains(cfg.OffenseAgents, o.AgentID) {
			continue
		}
		score := cfg.weight(o.AgentID) * o.Confidence
		if best == nil || score > bestScore {
			best, bestScore = o, score
		}
	}
	if best == nil {
		return "CONSOLIDATION"
	}
	label := best.AgentID
	strongest := 0.0
	for _, f := range best.Factors {
		if f.Name != "" && math.Abs(f.Value) > strongest {
			label, strongest = f.Name, math.Abs(f.Value)
		}
	}
	return label
}

// keyLevels is a fixed band around entry, not derived from market structure.
func keyLevels(entryPrice float64) domain.KeyLevels {
	if entryPrice <= 0 || math.IsNaN(entryPrice) || math.IsInf(entryPrice, 0) {
		return domain.KeyLevels{}
	}
	return domain.KeyLevels{
		Support:    entryPrice * (1 - keyLevelBand),
		Resistance: entryPrice * (1 + keyLevelBand),
	}
}
