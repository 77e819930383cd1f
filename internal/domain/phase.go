package domain

import "time"

// Phase is one stage of a match's server-enforced lifecycle.
type Phase string

const (
	PhaseDraft      Phase = "DRAFT"
	PhaseAnalysis   Phase = "ANALYSIS"
	PhaseHypothesis Phase = "HYPOTHESIS"
	PhaseBattle     Phase = "BATTLE"
	PhaseResult     Phase = "RESULT"
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{PhaseDraft, PhaseAnalysis, PhaseHypothesis, PhaseBattle, PhaseResult}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

// PhaseState is the slice of a match that transition checks need. It is
// loaded fresh for every transition attempt.
type PhaseState struct {
	MatchID       string
	OwnerID       string
	Phase         Phase
	HasDraft      bool
	AnalysisCount int
	HasPrediction bool
	HasResult     bool
	ExpiresAt     *time.Time
	UpdatedAt     time.Time

	PredictionDirection Direction
}
