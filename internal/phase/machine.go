// Package phase implements the server-authoritative match lifecycle: the
// fixed DRAFT → ANALYSIS → HYPOTHESIS → BATTLE → RESULT order, per-phase
// timeout budgets, and the precondition checks that gate each transition.
package phase

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// next is the single legal forward edge for every non-terminal phase.
var next = map[domain.Phase]domain.Phase{
	domain.PhaseDraft:      domain.PhaseAnalysis,
	domain.PhaseAnalysis:   domain.PhaseHypothesis,
	domain.PhaseHypothesis: domain.PhaseBattle,
	domain.PhaseBattle:     domain.PhaseResult,
}

// Next returns the phase that follows p, or false when p is terminal.
func Next(p domain.Phase) (domain.Phase, bool) {
	n, ok := next[p]
	return n, ok
}

// Timeouts holds the budget of every phase that has one. Phases absent from
// the map (DRAFT, RESULT) are user- or event-controlled.
type Timeouts map[domain.Phase]time.Duration

// DefaultTimeouts returns the stock budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		domain.PhaseAnalysis:   60 * time.Second,
		domain.PhaseHypothesis: 30 * time.Second,
		domain.PhaseBattle:     300 * time.Second,
	}
}

// For returns the budget for p and whether p has one.
func (t Timeouts) For(p domain.Phase) (time.Duration, bool) {
	d, ok := t[p]
	if !ok || d <= 0 {
		return 0, false
	}
	return d, true
}

// Transition is the outcome of a transition check. An invalid transition is
// an expected, recoverable result and carries every reason it was refused.
type Transition struct {
	Valid     bool
	From      domain.Phase
	Phase     domain.Phase
	ExpiresAt *time.Time
	Errors    []string
}

// Machine validates transitions against the fixed phase order.
type Machine struct {
	timeouts Timeouts
	now      func() time.Time
}

// NewMachine creates a Machine. A nil now defaults to time.Now.
func NewMachine(timeouts Timeouts, now func() time.Time) *Machine {
	if timeouts == nil {
		timeouts = DefaultTimeouts()
	}
	if now == nil {
		now = time.Now
	}
	return &Machine{timeouts: timeouts, now: now}
}

// Timeouts returns the configured budgets.
func (m *Machine) Timeouts() Timeouts {
	return m.timeouts
}

// ValidateTransition checks whether a match in current may move to target
// given the supplied state. Rules are applied in order: terminal phases are
// rejected, then any target other than the single legal next phase, then
// every unmet precondition of the target is collected. A valid transition
// carries the new expiry when the target phase has a budget.
func (m *Machine) ValidateTransition(current, target domain.Phase, state domain.PhaseState) Transition {
	t := Transition{From: current, Phase: target}

	want, ok := next[current]
	if !ok {
		t.Errors = []string{fmt.Sprintf("phase %s is terminal, no further transitions", current)}
		return t
	}
	if target != want {
		t.Errors = []string{fmt.Sprintf("invalid transition from %s: expected %s, got %s", current, want, target)}
		return t
	}

	t.Errors = preconditions(target, state)
	if len(t.Errors) > 0 {
		return t
	}

	t.Valid = true
	if d, ok := m.timeouts.For(target); ok {
		exp := m.now().Add(d)
		t.ExpiresAt = &exp
	}
	return t
}

// preconditions returns one message per unmet requirement of entering target.
func preconditions(target domain.Phase, state domain.PhaseState) []string {
	var errs []string
	switch target {
	case domain.PhaseAnalysis:
		if !state.HasDraft {
			errs = append(errs, "a non-empty draft panel is required before ANALYSIS")
		}
	case domain.PhaseHypothesis:
		if state.AnalysisCount < 1 {
			errs = append(errs, "at least one analysis result is required before HYPOTHESIS")
		}
	case domain.PhaseBattle:
		if !state.HasPrediction {
			errs = append(errs, "a prediction is required before BATTLE")
		} else if !state.PredictionDirection.Tradeable() {
			errs = append(errs, fmt.Sprintf("prediction direction must be LONG or SHORT, got %q", state.PredictionDirection))
		}
	case domain.PhaseResult:
		if !state.HasResult {
			errs = append(errs, "the battle has not resolved yet")
		}
	}
	return errs
}

// PhaseTimerSec returns the whole seconds left before expiresAt, rounded up.
// It returns 0 when the phase has no budget or the window has closed. The
// engine only reports expiry; deciding what an abandoned match means is left
// to the caller.
func PhaseTimerSec(expiresAt *time.Time, now time.Time) int {
	if expiresAt == nil {
		return 0
	}
	left := expiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}
