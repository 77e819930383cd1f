package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// maxAttempts bounds how many times AdvancePhase re-validates after losing a
// race against a concurrent transition.
const maxAttempts = 2

// Recorder receives transition outcomes for metrics.
type Recorder interface {
	RecordTransition(from, to domain.Phase, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(domain.Phase, domain.Phase, string) {}

// Service applies validated transitions to persisted matches.
type Service struct {
	store   domain.MatchStore
	machine *Machine
	rec     Recorder
	logger  *slog.Logger
}

// NewService creates a Service. rec may be nil.
func NewService(store domain.MatchStore, machine *Machine, rec Recorder, logger *slog.Logger) *Service {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Service{
		store:   store,
		machine: machine,
		rec:     rec,
		logger:  logger.With(slog.String("component", "phase_service")),
	}
}

// Machine returns the underlying transition validator.
func (s *Service) Machine() *Machine {
	return s.machine
}

// AdvancePhase moves matchID to targetPhase on behalf of actorID.
//
// Errors are reserved for conditions the caller must treat differently from
// an illegal transition: domain.ErrNotFound when the match does not exist,
// domain.ErrUnauthorized when actorID does not own it, and wrapped store
// failures. An illegal or premature transition returns a Transition with
// Valid=false and a nil error. Nothing is written unless validation passes,
// and a lost race against a concurrent transition is re-validated against
// freshly loaded state rather than retried blindly.
func (s *Service) AdvancePhase(ctx context.Context, matchID, actorID string, targetPhase domain.Phase) (Transition, error) {
	var t Transition
	for attempt := 0; attempt < maxAttempts; attempt++ {
		state, err := s.store.LoadPhaseState(ctx, matchID)
		if err != nil {
			return Transition{}, fmt.Errorf("phase: load match %s: %w", matchID, err)
		}
		if state.OwnerID != actorID {
			s.logger.WarnContext(ctx, "transition refused for non-owner",
				slog.String("match_id", matchID),
				slog.String("actor_id", actorID),
			)
			return Transition{}, fmt.Errorf("phase: actor %s on match %s: %w", actorID, matchID, domain.ErrUnauthorized)
		}

		t = s.machine.ValidateTransition(state.Phase, targetPhase, state)
		if !t.Valid {
			s.rec.RecordTransition(state.Phase, targetPhase, "rejected")
			s.logger.InfoContext(ctx, "transition rejected",
				slog.String("match_id", matchID),
				slog.String("from", string(state.Phase)),
				slog.String("to", string(targetPhase)),
				slog.Any("errors", t.Errors),
			)
			return t, nil
		}

		err = s.store.UpdatePhase(ctx, matchID, state.Phase, targetPhase, t.ExpiresAt)
		if errors.Is(err, domain.ErrConflict) {
			s.logger.DebugContext(ctx, "transition lost race, revalidating",
				slog.String("match_id", matchID),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return Transition{}, fmt.Errorf("phase: persist %s -> %s for %s: %w", state.Phase, targetPhase, matchID, err)
		}

		s.rec.RecordTransition(state.Phase, targetPhase, "applied")
		s.logger.InfoContext(ctx, "phase advanced",
			slog.String("match_id", matchID),
			slog.String("from", string(state.Phase)),
			slog.String("to", string(targetPhase)),
		)
		return t, nil
	}

	s.rec.RecordTransition(t.From, targetPhase, "conflict")
	return Transition{
		From:   t.From,
		Phase:  targetPhase,
		Errors: []string{"match was modified concurrently, reload and retry"},
	}, nil
}
