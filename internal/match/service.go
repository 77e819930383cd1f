// Package match drives a match through its lifecycle: it persists each
// phase's inputs, runs the aggregator, seals the participant's prediction,
// arms the battle resolver and scores the outcome.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/agentarena/internal/aggregate"
	"github.com/alanyoungcy/agentarena/internal/battle"
	"github.com/alanyoungcy/agentarena/internal/domain"
	"github.com/alanyoungcy/agentarena/internal/phase"
)

// Recorder receives aggregation and battle metrics.
type Recorder interface {
	RecordAggregation(kind domain.VerdictKind)
	RecordBattleArmed()
	RecordBattle(result domain.BattleStatus, rAchieved float64)
	RecordBattleCancelled()
}

type nopRecorder struct{}

func (nopRecorder) RecordAggregation(domain.VerdictKind) {}
func (nopRecorder) RecordBattleArmed() {}
func (nopRecorder) RecordBattle(domain.BattleStatus, float64) {}
func (nopRecorder) RecordBattleCancelled() {}

// Config holds battle defaults applied when a prediction leaves them out.
type Config struct {
	TakeProfitPct float64
	StopLossPct   float64
	DefaultSpeed  int
	LockTTL       time.Duration
	Archive       bool
	Battle        battle.Options
}

// DefaultConfig returns +2% / -1% exits at speed 1.
func DefaultConfig() Config {
	return Config{
		TakeProfitPct: 2,
		StopLossPct:   1,
		DefaultSpeed:  1,
		LockTTL:       10 * time.Minute,
	}
}

// Deps are the collaborators a Service needs. Bus, Archiver and Metrics
// are optional.
type Deps struct {
	Matches    domain.MatchStore
	Results    domain.ResultStore
	Audit      domain.AuditStore
	Prices     domain.PriceCache
	Locks      domain.LockManager
	Feed       domain.PriceFeed
	Bus        domain.SignalBus
	Archiver   domain.BattleArchiver
	Phases     *phase.Service
	Aggregator *aggregate.Aggregator
	Metrics    Recorder
}

// Service orchestrates matches. Armed battles live in memory on the process
// that armed them; a per-match lock keeps a second process from arming the
// same battle.
type Service struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	battles map[string]*armed
	wg      sync.WaitGroup
}

type armed struct {
	resolver   *battle.Resolver
	cancel     context.CancelFunc
	unlock     func()
	ownerID    string
	prediction domain.Prediction
}

// submitLockTTL bounds one submission's critical section: the checks, the
// guarded payload write and the phase advance.
const submitLockTTL = 30 * time.Second

func submitKey(matchID string) string {
	return "submit:" + matchID
}

// NewService creates a Service.
func NewService(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if deps.Aggregator == nil {
		deps.Aggregator = aggregate.New(aggregate.DefaultConfig())
	}
	now := cfg.Battle.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "match_service")),
		now:     now,
		battles: make(map[string]*armed),
	}
}

// Create opens a new match in DRAFT.
func (s *Service) Create(ctx context.Context, ownerID, symbol string) (domain.Match, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if ownerID == "" || symbol == "" {
		return domain.Match{}, fmt.Errorf("match: owner and symbol are required")
	}
	now := s.now()
	m := domain.Match{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Symbol:    symbol,
		Phase:     domain.PhaseDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Matches.Create(ctx, m); err != nil {
		return domain.Match{}, fmt.Errorf("match: create: %w", err)
	}
	s.audit(ctx, "match.created", map[string]any{"match_id": m.ID, "owner_id": ownerID, "symbol": symbol})
	s.logger.InfoContext(ctx, "match created",
		slog.String("match_id", m.ID),
		slog.String("symbol", symbol),
	)
	return m, nil
}

// Status returns the match and the whole seconds left in its current phase.
func (s *Service) Status(ctx context.Context, matchID string) (domain.Match, int, error) {
	m, err := s.deps.Matches.GetByID(ctx, matchID)
	if err != nil {
		return domain.Match{}, 0, fmt.Errorf("match: get %s: %w", matchID, err)
	}
	return m, phase.PhaseTimerSec(m.ExpiresAt, s.now()), nil
}

// SubmitDraft stores the participant's agent panel and moves the match into
// ANALYSIS. Every weight must be positive and finite.
func (s *Service) SubmitDraft(ctx context.Context, matchID, actorID string, panel domain.DraftPanel) (phase.Transition, error) {
	if err := validatePanel(panel); err != nil {
		return phase.Transition{}, err
	}
	release, err := s.hold(ctx, matchID)
	if err != nil {
		return phase.Transition{}, err
	}
	defer release()

	m, t, ok, err := s.expect(ctx, matchID, actorID, domain.PhaseDraft, domain.PhaseAnalysis)
	if err != nil || !ok {
		return t, err
	}
	t, err = s.preflight(ctx, m.ID, domain.PhaseAnalysis, func(st *domain.PhaseState) { st.HasDraft = true })
	if err != nil || !t.Valid {
		return t, err
	}
	if err := s.deps.Matches.SaveDraft(ctx, m.ID, domain.PhaseDraft, panel); err != nil {
		if t, lost := superseded(err, m, domain.PhaseAnalysis); lost {
			return t, nil
		}
		return phase.Transition{}, fmt.Errorf("match: save draft: %w", err)
	}
	return s.deps.Phases.AdvancePhase(ctx, m.ID, actorID, domain.PhaseAnalysis)
}

func validatePanel(panel domain.DraftPanel) error {
	if len(panel) == 0 {
		return fmt.Errorf("match: empty panel: %w", domain.ErrInvalidPanel)
	}
	for id, w := range panel {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("match: blank agent id: %w", domain.ErrInvalidPanel)
		}
		if !(w > 0) || math.IsInf(w, 0) {
			return fmt.Errorf("match: agent %s weight %v: %w", id, w, domain.ErrInvalidPanel)
		}
	}
	return nil
}

// validateOutputs rejects agent outputs the aggregator cannot weigh. An
// empty slice passes here and is refused by the transition check instead.
func validateOutputs(outputs []domain.AgentOutput) error {
	for i, o := range outputs {
		if strings.TrimSpace(o.AgentID) == "" {
			return fmt.Errorf("match: output %d has no agent id: %w", i, domain.ErrInvalidOutput)
		}
		if math.IsNaN(o.Confidence) || o.Confidence < 0 || o.Confidence > 100 {
			return fmt.Errorf("match: agent %s confidence %v outside [0,100]: %w", o.AgentID, o.Confidence, domain.ErrInvalidOutput)
		}
		switch o.Direction {
		case domain.DirectionLong, domain.DirectionShort, domain.DirectionNeutral:
		default:
			return fmt.Errorf("match: agent %s direction %q: %w", o.AgentID, o.Direction, domain.ErrInvalidOutput)
		}
	}
	return nil
}

// SubmitAnalysis stores the agents' outputs, aggregates them against the
// latest cached price and moves the match into HYPOTHESIS. A refused
// submission stores nothing. Once stored, the verdict is returned even if
// the advance itself is refused.
func (s *Service) SubmitAnalysis(ctx context.Context, matchID, actorID string, outputs []domain.AgentOutput, completeness float64) (domain.AggregateResult, phase.Transition, error) {
	if err := validateOutputs(outputs); err != nil {
		return domain.AggregateResult{}, phase.Transition{}, err
	}
	release, err := s.hold(ctx, matchID)
	if err != nil {
		return domain.AggregateResult{}, phase.Transition{}, err
	}
	defer release()

	m, t, ok, err := s.expect(ctx, matchID, actorID, domain.PhaseAnalysis, domain.PhaseHypothesis)
	if err != nil || !ok {
		return domain.AggregateResult{}, t, err
	}
	t, err = s.preflight(ctx, m.ID, domain.PhaseHypothesis, func(st *domain.PhaseState) { st.AnalysisCount = len(outputs) })
	if err != nil || !t.Valid {
		return domain.AggregateResult{}, t, err
	}

	ref, _, err := s.deps.Prices.GetPrice(ctx, m.Symbol)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.WarnContext(ctx, "no cached price, key levels omitted",
			slog.String("match_id", m.ID),
			slog.String("symbol", m.Symbol),
		)
		ref = 0
	case err != nil:
		return domain.AggregateResult{}, phase.Transition{}, fmt.Errorf("match: reference price %s: %w", m.Symbol, err)
	}

	res := s.deps.Aggregator.Aggregate(aggregate.Input{
		Outputs:          outputs,
		DataCompleteness: completeness,
		EntryPrice:       ref,
	})
	if err := s.deps.Matches.SaveAnalysis(ctx, m.ID, domain.PhaseAnalysis, outputs); err != nil {
		if t, lost := superseded(err, m, domain.PhaseHypothesis); lost {
			return domain.AggregateResult{}, t, nil
		}
		return domain.AggregateResult{}, phase.Transition{}, fmt.Errorf("match: save analysis: %w", err)
	}
	if err := s.deps.Matches.SaveVerdict(ctx, m.ID, domain.PhaseAnalysis, res); err != nil {
		if t, lost := superseded(err, m, domain.PhaseHypothesis); lost {
			return domain.AggregateResult{}, t, nil
		}
		return res, phase.Transition{}, fmt.Errorf("match: save verdict: %w", err)
	}
	s.deps.Metrics.RecordAggregation(res.Commander.Kind)
	s.audit(ctx, "match.verdict", map[string]any{
		"match_id":   m.ID,
		"kind":       string(res.Commander.Kind),
		"direction":  string(res.FinalDirection()),
		"confidence": res.Orpo.Confidence,
		"halt":       res.Guardian.Halt,
	})
	s.logger.InfoContext(ctx, "analysis aggregated",
		slog.String("match_id", m.ID),
		slog.String("orpo", string(res.Orpo.Direction)),
		slog.Float64("confidence", res.Orpo.Confidence),
		slog.String("commander", string(res.Commander.Kind)),
		slog.String("final", string(res.FinalDirection())),
	)

	t, err = s.deps.Phases.AdvancePhase(ctx, m.ID, actorID, domain.PhaseHypothesis)
	return res, t, err
}

// expect loads the match and checks that actorID owns it and that it sits in
// want. A wrong phase is reported as a refused transition to target.
func (s *Service) expect(ctx context.Context, matchID, actorID string, want, target domain.Phase) (domain.Match, phase.Transition, bool, error) {
	m, err := s.deps.Matches.GetByID(ctx, matchID)
	if err != nil {
		return domain.Match{}, phase.Transition{}, false, fmt.Errorf("match: get %s: %w", matchID, err)
	}
	if m.OwnerID != actorID {
		return domain.Match{}, phase.Transition{}, false, fmt.Errorf("match: actor %s on %s: %w", actorID, matchID, domain.ErrUnauthorized)
	}
	if m.Phase != want {
		return m, phase.Transition{
			From:   m.Phase,
			Phase:  target,
			Errors: []string{fmt.Sprintf("match is in %s, submissions for %s are closed", m.Phase, want)},
		}, false, nil
	}
	return m, phase.Transition{}, true, nil
}

// hold takes the per-match submission lock, so the phase a submission was
// checked against is still current when its payload is written.
func (s *Service) hold(ctx context.Context, matchID string) (func(), error) {
	unlock, err := s.deps.Locks.Acquire(ctx, submitKey(matchID), submitLockTTL)
	if err != nil {
		return nil, fmt.Errorf("match: submit lock %s: %w", matchID, err)
	}
	return unlock, nil
}

// preflight validates the transition to target against the stored state with
// the pending submission applied, before anything is written.
func (s *Service) preflight(ctx context.Context, matchID string, target domain.Phase, apply func(*domain.PhaseState)) (phase.Transition, error) {
	state, err := s.deps.Matches.LoadPhaseState(ctx, matchID)
	if err != nil {
		return phase.Transition{}, fmt.Errorf("match: load phase state: %w", err)
	}
	apply(&state)
	return s.deps.Phases.Machine().ValidateTransition(state.Phase, target, state), nil
}

// superseded turns a guarded write that found the match in another phase
// into a refused transition.
func superseded(err error, m domain.Match, target domain.Phase) (phase.Transition, bool) {
	if !errors.Is(err, domain.ErrConflict) {
		return phase.Transition{}, false
	}
	return phase.Transition{
		From:   m.Phase,
		Phase:  target,
		Errors: []string{fmt.Sprintf("match left %s before the submission was stored", m.Phase)},
	}, true
}

func (s *Service) audit(ctx context.Context, event string, detail map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
