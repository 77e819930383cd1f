package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/agentarena/internal/battle"
	"github.com/alanyoungcy/agentarena/internal/commit"
	"github.com/alanyoungcy/agentarena/internal/domain"
	"github.com/alanyoungcy/agentarena/internal/phase"
)

const (
	finishTimeout  = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// BattleChannel is the SignalBus channel carrying live snapshots for a match.
func BattleChannel(matchID string) string {
	return "battle:" + matchID
}

func lockKey(matchID string) string {
	return "battle:" + matchID
}

// SubmitHypothesis seals the participant's prediction, moves the match into
// BATTLE at the current cached price and arms a resolver for it. A refused
// submission stores nothing. The battle keeps running after ctx ends; use
// Cancel to stop it early.
func (s *Service) SubmitHypothesis(ctx context.Context, matchID, actorID string, p domain.Prediction) (phase.Transition, error) {
	if p.Speed == 0 {
		p.Speed = s.cfg.DefaultSpeed
	}
	if p.Exit != nil && !(validPct(p.Exit.TakeProfitPct) && validPct(p.Exit.StopLossPct)) {
		return phase.Transition{}, fmt.Errorf("match: exit %+v: %w", *p.Exit, domain.ErrInvalidBattle)
	}
	release, err := s.hold(ctx, matchID)
	if err != nil {
		return phase.Transition{}, err
	}
	defer release()

	m, t, ok, err := s.expect(ctx, matchID, actorID, domain.PhaseHypothesis, domain.PhaseBattle)
	if err != nil || !ok {
		return t, err
	}
	// A refused transition takes no arm lock and writes nothing.
	t, err = s.preflight(ctx, m.ID, domain.PhaseBattle, func(st *domain.PhaseState) {
		st.HasPrediction = true
		st.PredictionDirection = p.Direction
	})
	if err != nil || !t.Valid {
		return t, err
	}
	sealed, err := commit.Seal(m.ID, p)
	if err != nil {
		return phase.Transition{}, fmt.Errorf("match: seal prediction: %w", err)
	}

	unlock, err := s.deps.Locks.Acquire(ctx, lockKey(m.ID), s.cfg.LockTTL)
	if err != nil {
		return phase.Transition{}, fmt.Errorf("match: arm lock %s: %w", m.ID, err)
	}
	armedOK := false
	defer func() {
		if !armedOK {
			unlock()
		}
	}()

	entry, _, err := s.deps.Prices.GetPrice(ctx, m.Symbol)
	if err != nil {
		return phase.Transition{}, fmt.Errorf("match: entry price %s: %w", m.Symbol, err)
	}
	params := s.params(m, sealed, entry)

	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r, err := battle.New(params, s.deps.Feed, s.publisher(m.ID), s.cfg.Battle, s.logger)
	if err != nil {
		cancel()
		return phase.Transition{}, fmt.Errorf("match: build resolver: %w", err)
	}

	if err := s.deps.Matches.SavePrediction(ctx, m.ID, domain.PhaseHypothesis, sealed); err != nil {
		cancel()
		if t, lost := superseded(err, m, domain.PhaseBattle); lost {
			return t, nil
		}
		return phase.Transition{}, fmt.Errorf("match: save prediction: %w", err)
	}
	t, err = s.deps.Phases.AdvancePhase(ctx, m.ID, actorID, domain.PhaseBattle)
	if err != nil || !t.Valid {
		cancel()
		return t, err
	}
	if err := s.deps.Matches.SetEntryPrice(ctx, m.ID, entry); err != nil {
		cancel()
		err = fmt.Errorf("match: set entry price: %w", err)
		s.armFailed(ctx, m.ID, err)
		return t, err
	}

	a := &armed{resolver: r, cancel: cancel, unlock: unlock, ownerID: m.OwnerID, prediction: sealed}
	s.mu.Lock()
	s.battles[m.ID] = a
	s.mu.Unlock()

	if err := r.Start(bctx); err != nil {
		s.mu.Lock()
		delete(s.battles, m.ID)
		s.mu.Unlock()
		cancel()
		err = fmt.Errorf("match: start battle: %w", err)
		s.armFailed(ctx, m.ID, err)
		return t, err
	}
	armedOK = true
	s.deps.Metrics.RecordBattleArmed()
	s.audit(ctx, "battle.armed", map[string]any{
		"match_id":   m.ID,
		"direction":  string(params.Direction),
		"entry":      entry,
		"target":     params.TargetPrice,
		"stop":       params.StopPrice,
		"commitment": sealed.Commitment,
	})

	s.wg.Add(1)
	go s.watch(m.ID, a)
	return t, nil
}

// armFailed records a match left in BATTLE with no resolver behind it.
func (s *Service) armFailed(ctx context.Context, matchID string, err error) {
	s.audit(ctx, "battle.arm_failed", map[string]any{
		"match_id": matchID,
		"error":    err.Error(),
	})
	s.logger.ErrorContext(ctx, "battle arm failed after entering BATTLE",
		slog.String("match_id", matchID),
		slog.String("error", err.Error()),
	)
}

func validPct(v float64) bool {
	return v > 0 && v < 100 && !math.IsNaN(v)
}

// params derives the target and stop from the exit strategy, falling back to
// the configured defaults.
func (s *Service) params(m domain.Match, p domain.Prediction, entry float64) battle.Params {
	tp, sl := s.cfg.TakeProfitPct, s.cfg.StopLossPct
	if p.Exit != nil {
		tp, sl = p.Exit.TakeProfitPct, p.Exit.StopLossPct
	}
	target, stop := entry*(1+tp/100), entry*(1-sl/100)
	if p.Direction == domain.DirectionShort {
		target, stop = entry*(1-tp/100), entry*(1+sl/100)
	}
	return battle.Params{
		MatchID:     m.ID,
		Symbol:      m.Symbol,
		Direction:   p.Direction,
		EntryPrice:  entry,
		TargetPrice: target,
		StopPrice:   stop,
		Speed:       p.Speed,
	}
}

// publisher forwards snapshots to the match's battle channel. Publishing is
// best effort; a slow or missing bus never stalls resolution.
func (s *Service) publisher(matchID string) func(domain.BattleState) {
	if s.deps.Bus == nil {
		return nil
	}
	channel := BattleChannel(matchID)
	return func(snap domain.BattleState) {
		payload, err := json.Marshal(snap)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.deps.Bus.Publish(ctx, channel, payload); err != nil {
			s.logger.Debug("snapshot publish failed",
				slog.String("match_id", matchID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// watch waits for the resolver to release and settles the match.
func (s *Service) watch(matchID string, a *armed) {
	defer s.wg.Done()
	<-a.resolver.Done()

	s.mu.Lock()
	if s.battles[matchID] == a {
		delete(s.battles, matchID)
	}
	s.mu.Unlock()
	defer a.unlock()
	defer a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	final := a.resolver.Snapshot()
	if !final.Status.Terminal() {
		s.deps.Metrics.RecordBattleCancelled()
		s.audit(ctx, "battle.cancelled", map[string]any{"match_id": matchID})
		s.logger.Info("battle cancelled", slog.String("match_id", matchID))
		return
	}
	if err := s.finish(ctx, matchID, a, final); err != nil {
		s.logger.Error("battle settlement failed",
			slog.String("match_id", matchID),
			slog.String("error", err.Error()),
		)
	}
}

// finish scores a resolved battle against the prediction it was armed with,
// stores the result and closes the match.
func (s *Service) finish(ctx context.Context, matchID string, a *armed, final domain.BattleState) error {
	s.deps.Metrics.RecordBattle(final.Result, final.RAchieved)

	m, err := s.deps.Matches.GetByID(ctx, matchID)
	if err != nil {
		return fmt.Errorf("match: reload %s: %w", matchID, err)
	}
	switch {
	case m.Prediction == nil:
		err = fmt.Errorf("match: %s has no prediction: %w", matchID, domain.ErrCommitMismatch)
	case m.Prediction.Commitment != a.prediction.Commitment:
		err = fmt.Errorf("match: %s prediction differs from the armed one: %w", matchID, domain.ErrCommitMismatch)
	default:
		err = commit.Verify(matchID, *m.Prediction)
	}
	if err != nil {
		s.audit(ctx, "match.commit_mismatch", map[string]any{
			"match_id":   matchID,
			"commitment": a.prediction.Commitment,
		})
		return err
	}

	agents := domain.DirectionNeutral
	if m.Verdict != nil {
		agents = m.Verdict.FinalDirection()
	}
	at := s.now()
	if final.ExitTime != nil {
		at = *final.ExitTime
	}
	result := Score(matchID, final, a.prediction.Direction, agents, at)

	if err := s.deps.Results.Save(ctx, result); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("match: save result: %w", err)
	}
	if err := s.deps.Matches.SetExitPrice(ctx, matchID, final.ExitPrice); err != nil {
		return fmt.Errorf("match: set exit price: %w", err)
	}
	t, err := s.deps.Phases.AdvancePhase(ctx, matchID, a.ownerID, domain.PhaseResult)
	if err != nil {
		return fmt.Errorf("match: close: %w", err)
	}
	if !t.Valid {
		s.logger.Warn("result transition refused",
			slog.String("match_id", matchID),
			slog.Any("errors", t.Errors),
		)
	}

	detail := map[string]any{
		"match_id": matchID,
		"outcome":  string(result.Outcome),
		"winner":   string(result.Winner),
		"r":        result.RAchieved,
	}
	if s.cfg.Archive && s.deps.Archiver != nil {
		path, err := s.deps.Archiver.ArchiveBattle(ctx, matchID, final)
		if err != nil {
			s.logger.Warn("battle archive failed",
				slog.String("match_id", matchID),
				slog.String("error", err.Error()),
			)
		} else {
			detail["archive"] = path
		}
	}
	s.audit(ctx, "match.resolved", detail)
	s.logger.Info("match resolved",
		slog.String("match_id", matchID),
		slog.String("outcome", string(result.Outcome)),
		slog.String("winner", string(result.Winner)),
		slog.Bool("human_won", result.HumanWon),
		slog.Bool("agents_correct", result.AgentsCorrect),
	)
	return nil
}

// Battle returns the live snapshot of an armed battle.
func (s *Service) Battle(matchID string) (domain.BattleState, error) {
	s.mu.Lock()
	a, ok := s.battles[matchID]
	s.mu.Unlock()
	if !ok {
		return domain.BattleState{}, fmt.Errorf("match: %s: %w", matchID, domain.ErrNotArmed)
	}
	return a.resolver.Snapshot(), nil
}

// Cancel tears down an armed battle without resolving it. The match stays
// in BATTLE. Only the match owner may cancel; for a battle not armed here
// ownership is checked against the store and nothing else happens.
func (s *Service) Cancel(ctx context.Context, matchID, actorID string) error {
	s.mu.Lock()
	a, ok := s.battles[matchID]
	s.mu.Unlock()
	if !ok {
		m, err := s.deps.Matches.GetByID(ctx, matchID)
		if err != nil {
			return fmt.Errorf("match: get %s: %w", matchID, err)
		}
		if m.OwnerID != actorID {
			return fmt.Errorf("match: actor %s cancelling %s: %w", actorID, matchID, domain.ErrUnauthorized)
		}
		return nil
	}
	if a.ownerID != actorID {
		return fmt.Errorf("match: actor %s cancelling %s: %w", actorID, matchID, domain.ErrUnauthorized)
	}
	a.resolver.Destroy()
	return nil
}

// Wait blocks until every armed battle has settled or been cancelled.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels every armed battle and waits for them to release.
func (s *Service) Close() {
	s.mu.Lock()
	live := make([]*armed, 0, len(s.battles))
	for _, a := range s.battles {
		live = append(live, a)
	}
	s.mu.Unlock()
	for _, a := range live {
		a.resolver.Destroy()
	}
	s.wg.Wait()
}
