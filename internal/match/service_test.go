package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/agentarena/internal/aggregate"
	"github.com/alanyoungcy/agentarena/internal/battle"
	"github.com/alanyoungcy/agentarena/internal/domain"
	"github.com/alanyoungcy/agentarena/internal/feed"
	"github.com/alanyoungcy/agentarena/internal/phase"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memResults struct {
	mu   sync.Mutex
	rows map[string]domain.MatchResult
}

func (r *memResults) Save(_ context.Context, res domain.MatchResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[res.MatchID]; ok {
		return domain.ErrAlreadyExists
	}
	r.rows[res.MatchID] = res
	return nil
}

func (r *memResults) GetByMatchID(_ context.Context, id string) (domain.MatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.rows[id]
	if !ok {
		return domain.MatchResult{}, domain.ErrNotFound
	}
	return res, nil
}

func (r *memResults) List(context.Context, domain.ListOpts) ([]domain.MatchResult, error) {
	return nil, nil
}

type memMatches struct {
	mu      sync.Mutex
	rows    map[string]domain.Match
	results *memResults

	// stale rows are served in place of the stored ones, the way a lagging
	// read replica would. staleState extends that to LoadPhaseState.
	stale      map[string]domain.Match
	staleState bool
	entryErr   error
}

func (s *memMatches) Create(_ context.Context, m domain.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.rows[m.ID] = m
	return nil
}

func (s *memMatches) GetByID(_ context.Context, id string) (domain.Match, error) {
	return s.read(id, true)
}

func (s *memMatches) read(id string, allowStale bool) (domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if st, isStale := s.stale[id]; isStale && allowStale {
		m, ok = st, true
	}
	if !ok {
		return domain.Match{}, domain.ErrNotFound
	}
	if m.Prediction != nil {
		p := *m.Prediction
		m.Prediction = &p
	}
	return m, nil
}

// serveStale answers reads for m.ID with m until thaw.
func (s *memMatches) serveStale(m domain.Match, withState bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale == nil {
		s.stale = make(map[string]domain.Match)
	}
	s.stale[m.ID] = m
	s.staleState = withState
}

func (s *memMatches) thaw(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stale, id)
}

func (s *memMatches) LoadPhaseState(ctx context.Context, id string) (domain.PhaseState, error) {
	s.mu.Lock()
	withStale := s.staleState
	s.mu.Unlock()
	m, err := s.read(id, withStale)
	if err != nil {
		return domain.PhaseState{}, err
	}
	st := domain.PhaseState{
		MatchID:       m.ID,
		OwnerID:       m.OwnerID,
		Phase:         m.Phase,
		HasDraft:      len(m.Draft) > 0,
		AnalysisCount: len(m.Analysis),
		HasPrediction: m.Prediction != nil,
		ExpiresAt:     m.ExpiresAt,
	}
	if m.Prediction != nil {
		st.PredictionDirection = m.Prediction.Direction
	}
	_, err = s.results.GetByMatchID(ctx, id)
	st.HasResult = err == nil
	return st, nil
}

func (s *memMatches) UpdatePhase(_ context.Context, id string, from, to domain.Phase, exp *time.Time) error {
	return s.update(id, func(m *domain.Match) error {
		if m.Phase != from {
			return domain.ErrConflict
		}
		m.Phase, m.ExpiresAt = to, exp
		return nil
	})
}

func (s *memMatches) SaveDraft(_ context.Context, id string, in domain.Phase, p domain.DraftPanel) error {
	return s.guarded(id, in, func(m *domain.Match) { m.Draft = p })
}

func (s *memMatches) SaveAnalysis(_ context.Context, id string, in domain.Phase, o []domain.AgentOutput) error {
	return s.guarded(id, in, func(m *domain.Match) { m.Analysis = o })
}

func (s *memMatches) SaveVerdict(_ context.Context, id string, in domain.Phase, v domain.AggregateResult) error {
	return s.guarded(id, in, func(m *domain.Match) { m.Verdict = &v })
}

func (s *memMatches) SavePrediction(_ context.Context, id string, in domain.Phase, p domain.Prediction) error {
	return s.guarded(id, in, func(m *domain.Match) { m.Prediction = &p })
}

func (s *memMatches) SetEntryPrice(_ context.Context, id string, px float64) error {
	return s.update(id, func(m *domain.Match) error {
		if s.entryErr != nil {
			return s.entryErr
		}
		m.EntryPrice = &px
		return nil
	})
}

func (s *memMatches) SetExitPrice(_ context.Context, id string, px float64) error {
	return s.update(id, func(m *domain.Match) error { m.ExitPrice = &px; return nil })
}

func (s *memMatches) guarded(id string, in domain.Phase, f func(*domain.Match)) error {
	return s.update(id, func(m *domain.Match) error {
		if m.Phase != in {
			return domain.ErrConflict
		}
		f(m)
		return nil
	})
}

func (s *memMatches) update(id string, f func(*domain.Match) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := f(&m); err != nil {
		return err
	}
	s.rows[id] = m
	return nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type memPrices map[string]float64

func (p memPrices) SetPrice(_ context.Context, sym string, px float64, _ time.Time) error {
	p[sym] = px
	return nil
}

func (p memPrices) GetPrice(_ context.Context, sym string) (float64, time.Time, error) {
	px, ok := p[sym]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("price %s: %w", sym, domain.ErrNotFound)
	}
	return px, t0, nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

func (l *memLocks) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

type memBus struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, ch string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads[ch] = append(b.payloads[ch], p)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *memBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}
func (b *memBus) StreamTail(context.Context, string) (string, error) { return "0-0", nil }

type memArchiver struct {
	mu       sync.Mutex
	archived map[string]domain.BattleState
}

func (a *memArchiver) ArchiveBattle(_ context.Context, id string, final domain.BattleState) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived[id] = final
	return "battles/" + id + ".json", nil
}

func (a *memArchiver) ListBattles(context.Context, time.Time) ([]domain.BlobInfo, error) {
	return nil, nil
}

func (a *memArchiver) ExportResults(context.Context, time.Time) (int64, error) { return 0, nil }

type countRecorder struct {
	mu           sync.Mutex
	aggregations int
	armed        int
	resolved     int
	cx           int
}

func (c *countRecorder) RecordAggregation(domain.VerdictKind) {
	c.mu.Lock()
	c.aggregations++
	c.mu.Unlock()
}

func (c *countRecorder) RecordBattleArmed() {
	c.mu.Lock()
	c.armed++
	c.mu.Unlock()
}

func (c *countRecorder) RecordBattle(domain.BattleStatus, float64) {
	c.mu.Lock()
	c.resolved++
	c.mu.Unlock()
}

func (c *countRecorder) RecordBattleCancelled() {
	c.mu.Lock()
	c.cx++
	c.mu.Unlock()
}

type fakeTimer struct {
	mu sync.Mutex
	fn func()
}

func (f *fakeTimer) afterFunc(_ time.Duration, fn func()) func() bool {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	return func() bool { return true }
}

func (f *fakeTimer) fire() {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	fn()
}

type harness struct {
	svc      *Service
	matches  *memMatches
	results  *memResults
	audit    *memAudit
	prices   memPrices
	locks    *memLocks
	bus      *memBus
	archiver *memArchiver
	feed     *feed.ChanFeed
	timer    *fakeTimer
	rec      *countRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := func() time.Time { return t0 }
	h := &harness{
		results:  &memResults{rows: make(map[string]domain.MatchResult)},
		audit:    &memAudit{},
		prices:   memPrices{"BTCUSDT": 100},
		locks:    &memLocks{held: make(map[string]bool)},
		bus:      &memBus{payloads: make(map[string][][]byte)},
		archiver: &memArchiver{archived: make(map[string]domain.BattleState)},
		feed:     feed.NewChanFeed(),
		timer:    &fakeTimer{},
		rec:      &countRecorder{},
	}
	h.matches = &memMatches{rows: make(map[string]domain.Match), results: h.results}

	cfg := DefaultConfig()
	cfg.Archive = true
	cfg.Battle = battle.Options{Now: now, AfterFunc: h.timer.afterFunc}

	phases := phase.NewService(h.matches, phase.NewMachine(nil, now), nil, logger)
	h.svc = NewService(Deps{
		Matches:    h.matches,
		Results:    h.results,
		Audit:      h.audit,
		Prices:     h.prices,
		Locks:      h.locks,
		Feed:       h.feed,
		Bus:        h.bus,
		Archiver:   h.archiver,
		Phases:     phases,
		Aggregator: aggregate.New(aggregate.DefaultConfig()),
		Metrics:    h.rec,
	}, cfg, logger)
	t.Cleanup(h.svc.Close)
	return h
}

func analysisOutputs() []domain.AgentOutput {
	return []domain.AgentOutput{
		{AgentID: "STRUCTURE", Direction: domain.DirectionLong, Confidence: 80},
		{AgentID: "VPA", Direction: domain.DirectionLong, Confidence: 70},
		{AgentID: "ICT", Direction: domain.DirectionShort, Confidence: 60},
	}
}

// toHypothesis drives a fresh match up to HYPOTHESIS with a LONG verdict.
func (h *harness) toHypothesis(t *testing.T) domain.Match {
	t.Helper()
	ctx := context.Background()
	m, err := h.svc.Create(ctx, "alice", "btcusdt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr, err := h.svc.SubmitDraft(ctx, m.ID, "alice", domain.DraftPanel{"STRUCTURE": 1, "VPA": 0.5}); err != nil || !tr.Valid {
		t.Fatalf("draft: tr=%+v err=%v", tr, err)
	}
	res, tr, err := h.svc.SubmitAnalysis(ctx, m.ID, "alice", analysisOutputs(), 0.9)
	if err != nil || !tr.Valid {
		t.Fatalf("analysis: tr=%+v err=%v", tr, err)
	}
	if res.FinalDirection() != domain.DirectionLong {
		t.Fatalf("verdict=%s want=LONG", res.FinalDirection())
	}
	return m
}

func (h *harness) phaseOf(t *testing.T, id string) domain.Phase {
	t.Helper()
	m, err := h.matches.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return m.Phase
}

func TestEndToEndHumanWinsShort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.toHypothesis(t)

	tr, err := h.svc.SubmitHypothesis(ctx, m.ID, "alice", domain.Prediction{Direction: domain.DirectionShort})
	if err != nil || !tr.Valid {
		t.Fatalf("hypothesis: tr=%+v err=%v", tr, err)
	}
	if tr.ExpiresAt == nil || !tr.ExpiresAt.Equal(t0.Add(300*time.Second)) {
		t.Fatalf("expires=%v", tr.ExpiresAt)
	}

	live, err := h.svc.Battle(m.ID)
	if err != nil {
		t.Fatalf("battle: %v", err)
	}
	if live.TargetPrice != 98 || live.StopPrice != 101 {
		t.Fatalf("target=%v stop=%v want=98/101", live.TargetPrice, live.StopPrice)
	}
	if !h.locks.isHeld("battle:" + m.ID) {
		t.Fatalf("arm lock not held")
	}

	h.feed.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 99})
	h.feed.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 97.5})
	h.svc.Wait()

	res, err := h.results.GetByMatchID(ctx, m.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Outcome != domain.BattleTP || res.Winner != domain.WinnerHuman {
		t.Fatalf("outcome=%s winner=%s", res.Outcome, res.Winner)
	}
	if res.HumanDirection != domain.DirectionShort || res.AgentDirection != domain.DirectionLong || res.AgentsCorrect {
		t.Fatalf("result=%+v", res)
	}
	if got := h.phaseOf(t, m.ID); got != domain.PhaseResult {
		t.Fatalf("phase=%s want=RESULT", got)
	}
	stored, _ := h.matches.GetByID(ctx, m.ID)
	if stored.EntryPrice == nil || *stored.EntryPrice != 100 || stored.ExitPrice == nil || *stored.ExitPrice != 97.5 {
		t.Fatalf("entry=%v exit=%v", stored.EntryPrice, stored.ExitPrice)
	}
	if stored.Prediction.Commitment == "" {
		t.Fatalf("prediction not sealed")
	}
	if h.locks.isHeld("battle:" + m.ID) {
		t.Fatalf("arm lock not released")
	}
	if _, ok := h.archiver.archived[m.ID]; !ok {
		t.Fatalf("battle not archived")
	}
	if !h.audit.has("match.resolved") || !h.audit.has("battle.armed") {
		t.Fatalf("audit=%v", h.audit.events)
	}
	if h.rec.aggregations != 1 || h.rec.armed != 1 || h.rec.resolved != 1 {
		t.Fatalf("metrics=%+v", h.rec)
	}

	snaps := h.bus.payloads[BattleChannel(m.ID)]
	if len(snaps) != 2 {
		t.Fatalf("snapshots=%d want=2", len(snaps))
	}
	var last domain.BattleState
	if err := json.Unmarshal(snaps[1], &last); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if last.Status != domain.BattleTP {
		t.Fatalf("last status=%s want=tp", last.Status)
	}
	if _, err := h.svc.Battle(m.ID); !errors.Is(err, domain.ErrNotArmed) {
		t.Fatalf("battle after resolve err=%v want=ErrNotArmed", err)
	}
}

func TestTimeoutWithoutTicksIsDraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.toHypothesis(t)

	if tr, err := h.svc.SubmitHypothesis(ctx, m.ID, "alice", domain.Prediction{Direction: domain.DirectionLong}); err != nil || !tr.Valid {
		t.Fatalf("hypothesis: tr=%+v err=%v", tr, err)
	}
	h.timer.fire()
	h.svc.Wait()

	res, err := h.results.GetByMatchID(ctx, m.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Outcome != domain.BattleTimeoutLoss || res.MarketDirection != domain.DirectionNeutral {
		t.Fatalf("result=%+v", res)
	}
	if res.Winner != domain.WinnerDraw {
		t.Fatalf("winner=%s want=draw", res.Winner)
	}
}

func TestCustomExitStrategy(t *testing.T) {
	h := newHarness(t)
	m := h.toHypothesis(t)
	p := domain.Prediction{
		Direction: domain.DirectionLong,
		Exit:      &domain.ExitStrategy{TakeProfitPct: 5, StopLossPct: 2},
		Speed:     3,
	}
	if tr, err := h.svc.SubmitHypothesis(context.Background(), m.ID, "alice", p); err != nil || !tr.Valid {
		t.Fatalf("hypothesis: tr=%+v err=%v", tr, err)
	}
	live, err := h.svc.Battle(m.ID)
	if err != nil {
		t.Fatalf("battle: %v", err)
	}
	if live.TargetPrice != 105 || live.StopPrice != 98 {
		t.Fatalf("target=%v stop=%v want=105/98", live.TargetPrice, live.StopPrice)
	}
	if live.Duration != 100*time.Second {
		t.Fatalf("duration=%v want=100s", live.Duration)
	}
}

func TestCancelLeavesMatchInBattle(t *testing.T) {
	h := newHarness(t)
	m := h.toHypothesis(t)
	if tr, err := h.svc.SubmitHypothesis(context.Background(), m.ID, "alice", domain.Prediction{Direction: domain.DirectionLong}); err != nil || !tr.Valid {
		t.Fatalf("hypothesis: tr=%+v err=%v", tr, err)
	}

	if err := h.svc.Cancel(context.Background(), m.ID, "mallory"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-owner cancel err=%v want=ErrUnauthorized", err)
	}
	if _, err := h.svc.Battle(m.ID); err != nil {
		t.Fatalf("battle gone after refused cancel: %v", err)
	}
	if err := h.svc.Cancel(context.Background(), m.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.svc.Wait()
	if err := h.svc.Cancel(context.Background(), m.ID, "alice"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := h.svc.Cancel(context.Background(), m.ID, "mallory"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-owner cancel of unarmed match err=%v want=ErrUnauthorized", err)
	}

	if got := h.phaseOf(t, m.ID); got != domain.PhaseBattle {
		t.Fatalf("phase=%s want=BATTLE", got)
	}
	if h.locks.isHeld("battle:" + m.ID) {
		t.Fatalf("arm lock not released")
	}
	if h.rec.cx != 1 || h.rec.resolved != 0 {
		t.Fatalf("metrics=%+v", h.rec)
	}
	if h.feed.Subscribers("BTCUSDT") != 0 {
		t.Fatalf("feed subscription leaked")
	}
	h.feed.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 500})
	if _, err := h.results.GetByMatchID(context.Background(), m.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("result after cancel err=%v", err)
	}
}

func TestHypothesisRefusals(t *testing.T) {
	t.Run("neutral direction", func(t *testing.T) {
		h := newHarness(t)
		m := h.toHypothesis(t)
		tr, err := h.svc.SubmitHypothesis(context.Background(), m.ID, "alice", domain.Prediction{Direction: domain.DirectionNeutral})
		if err != nil || tr.Valid || len(tr.Errors) == 0 {
			t.Fatalf("tr=%+v err=%v", tr, err)
		}
		if got := h.phaseOf(t, m.ID); got != domain.PhaseHypothesis {
			t.Fatalf("phase=%s", got)
		}
		if stored, _ := h.matches.GetByID(context.Background(), m.ID); stored.Prediction != nil {
			t.Fatalf("refused prediction stored: %+v", stored.Prediction)
		}
	})

	t.Run("submission in flight", func(t *testing.T) {
		h := newHarness(t)
		m := h.toHypothesis(t)
		h.locks.held["submit:"+m.ID] = true
		_, err := h.svc.SubmitHypothesis(context.Background(), m.ID, "alice", domain.Prediction{Direction: domain.DirectionLong})
		if !errors.Is(err, domain.ErrLockHeld) {
			t.Fatalf("err=%v want=ErrLockHeld", err)
		}
		if h.locks.isHeld("battle:" + m.ID) {
			t.Fatalf("arm lock taken")
		}
	})

	t.Run("lock held", func(t *testing.T) {
		h := newHarness(t)
		m := h.toHypothesis(t)
		h.locks.held["battle:"+m.ID] = true
		_, err := h.svc.SubmitHypothesis(context.Background(), m.ID, "alice", domain.Prediction{Direction: domain.DirectionLong})
		if !errors.Is(err, domain.ErrLockHeld) {
			t.Fatalf("err=%v want=ErrLockHeld", err)
		}
		if got := h.phaseOf(t, m.ID); got != domain.PhaseHypothesis {
			t.Fatalf("phase=%s", got)
		}
		if stored, _ := h.matches.GetByID(context.Background(), m.ID); stored.Prediction != nil {
			t.Fatalf("prediction stored without arming: %+v", stored.Prediction)
		}
		if h.locks.isHeld("submit:" + m.ID) {
			t.Fatalf("submit lock leaked")
		}
	})

	t.Run("no entry price", func(t *testing.T) {
		h := newHarness(t)
		m := h.toHypothesis(t)
		delete(h.prices, "BTCUSDT")
		_, err := h.svc.SubmitHypothesis(context.Background(), m.ID, "alice", domain.Prediction{Direction: domain.DirectionLong})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err=%v want=ErrNotFound", err)
		}
		if h.locks.isHeld("battle:" + m.ID) {
			t.Fatalf("lock leaked")
		}
		if got := h.phaseOf(t, m.ID); got != domain.PhaseHypothesis {
			t.Fatalf("phase=%s", got)
		}
	})

	t.Run("bad exit", func(t *testing.T) {
		h := newHarness(t)
		m := h.toHypothesis(t)
		p := domain.Prediction{Direction: domain.DirectionLong, Exit: &domain.ExitStrategy{TakeProfitPct: 2, StopLossPct: 0}}
		if _, err := h.svc.SubmitHypothesis(context.Background(), m.ID, "alice", p); !errors.Is(err, domain.ErrInvalidBattle) {
			t.Fatalf("err=%v want=ErrInvalidBattle", err)
		}
	})
}

func TestTamperedPredictionIsNotScored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.toHypothesis(t)
	if tr, err := h.svc.SubmitHypothesis(ctx, m.ID, "alice", domain.Prediction{Direction: domain.DirectionLong}); err != nil || !tr.Valid {
		t.Fatalf("hypothesis: tr=%+v err=%v", tr, err)
	}
	_ = h.matches.update(m.ID, func(m *domain.Match) error {
		p := *m.Prediction
		p.Direction = domain.DirectionShort
		m.Prediction = &p
		return nil
	})

	h.feed.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 103})
	h.svc.Wait()

	if _, err := h.results.GetByMatchID(ctx, m.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("tampered match scored, err=%v", err)
	}
	if !h.audit.has("match.commit_mismatch") {
		t.Fatalf("audit=%v", h.audit.events)
	}
}

func TestDraftValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, err := h.svc.Create(ctx, "alice", "BTCUSDT")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, panel := range []domain.DraftPanel{nil, {"STRUCTURE": 0}, {"": 1}, {"VPA": -1}} {
		if _, err := h.svc.SubmitDraft(ctx, m.ID, "alice", panel); !errors.Is(err, domain.ErrInvalidPanel) {
			t.Fatalf("panel=%v err=%v want=ErrInvalidPanel", panel, err)
		}
	}
	if _, err := h.svc.SubmitDraft(ctx, m.ID, "mallory", domain.DraftPanel{"VPA": 1}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err=%v want=ErrUnauthorized", err)
	}
	if got := h.phaseOf(t, m.ID); got != domain.PhaseDraft {
		t.Fatalf("phase=%s want=DRAFT", got)
	}
}

func TestSubmissionOutOfPhase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.svc.Create(ctx, "alice", "BTCUSDT")

	_, tr, err := h.svc.SubmitAnalysis(ctx, m.ID, "alice", analysisOutputs(), 1)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if tr.Valid || tr.From != domain.PhaseDraft || len(tr.Errors) != 1 {
		t.Fatalf("tr=%+v", tr)
	}
	stored, _ := h.matches.GetByID(ctx, m.ID)
	if len(stored.Analysis) != 0 {
		t.Fatalf("analysis stored out of phase")
	}
}

func TestAnalysisWithoutCachedPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	delete(h.prices, "BTCUSDT")
	m, _ := h.svc.Create(ctx, "alice", "BTCUSDT")
	if _, err := h.svc.SubmitDraft(ctx, m.ID, "alice", domain.DraftPanel{"VPA": 1}); err != nil {
		t.Fatalf("draft: %v", err)
	}
	res, tr, err := h.svc.SubmitAnalysis(ctx, m.ID, "alice", analysisOutputs(), 0.9)
	if err != nil || !tr.Valid {
		t.Fatalf("tr=%+v err=%v", tr, err)
	}
	if res.Orpo.KeyLevels != (domain.KeyLevels{}) {
		t.Fatalf("key levels=%+v want zero", res.Orpo.KeyLevels)
	}
}

func TestAnalysisEmptyIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.svc.Create(ctx, "alice", "BTCUSDT")
	_, _ = h.svc.SubmitDraft(ctx, m.ID, "alice", domain.DraftPanel{"VPA": 1})

	_, tr, err := h.svc.SubmitAnalysis(ctx, m.ID, "alice", nil, 1)
	if err != nil || tr.Valid {
		t.Fatalf("tr=%+v err=%v", tr, err)
	}
	if got := h.phaseOf(t, m.ID); got != domain.PhaseAnalysis {
		t.Fatalf("phase=%s want=ANALYSIS", got)
	}
	if stored, _ := h.matches.GetByID(ctx, m.ID); stored.Verdict != nil {
		t.Fatalf("verdict stored for refused analysis")
	}
}

func TestStatusReportsTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.svc.Create(ctx, "alice", "BTCUSDT")
	_, _ = h.svc.SubmitDraft(ctx, m.ID, "alice", domain.DraftPanel{"VPA": 1})

	got, left, err := h.svc.Status(ctx, m.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Phase != domain.PhaseAnalysis || left != 60 {
		t.Fatalf("phase=%s left=%d want=ANALYSIS/60", got.Phase, left)
	}
}

func TestAnalysisOutputValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, _ := h.svc.Create(ctx, "alice", "BTCUSDT")
	_, _ = h.svc.SubmitDraft(ctx, m.ID, "alice", domain.DraftPanel{"VPA": 1})

	cases := []struct {
		name string
		out  domain.AgentOutput
	}{
		{"above 100", domain.AgentOutput{AgentID: "VPA", Direction: domain.DirectionLong, Confidence: 101}},
		{"negative", domain.AgentOutput{AgentID: "VPA", Direction: domain.DirectionLong, Confidence: -1}},
		{"nan", domain.AgentOutput{AgentID: "VPA", Direction: domain.DirectionLong, Confidence: math.NaN()}},
		{"blank agent", domain.AgentOutput{AgentID: " ", Direction: domain.DirectionLong, Confidence: 50}},
		{"unknown direction", domain.AgentOutput{AgentID: "VPA", Direction: "UP", Confidence: 50}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := h.svc.SubmitAnalysis(ctx, m.ID, "alice", []domain.AgentOutput{tc.out}, 1)
			if !errors.Is(err, domain.ErrInvalidOutput) {
				t.Fatalf("err=%v want=ErrInvalidOutput", err)
			}
		})
	}

	stored, _ := h.matches.GetByID(ctx, m.ID)
	if stored.Phase != domain.PhaseAnalysis || len(stored.Analysis) != 0 || stored.Verdict != nil {
		t.Fatalf("phase=%s analysis=%d verdict=%v", stored.Phase, len(stored.Analysis), stored.Verdict)
	}
	if h.rec.aggregations != 0 {
		t.Fatalf("aggregations=%d want=0", h.rec.aggregations)
	}

	edges := []domain.AgentOutput{
		{AgentID: "VPA", Direction: domain.DirectionLong, Confidence: 100},
		{AgentID: "ICT", Direction: domain.DirectionNeutral, Confidence: 0},
	}
	if _, tr, err := h.svc.SubmitAnalysis(ctx, m.ID, "alice", edges, 1); err != nil || !tr.Valid {
		t.Fatalf("boundary confidences: tr=%+v err=%v", tr, err)
	}
}

func TestDuplicateHypothesisOnStaleReadKeepsArmedPrediction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.toHypothesis(t)

	before, _ := h.matches.read(m.ID, false)
	if tr, err := h.svc.SubmitHypothesis(ctx, m.ID, "alice", domain.Prediction{Direction: domain.DirectionLong}); err != nil || !tr.Valid {
		t.Fatalf("hypothesis: tr=%+v err=%v", tr, err)
	}
	armedWith, _ := h.matches.read(m.ID, false)
	h.matches.serveStale(before, false)

	// The match read still says HYPOTHESIS; the phase state does not.
	tr, err := h.svc.SubmitHypothesis(ctx, m.ID, "alice", domain.Prediction{Direction: domain.DirectionShort})
	if err != nil || tr.Valid || len(tr.Errors) == 0 {
		t.Fatalf("duplicate: tr=%+v err=%v", tr, err)
	}
	h.matches.thaw(m.ID)

	stored, _ := h.matches.GetByID(ctx, m.ID)
	if stored.Prediction.Direction != domain.DirectionLong || stored.Prediction.Commitment != armedWith.Prediction.Commitment {
		t.Fatalf("stored prediction=%+v want the armed LONG one", stored.Prediction)
	}

	h.feed.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 103})
	h.svc.Wait()

	res, err := h.results.GetByMatchID(ctx, m.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Outcome != domain.BattleTP || res.HumanDirection != domain.DirectionLong || !res.HumanWon {
		t.Fatalf("result=%+v", res)
	}
	if res.MarketDirection != domain.DirectionLong || res.Winner != domain.WinnerDraw {
		t.Fatalf("market=%s winner=%s want=LONG/draw", res.MarketDirection, res.Winner)
	}
}

func TestStaleSubmissionsLoseToGuardedWrites(t *testing.T) {
	t.Run("analysis", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		m, _ := h.svc.Create(ctx, "alice", "BTCUSDT")
		_, _ = h.svc.SubmitDraft(ctx, m.ID, "alice", domain.DraftPanel{"VPA": 1})
		before, _ := h.matches.read(m.ID, false)
		if _, tr, err := h.svc.SubmitAnalysis(ctx, m.ID, "alice", analysisOutputs(), 1); err != nil || !tr.Valid {
			t.Fatalf("analysis: tr=%+v err=%v", tr, err)
		}
		h.matches.serveStale(before, true)

		bearish := []domain.AgentOutput{{AgentID: "VPA", Direction: domain.DirectionShort, Confidence: 90}}
		_, tr, err := h.svc.SubmitAnalysis(ctx, m.ID, "alice", bearish, 1)
		if err != nil || tr.Valid || len(tr.Errors) == 0 {
			t.Fatalf("duplicate: tr=%+v err=%v", tr, err)
		}
		h.matches.thaw(m.ID)

		stored, _ := h.matches.GetByID(ctx, m.ID)
		if stored.Phase != domain.PhaseHypothesis || len(stored.Analysis) != 3 {
			t.Fatalf("phase=%s analysis=%d", stored.Phase, len(stored.Analysis))
		}
		if stored.Verdict == nil || stored.Verdict.FinalDirection() != domain.DirectionLong {
			t.Fatalf("verdict replaced: %+v", stored.Verdict)
		}
	})

	t.Run("hypothesis after resolution", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		m := h.toHypothesis(t)
		before, _ := h.matches.read(m.ID, false)
		if tr, err := h.svc.SubmitHypothesis(ctx, m.ID, "alice", domain.Prediction{Direction: domain.DirectionLong}); err != nil || !tr.Valid {
			t.Fatalf("hypothesis: tr=%+v err=%v", tr, err)
		}
		h.feed.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 103})
		h.svc.Wait()
		h.matches.serveStale(before, true)

		tr, err := h.svc.SubmitHypothesis(ctx, m.ID, "alice", domain.Prediction{Direction: domain.DirectionShort})
		if err != nil || tr.Valid || len(tr.Errors) == 0 {
			t.Fatalf("duplicate: tr=%+v err=%v", tr, err)
		}
		stored, _ := h.matches.read(m.ID, false)
		if stored.Phase != domain.PhaseResult || stored.Prediction.Direction != domain.DirectionLong {
			t.Fatalf("phase=%s prediction=%+v", stored.Phase, stored.Prediction)
		}
		if h.locks.isHeld("battle:" + m.ID) {
			t.Fatalf("arm lock leaked")
		}
	})
}

func TestArmFailureAfterBattleTransitionIsAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.toHypothesis(t)
	h.matches.entryErr = errors.New("disk full")

	tr, err := h.svc.SubmitHypothesis(ctx, m.ID, "alice", domain.Prediction{Direction: domain.DirectionLong})
	if err == nil || !tr.Valid {
		t.Fatalf("tr=%+v err=%v want advanced transition and an error", tr, err)
	}
	if got := h.phaseOf(t, m.ID); got != domain.PhaseBattle {
		t.Fatalf("phase=%s want=BATTLE", got)
	}
	if !h.audit.has("battle.arm_failed") || h.audit.has("battle.armed") {
		t.Fatalf("audit=%v", h.audit.events)
	}
	if _, err := h.svc.Battle(m.ID); !errors.Is(err, domain.ErrNotArmed) {
		t.Fatalf("battle err=%v want=ErrNotArmed", err)
	}
	if h.locks.isHeld("battle:"+m.ID) || h.locks.isHeld("submit:"+m.ID) {
		t.Fatalf("locks leaked")
	}
	if h.feed.Subscribers("BTCUSDT") != 0 {
		t.Fatalf("feed subscription leaked")
	}
}
