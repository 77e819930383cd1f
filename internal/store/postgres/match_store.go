package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// MatchStore implements domain.MatchStore using PostgreSQL. Per-phase payloads
// live in JSONB columns on the matches row.
type MatchStore struct {
	pool *pgxpool.Pool
}

// NewMatchStore creates a new MatchStore backed by the given connection pool.
func NewMatchStore(pool *pgxpool.Pool) *MatchStore {
	return &MatchStore{pool: pool}
}

var _ domain.MatchStore = (*MatchStore)(nil)

const matchSelectCols = `id, owner_id, symbol, phase, expires_at,
	draft, analysis, verdict, prediction,
	entry_price, exit_price, created_at, updated_at`

// Create inserts a new match.
func (s *MatchStore) Create(ctx context.Context, m domain.Match) error {
	const query = `
		INSERT INTO matches (id, owner_id, symbol, phase, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO NOTHING`

	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, query,
		m.ID, m.OwnerID, m.Symbol, string(m.Phase), m.ExpiresAt, created,
	)
	if err != nil {
		return fmt.Errorf("postgres: create match %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create match %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// GetByID returns the full match, including any result row.
func (s *MatchStore) GetByID(ctx context.Context, id string) (domain.Match, error) {
	query := `SELECT ` + matchSelectCols + ` FROM matches WHERE id = $1`

	var (
		m                              domain.Match
		phase                          string
		draft, analysis, verdict, pred []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&m.ID, &m.OwnerID, &m.Symbol, &phase, &m.ExpiresAt,
		&draft, &analysis, &verdict, &pred,
		&m.EntryPrice, &m.ExitPrice, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Match{}, fmt.Errorf("postgres: match %s: %w", id, domain.ErrNotFound)
		}
		return domain.Match{}, fmt.Errorf("postgres: get match %s: %w", id, err)
	}
	m.Phase = domain.Phase(phase)

	if err := unmarshalOpt(draft, &m.Draft); err != nil {
		return domain.Match{}, fmt.Errorf("postgres: decode draft for %s: %w", id, err)
	}
	if err := unmarshalOpt(analysis, &m.Analysis); err != nil {
		return domain.Match{}, fmt.Errorf("postgres: decode analysis for %s: %w", id, err)
	}
	if verdict != nil {
		m.Verdict = &domain.AggregateResult{}
		if err := json.Unmarshal(verdict, m.Verdict); err != nil {
			return domain.Match{}, fmt.Errorf("postgres: decode verdict for %s: %w", id, err)
		}
	}
	if pred != nil {
		m.Prediction = &domain.Prediction{}
		if err := json.Unmarshal(pred, m.Prediction); err != nil {
			return domain.Match{}, fmt.Errorf("postgres: decode prediction for %s: %w", id, err)
		}
	}

	res, err := NewResultStore(s.pool).GetByMatchID(ctx, id)
	switch {
	case err == nil:
		m.Result = &res
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Match{}, err
	}
	return m, nil
}

// LoadPhaseState reads only what transition checks need.
func (s *MatchStore) LoadPhaseState(ctx context.Context, id string) (domain.PhaseState, error) {
	const query = `
		SELECT m.id, m.owner_id, m.phase, m.expires_at, m.updated_at,
		       m.draft IS NOT NULL AND m.draft <> '{}'::jsonb,
		       COALESCE(jsonb_array_length(m.analysis), 0),
		       m.prediction IS NOT NULL,
		       COALESCE(m.prediction->>'direction', ''),
		       EXISTS (SELECT 1 FROM match_results r WHERE r.match_id = m.id)
		FROM matches m
		WHERE m.id = $1`

	var (
		st         domain.PhaseState
		phase, dir string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&st.MatchID, &st.OwnerID, &phase, &st.ExpiresAt, &st.UpdatedAt,
		&st.HasDraft, &st.AnalysisCount, &st.HasPrediction, &dir, &st.HasResult,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PhaseState{}, fmt.Errorf("postgres: match %s: %w", id, domain.ErrNotFound)
		}
		return domain.PhaseState{}, fmt.Errorf("postgres: load phase state %s: %w", id, err)
	}
	st.Phase = domain.Phase(phase)
	st.PredictionDirection = domain.Direction(dir)
	return st, nil
}

// UpdatePhase is a compare-and-set on the phase column. A concurrent writer
// that already moved the match surfaces as domain.ErrConflict.
func (s *MatchStore) UpdatePhase(ctx context.Context, id string, from, to domain.Phase, expiresAt *time.Time) error {
	const query = `
		UPDATE matches
		SET phase = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $1 AND phase = $2`

	tag, err := s.pool.Exec(ctx, query, id, string(from), string(to), expiresAt)
	if err != nil {
		return fmt.Errorf("postgres: update phase %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrMoved(ctx, id, "update phase", from)
}

// missingOrMoved explains an update that matched no row: the match is gone,
// or it is no longer in phase from.
func (s *MatchStore) missingOrMoved(ctx context.Context, id, op string, from domain.Phase) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM matches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: %s %s: %w", op, id, err)
	}
	if !exists {
		return fmt.Errorf("postgres: match %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: %s %s from %s: %w", op, id, from, domain.ErrConflict)
}

// SaveDraft stores the drafted agent panel while the match is still in phase in.
func (s *MatchStore) SaveDraft(ctx context.Context, id string, in domain.Phase, panel domain.DraftPanel) error {
	return s.setJSON(ctx, id, in, "draft", panel)
}

// SaveAnalysis stores the agent outputs gathered during ANALYSIS.
func (s *MatchStore) SaveAnalysis(ctx context.Context, id string, in domain.Phase, outputs []domain.AgentOutput) error {
	if outputs == nil {
		outputs = []domain.AgentOutput{}
	}
	return s.setJSON(ctx, id, in, "analysis", outputs)
}

// SaveVerdict stores the aggregation result.
func (s *MatchStore) SaveVerdict(ctx context.Context, id string, in domain.Phase, verdict domain.AggregateResult) error {
	return s.setJSON(ctx, id, in, "verdict", verdict)
}

// SavePrediction stores the sealed prediction. A match already armed is in
// BATTLE, so a late duplicate cannot replace the prediction it was armed with.
func (s *MatchStore) SavePrediction(ctx context.Context, id string, in domain.Phase, p domain.Prediction) error {
	return s.setJSON(ctx, id, in, "prediction", p)
}

// SetEntryPrice records the price the battle was armed at.
func (s *MatchStore) SetEntryPrice(ctx context.Context, id string, price float64) error {
	return s.exec(ctx, id, "entry price",
		`UPDATE matches SET entry_price = $2, updated_at = NOW() WHERE id = $1`, price)
}

// SetExitPrice records the price the battle resolved at.
func (s *MatchStore) SetExitPrice(ctx context.Context, id string, price float64) error {
	return s.exec(ctx, id, "exit price",
		`UPDATE matches SET exit_price = $2, updated_at = NOW() WHERE id = $1`, price)
}

// setJSON writes v into one of the JSONB payload columns, guarded by the
// phase the caller validated against. column is always a literal from this
// file, never caller input.
func (s *MatchStore) setJSON(ctx context.Context, id string, in domain.Phase, column string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("postgres: marshal %s for %s: %w", column, id, err)
	}
	query := fmt.Sprintf(`UPDATE matches SET %s = $3, updated_at = NOW() WHERE id = $1 AND phase = $2`, column)
	tag, err := s.pool.Exec(ctx, query, id, string(in), data)
	if err != nil {
		return fmt.Errorf("postgres: save %s for %s: %w", column, id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrMoved(ctx, id, "save "+column, in)
	}
	return nil
}

func (s *MatchStore) exec(ctx context.Context, id, what, query string, arg any) error {
	tag, err := s.pool.Exec(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("postgres: save %s for %s: %w", what, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: match %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func unmarshalOpt(data []byte, v any) error {
	if data == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}
