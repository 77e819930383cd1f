package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// ResultStore implements domain.ResultStore using PostgreSQL.
type ResultStore struct {
	pool *pgxpool.Pool
}

// NewResultStore creates a new ResultStore backed by the given connection pool.
func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

var _ domain.ResultStore = (*ResultStore)(nil)

const resultSelectCols = `match_id, outcome, human_direction, agent_direction,
	market_direction, human_won, agents_correct, winner,
	entry_price, exit_price, price_change_pct, r_achieved, resolved_at`

func scanResult(row pgx.Row) (domain.MatchResult, error) {
	var (
		r                     domain.MatchResult
		outcome, human, agent string
		market, winner        string
	)
	err := row.Scan(
		&r.MatchID, &outcome, &human, &agent,
		&market, &r.HumanWon, &r.AgentsCorrect, &winner,
		&r.EntryPrice, &r.ExitPrice, &r.PriceChangePct, &r.RAchieved, &r.ResolvedAt,
	)
	if err != nil {
		return domain.MatchResult{}, err
	}
	r.Outcome = domain.BattleStatus(outcome)
	r.HumanDirection = domain.Direction(human)
	r.AgentDirection = domain.Direction(agent)
	r.MarketDirection = domain.Direction(market)
	r.Winner = domain.Winner(winner)
	return r, nil
}

// Save inserts a result. A match has at most one result; saving again is
// domain.ErrAlreadyExists.
func (s *ResultStore) Save(ctx context.Context, r domain.MatchResult) error {
	const query = `
		INSERT INTO match_results (` + resultSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (match_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		r.MatchID, string(r.Outcome), string(r.HumanDirection), string(r.AgentDirection),
		string(r.MarketDirection), r.HumanWon, r.AgentsCorrect, string(r.Winner),
		r.EntryPrice, r.ExitPrice, r.PriceChangePct, r.RAchieved, r.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save result %s: %w", r.MatchID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: save result %s: %w", r.MatchID, domain.ErrAlreadyExists)
	}
	return nil
}

// GetByMatchID returns the result for one match.
func (s *ResultStore) GetByMatchID(ctx context.Context, matchID string) (domain.MatchResult, error) {
	query := `SELECT ` + resultSelectCols + ` FROM match_results WHERE match_id = $1`
	r, err := scanResult(s.pool.QueryRow(ctx, query, matchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MatchResult{}, fmt.Errorf("postgres: result %s: %w", matchID, domain.ErrNotFound)
		}
		return domain.MatchResult{}, fmt.Errorf("postgres: get result %s: %w", matchID, err)
	}
	return r, nil
}

// List returns results newest first within opts' window over resolved_at.
func (s *ResultStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.MatchResult, error) {
	clause, args := window("resolved_at", opts, nil)
	query := `SELECT ` + resultSelectCols + ` FROM match_results` + clause

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list results: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.MatchResult, error) {
		return scanResult(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list results: %w", err)
	}
	return out, nil
}
