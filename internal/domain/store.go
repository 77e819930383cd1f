package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MatchStore persists matches and the per-phase data attached to them.
type MatchStore interface {
	Create(ctx context.Context, m Match) error
	GetByID(ctx context.Context, id string) (Match, error)
	LoadPhaseState(ctx context.Context, id string) (PhaseState, error)
	// UpdatePhase moves a match from one phase to the next. It returns
	// ErrConflict when the stored phase is no longer from.
	UpdatePhase(ctx context.Context, id string, from, to Phase, expiresAt *time.Time) error
	// The Save methods write only while the match is still in phase in and
	// return ErrConflict once it has moved on.
	SaveDraft(ctx context.Context, id string, in Phase, panel DraftPanel) error
	SaveAnalysis(ctx context.Context, id string, in Phase, outputs []AgentOutput) error
	SaveVerdict(ctx context.Context, id string, in Phase, verdict AggregateResult) error
	SavePrediction(ctx context.Context, id string, in Phase, p Prediction) error
	SetEntryPrice(ctx context.Context, id string, price float64) error
	SetExitPrice(ctx context.Context, id string, price float64) error
}

// ResultStore persists final match results.
type ResultStore interface {
	Save(ctx context.Context, r MatchResult) error
	GetByMatchID(ctx context.Context, matchID string) (MatchResult, error)
	List(ctx context.Context, opts ListOpts) ([]MatchResult, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
