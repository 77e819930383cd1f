package aggregate

import "github.com/alanyoungcy/agentarena/internal/domain"

// Input is everything one aggregation run depends on.
type Input struct {
	Outputs          []domain.AgentOutput
	DataCompleteness float64
	EntryPrice       float64
}

// Aggregator runs the four-step pipeline with a fixed agent configuration.
type Aggregator struct {
	cfg Config
}

// New creates an Aggregator. Empty allow-lists fall back to DefaultConfig.
func New(cfg Config) *Aggregator {
	def := DefaultConfig()
	if len(cfg.OffenseAgents) == 0 {
		cfg.OffenseAgents = def.OffenseAgents
	}
	if len(cfg.ContextAgents) == 0 {
		cfg.ContextAgents = def.ContextAgents
	}
	if cfg.Weights == nil {
		cfg.Weights = def.Weights
	}
	return &Aggregator{cfg: cfg}
}

// Aggregate runs primary view, context beliefs, guardian and commander in
// that order. It never fails: degenerate input yields a NEUTRAL view with
// zero confidence.
func (a *Aggregator) Aggregate(in Input) domain.AggregateResult {
	orpo := Orpo(a.cfg, in.Outputs, in.EntryPrice)
	beliefs := Beliefs(a.cfg, in.Outputs)
	guardian := Guardian(in.DataCompleteness)
	return domain.AggregateResult{
		Orpo:         orpo,
		Ctx:          beliefs,
		CtxConsensus: Consensus(beliefs),
		Guardian:     guardian,
		Commander:    Commander(orpo, beliefs, guardian),
	}
}
