package domain

// KeyLevels are the support/resistance bands reported with a primary view.
type KeyLevels struct {
	Support    float64 `json:"support"`
	Resistance float64 `json:"resistance"`
}

// OrpoOutput is the aggregated primary (offense) view.
type OrpoOutput struct {
	Direction       Direction `json:"direction"`
	Confidence      float64   `json:"confidence"`
	LongScore       float64   `json:"long_score"`
	ShortScore      float64   `json:"short_score"`
	DominantPattern string    `json:"dominant_pattern"`
	KeyLevels       KeyLevels `json:"key_levels"`
	Thesis          string    `json:"thesis"`
}

// CtxFlag is a context agent's traffic-light reading.
type CtxFlag string

const (
	FlagGreen   CtxFlag = "GREEN"
	FlagRed     CtxFlag = "RED"
	FlagNeutral CtxFlag = "NEUTRAL"
)

// CtxBelief is one context (defense) agent's belief, derived 1:1 from its
// AgentOutput.
type CtxBelief struct {
	AgentID    string  `json:"agent_id"`
	Flag       CtxFlag `json:"flag"`
	Confidence float64 `json:"confidence"`
	Headline   string  `json:"headline"`
}

// Severity grades a guardian violation.
type Severity string

const (
	SeverityWarn  Severity = "WARN"
	SeverityBlock Severity = "BLOCK"
)

// Violation is a single failed guardian rule.
type Violation struct {
	Rule     string   `json:"rule"`
	Detail   string   `json:"detail"`
	Severity Severity `json:"severity"`
}

// GuardianCheck is the global data-quality gate.
type GuardianCheck struct {
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations"`
	Halt       bool        `json:"halt"`
}

// VerdictKind tags how the commander reached (or declined) a verdict.
type VerdictKind string

const (
	// VerdictNoConflict means the primary view and context consensus did not
	// disagree, so no adjudication was needed.
	VerdictNoConflict VerdictKind = "no_conflict"
	// VerdictForced means the guardian halted entry.
	VerdictForced VerdictKind = "forced"
	// VerdictOverridden means a context super-majority overrode the primary view.
	VerdictOverridden VerdictKind = "overridden"
	// VerdictUpheld means the primary view stood with a conflict penalty.
	VerdictUpheld VerdictKind = "upheld"
)

// CommanderVerdict is the final adjudication. Only the NoConflict kind leaves
// the direction fields unset; callers must switch on Kind rather than test for
// zero values.
type CommanderVerdict struct {
	Kind             VerdictKind `json:"kind"`
	FinalDirection   Direction   `json:"final_direction,omitempty"`
	EntryScore       float64     `json:"entry_score"`
	Reasoning        string      `json:"reasoning,omitempty"`
	ConflictResolved bool        `json:"conflict_resolved"`
	Dissenters       int         `json:"dissenters"`
	Cost             float64     `json:"cost"`
}

// Adjudicated reports whether the commander produced a direction.
func (v CommanderVerdict) Adjudicated() bool {
	return v.Kind != VerdictNoConflict && v.Kind != ""
}

// AggregateResult bundles every output of one aggregation run.
type AggregateResult struct {
	Orpo         OrpoOutput       `json:"orpo"`
	Ctx          []CtxBelief      `json:"ctx"`
	CtxConsensus Direction        `json:"ctx_consensus"`
	Guardian     GuardianCheck    `json:"guardian"`
	Commander    CommanderVerdict `json:"commander"`
}

// FinalDirection is the direction the agent side stands behind: the
// commander's when it adjudicated, otherwise the primary view. A guardian
// halt always yields NEUTRAL.
func (r AggregateResult) FinalDirection() Direction {
	if r.Guardian.Halt {
		return DirectionNeutral
	}
	if r.Commander.Adjudicated() {
		return r.Commander.FinalDirection
	}
	return r.Orpo.Direction
}
