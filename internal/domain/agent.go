package domain

// Direction is a directional call on the instrument.
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRAL"
)

// Tradeable reports whether d commits to a side.
func (d Direction) Tradeable() bool {
	return d == DirectionLong || d == DirectionShort
}

// Opposite returns the other side. NEUTRAL has no opposite and maps to itself.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionNeutral
	}
}

// Factor is a named numeric input an agent based its call on.
type Factor struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// AgentOutput is the normalized opinion one analysis agent emits during
// ANALYSIS. Confidence is on a 0-100 scale.
type AgentOutput struct {
	AgentID    string    `json:"agent_id"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Thesis     string    `json:"thesis"`
	Factors    []Factor  `json:"factors,omitempty"`
}

// DraftPanel maps drafted agent ids to the participant's weight for each.
type DraftPanel map[string]float64
