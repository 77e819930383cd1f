// Package aggregate reduces independent agent opinions into one adjudicated
// verdict. Every function here is pure: the same outputs, completeness and
// entry price always produce the same result.
package aggregate

const (
	// neutralSpread is the dead zone between long and short scores inside
	// which the primary view stays NEUTRAL.
	neutralSpread = 5.0
	// defaultWeight applies to an offense agent with no configured weight.
	defaultWeight = 0.33
	// ctxMinConfidence is the lowest confidence at which a context agent's
	// call turns into a GREEN or RED flag.
	ctxMinConfidence = 55.0
	// minCompleteness is the data-completeness ratio below which the
	// guardian halts entry.
	minCompleteness = 0.3
	// strongDissent is the confidence at which a context dissenter counts
	// toward an override.
	strongDissent = 70.0
	// overrideQuorum is the number of strong dissenters needed to overturn
	// the primary view.
	overrideQuorum = 3
	// dissentPenalty is subtracted from the entry score per strong dissenter.
	dissentPenalty = 10.0
	// keyLevelBand places support and resistance around the entry price.
	keyLevelBand = 0.015
)

// Config names the agents on each side and the offense priors.
type Config struct {
	OffenseAgents []string
	ContextAgents []string
	Weights       map[string]float64
}

// DefaultConfig returns the stock panel: three technical-structure agents on
// offense and a four-wide macro/flow/sentiment/derivatives context panel.
func DefaultConfig() Config {
	return Config{
		OffenseAgents: []string{"STRUCTURE", "VPA", "ICT"},
		ContextAgents: []string{"MACRO", "FLOW", "SENTI", "DERIV"},
		Weights: map[string]float64{
			"STRUCTURE": 0.40,
			"VPA":       0.35,
			"ICT":       0.25,
		},
	}
}

func (c Config) weight(agentID string) float64 {
	if w, ok := c.Weights[agentID]; ok {
		return w
	}
	return defaultWeight
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
