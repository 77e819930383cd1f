package aggregate

import (
	"fmt"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// Guardian gates entry on data completeness alone. A failed check always
// halts.
func Guardian(dataCompleteness float64) domain.GuardianCheck {
	if dataCompleteness >= minCompleteness {
		return domain.GuardianCheck{Passed: true, Violations: []domain.Violation{}}
	}
	return domain.GuardianCheck{
		Passed: false,
		Halt:   true,
		Violations: []domain.Violation{{
			Rule:     "DATA_COMPLETENESS",
			Detail:   fmt.Sprintf("data completeness %.2f is below the %.2f minimum", dataCompleteness, minCompleteness),
			Severity: domain.SeverityBlock,
		}},
	}
}
