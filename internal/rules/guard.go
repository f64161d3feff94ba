package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/domain"
)

// GuardDecision is the outcome of a safety guard check.
type GuardDecision struct {
	Allowed bool
	// Reason explains a block in user-readable terms. Empty when allowed.
	Reason string
}

// CheckGuards validates a proposed transfer amount against a rule's safety
// guards. Both floors are evaluated against the projected post-action state:
// a rule must not push the user below its own balance floor. No guards
// configured means always allowed. Guard rejections are expected control
// flow, not errors.
func CheckGuards(safety *domain.SafetyGuards, transferAmount decimal.Decimal, agg *domain.LedgerAggregate) GuardDecision {
	if safety == nil {
		return GuardDecision{Allowed: true}
	}
	if safety.MinBalance != nil {
		projected := agg.CurrentBalance.Sub(transferAmount)
		if projected.LessThan(*safety.MinBalance) {
			return GuardDecision{
				Reason: fmt.Sprintf("transfer of %s would drop balance to %s, below the %s floor",
					transferAmount, projected, safety.MinBalance),
			}
		}
	}
	if safety.MinMonthlyIncome != nil {
		if agg.MonthlyIncomeTotal.LessThan(*safety.MinMonthlyIncome) {
			return GuardDecision{
				Reason: fmt.Sprintf("monthly income %s is below the %s floor",
					agg.MonthlyIncomeTotal, safety.MinMonthlyIncome),
			}
		}
	}
	return GuardDecision{Allowed: true}
}
