// Package rules contains the pure decision functions of the savings engine:
// condition evaluation, safety guard checks and transfer computation. None of
// them touch storage; the orchestrator owns all side effects.
package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/domain"
)

// Evaluate reports whether a rule condition matches the event given a
// consistent aggregate snapshot. The aggregate must already include the
// current event's delta: monthly_total conditions are defined against the
// post-event projected total, so a rule can react to "this payment pushed me
// over X this month".
//
// A field/operator combination that validation should have rejected is a hard
// evaluation failure, never a silent coercion. Callers treat it fail-closed.
func Evaluate(cond *domain.Condition, ev *domain.FinancialEvent, agg *domain.LedgerAggregate) (bool, error) {
	switch cond.Field {
	case domain.FieldAmount:
		return compareNumeric(cond.Op, ev.Amount, cond.NumericValue)
	case domain.FieldMonthlyTotal:
		total := agg.MonthlyIncomeTotal
		if ev.Kind == domain.EventKindExpense {
			total = agg.MonthlyExpenseTotal
		}
		return compareNumeric(cond.Op, total, cond.NumericValue)
	case domain.FieldCategory:
		return compareString(cond.Op, ev.Category, cond.StringValue)
	case domain.FieldSource:
		return compareString(cond.Op, ev.Source, cond.StringValue)
	default:
		return false, fmt.Errorf("evaluate: unknown condition field %q", cond.Field)
	}
}

func compareNumeric(op domain.ConditionOp, have, want decimal.Decimal) (bool, error) {
	switch op {
	case domain.OpGreaterThan:
		return have.GreaterThan(want), nil
	case domain.OpLessThan:
		return have.LessThan(want), nil
	case domain.OpEqual:
		return have.Equal(want), nil
	default:
		return false, fmt.Errorf("evaluate: operator %q not valid for numeric field", op)
	}
}

func compareString(op domain.ConditionOp, have, want string) (bool, error) {
	switch op {
	case domain.OpEqual:
		return have == want, nil
	case domain.OpIs:
		return strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want)), nil
	default:
		return false, fmt.Errorf("evaluate: operator %q not valid for string field", op)
	}
}
