package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/domain"
)

var (
	oneUnit = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Transfer is the monetary movement computed for a matched rule.
// A zero Amount means the rule is recorded as evaluated-but-not-applied: no
// contribution row is written and times_triggered is not incremented.
type Transfer struct {
	Amount      decimal.Decimal
	Destination string
}

// ComputeTransfer turns a matched rule's action into a concrete transfer.
//
// save_percentage takes round-half-up(event amount * value / 100), at least
// one unit of currency but never more than the event amount.
//
// save_fixed is clamped to the current balance so a rule can never overdraw;
// a partial save still executes rather than being skipped. Clamping to zero
// (empty or negative balance) yields a zero transfer.
func ComputeTransfer(action *domain.Action, ev *domain.FinancialEvent, agg *domain.LedgerAggregate) (Transfer, error) {
	switch action.Type {
	case domain.ActionSavePercentage:
		amount := ev.Amount.Mul(action.Value).Div(hundred).Round(2)
		if amount.LessThan(oneUnit) {
			amount = oneUnit
		}
		if amount.GreaterThan(ev.Amount) {
			amount = ev.Amount
		}
		return Transfer{Amount: amount, Destination: action.Destination}, nil

	case domain.ActionSaveFixed:
		amount := action.Value
		if agg.CurrentBalance.LessThan(amount) {
			amount = agg.CurrentBalance
		}
		if amount.IsNegative() {
			amount = decimal.Zero
		}
		return Transfer{Amount: amount, Destination: action.Destination}, nil

	default:
		return Transfer{}, fmt.Errorf("compute transfer: unknown action type %q", action.Type)
	}
}
