package domain

import (
	"github.com/shopspring/decimal"
)

// LedgerAggregate is the per-user running projection of balances and monthly
// totals. It is owned by the ledger store and mutated only inside the
// orchestrator's transaction boundary. If corrupted it can be rebuilt
// deterministically by replaying the event and contribution history.
type LedgerAggregate struct {
	UserID string `json:"user_id"`

	CurrentBalance        decimal.Decimal            `json:"current_balance"`
	MonthlyIncomeTotal    decimal.Decimal            `json:"monthly_income_total"`
	MonthlyExpenseTotal   decimal.Decimal            `json:"monthly_expense_total"`
	MonthlyCategoryTotals map[string]decimal.Decimal `json:"monthly_category_totals"`

	// EmergencyFund is the running balance of rule transfers routed to the
	// "emergency_fund" destination rather than a named goal.
	EmergencyFund decimal.Decimal `json:"emergency_fund"`

	// Month is the YYYY-MM period the monthly totals cover.
	Month string `json:"month"`
}

// NewLedgerAggregate returns a zeroed aggregate for the given user and month.
func NewLedgerAggregate(userID, month string) *LedgerAggregate {
	return &LedgerAggregate{
		UserID:                userID,
		CurrentBalance:        decimal.Zero,
		MonthlyIncomeTotal:    decimal.Zero,
		MonthlyExpenseTotal:   decimal.Zero,
		EmergencyFund:         decimal.Zero,
		MonthlyCategoryTotals: make(map[string]decimal.Decimal),
		Month:                 month,
	}
}

// CategoryTotal returns the month-to-date spend for a category, zero if none.
func (a *LedgerAggregate) CategoryTotal(category string) decimal.Decimal {
	if a.MonthlyCategoryTotals == nil {
		return decimal.Zero
	}
	if v, ok := a.MonthlyCategoryTotals[category]; ok {
		return v
	}
	return decimal.Zero
}

// ApplyEvent folds an income or expense delta into the aggregate.
// The caller is responsible for serialization and durability.
//
// The first event of a newer month rolls the monthly windows forward. A
// backdated event from an earlier month adjusts the lifetime balance only,
// leaving the current month's windows intact: rewriting history must not
// blank the totals the detector and monthly_total conditions read.
func (a *LedgerAggregate) ApplyEvent(ev *FinancialEvent) {
	month := ev.OccurredAt.UTC().Format("2006-01")
	if month > a.Month {
		a.Month = month
		a.MonthlyIncomeTotal = decimal.Zero
		a.MonthlyExpenseTotal = decimal.Zero
		a.MonthlyCategoryTotals = make(map[string]decimal.Decimal)
	}
	inWindow := month == a.Month

	switch ev.Kind {
	case EventKindIncome:
		a.CurrentBalance = a.CurrentBalance.Add(ev.Amount)
		if inWindow {
			a.MonthlyIncomeTotal = a.MonthlyIncomeTotal.Add(ev.Amount)
		}
	case EventKindExpense:
		a.CurrentBalance = a.CurrentBalance.Sub(ev.Amount)
		if inWindow {
			a.MonthlyExpenseTotal = a.MonthlyExpenseTotal.Add(ev.Amount)
			if a.MonthlyCategoryTotals == nil {
				a.MonthlyCategoryTotals = make(map[string]decimal.Decimal)
			}
			a.MonthlyCategoryTotals[ev.Category] = a.CategoryTotal(ev.Category).Add(ev.Amount)
		}
	}
}

// Clone returns a deep copy. Used to hand consistent snapshots to pure
// evaluators without exposing the store's mutable copy.
func (a *LedgerAggregate) Clone() *LedgerAggregate {
	cp := *a
	cp.MonthlyCategoryTotals = make(map[string]decimal.Decimal, len(a.MonthlyCategoryTotals))
	for k, v := range a.MonthlyCategoryTotals {
		cp.MonthlyCategoryTotals[k] = v
	}
	return &cp
}
