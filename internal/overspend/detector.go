package overspend

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/domain"
)

// Detector classifies the overspending risk of a single expense event.
// Checks cascade in a fixed severity-descending order and the first match
// wins, so at most one alert is produced per event. The order is not
// reorderable by configuration.
//
// Detection is advisory only: it runs against the aggregate snapshot taken
// after the expense delta has been applied and never blocks the expense from
// being recorded.
type Detector struct {
	policy *Policy
}

// NewDetector creates a detector backed by a validated policy table.
func NewDetector(policy *Policy) *Detector {
	return &Detector{policy: policy}
}

// Assess returns at most one alert for the expense, or nil if the expense is
// unremarkable. The aggregate must already include the expense itself: both
// the category total and the overall total are post-event projections.
//
// With no recorded monthly income there is no baseline to assess against, so
// no alert is produced.
func (d *Detector) Assess(ev *domain.FinancialEvent, agg *domain.LedgerAggregate) *domain.OverspendingAlert {
	if ev.Kind != domain.EventKindExpense {
		return nil
	}
	income := agg.MonthlyIncomeTotal
	if !income.IsPositive() {
		return nil
	}

	// 1. HIGH_VALUE_PURCHASE: single expense above the high-value fraction.
	if ev.Amount.GreaterThan(income.Mul(d.policy.HighValueFraction)) {
		pct := ev.Amount.Div(income).Mul(decimal.NewFromInt(100)).Round(0)
		return &domain.OverspendingAlert{
			Type:           domain.AlertHighValuePurchase,
			Severity:       domain.SeverityHigh,
			Message:        fmt.Sprintf("This purchase is %s%% of your monthly income", pct),
			Recommendation: "Consider splitting this into smaller payments or finding alternatives.",
		}
	}

	// 2. CATEGORY_OVERSPENDING: month-to-date category total over its tiered limit.
	categoryTotal := agg.CategoryTotal(ev.Category)
	limit := income.Mul(d.policy.limitFraction(ev.Category, income))
	if categoryTotal.GreaterThan(limit) {
		return &domain.OverspendingAlert{
			Type:     domain.AlertCategoryOverspending,
			Severity: domain.SeverityMedium,
			Message: fmt.Sprintf("You've spent %s on %s this month, over your %s limit",
				categoryTotal, ev.Category, limit.Round(2)),
			Recommendation: fmt.Sprintf("Your %s spending exceeds its share of monthly income.",
				ev.Category),
		}
	}

	// 3. OVERALL_OVERSPENDING: total monthly spend over the overall fraction.
	if agg.MonthlyExpenseTotal.GreaterThan(income.Mul(d.policy.OverallFraction)) {
		return &domain.OverspendingAlert{
			Type:           domain.AlertOverallOverspending,
			Severity:       domain.SeverityHigh,
			Message:        "You're approaching your monthly spending limit",
			Recommendation: "You've used most of your income this month. Prioritize essential expenses only.",
		}
	}

	return nil
}
