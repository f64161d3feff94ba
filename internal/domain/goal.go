package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Goal is a savings target money gets moved into. CurrentAmount is mutated
// only through contribution application (manual add-money or a rule action),
// never directly by the editing API.
type Goal struct {
	GoalID        string          `json:"goal_id"`
	UserID        string          `json:"user_id"`
	Name          string          `json:"name"`
	TargetAmount  decimal.Decimal `json:"target_amount"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
	TargetDate    string          `json:"target_date,omitempty"`
	Icon          string          `json:"icon,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ContributionSourceManual marks a contribution added by the user directly.
const ContributionSourceManual = "manual"

// RuleContributionSource builds the audit source string for a rule-triggered
// contribution, e.g. "rule:4f2c...".
func RuleContributionSource(ruleID string) string {
	return "rule:" + ruleID
}

// IsRuleContribution reports whether a contribution source string came from
// a rule action rather than a manual add.
func IsRuleContribution(source string) bool {
	return strings.HasPrefix(source, "rule:")
}

// Contribution is one append-only audit row recording a movement of money
// into a goal. Rows are never updated or deleted; the sum of a goal's
// contributions always equals its CurrentAmount.
type Contribution struct {
	ContributionID string          `json:"contribution_id"`
	GoalID         string          `json:"goal_id"`
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Source         string          `json:"source"`
	EventID        string          `json:"event_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Validate checks a goal at the creation boundary.
func (g *Goal) Validate() error {
	if g.UserID == "" {
		return fmt.Errorf("goal requires a user_id")
	}
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("goal requires a name")
	}
	if !g.TargetAmount.IsPositive() {
		return fmt.Errorf("goal target_amount must be positive, got %s", g.TargetAmount)
	}
	return nil
}
