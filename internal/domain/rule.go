package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ConditionField identifies what a rule condition compares against.
type ConditionField string

const (
	FieldAmount       ConditionField = "amount"
	FieldCategory     ConditionField = "category"
	FieldSource       ConditionField = "source"
	FieldMonthlyTotal ConditionField = "monthly_total"
)

// ConditionOp is the comparison operator of a rule condition.
type ConditionOp string

const (
	OpGreaterThan ConditionOp = "gt"
	OpLessThan    ConditionOp = "lt"
	OpEqual       ConditionOp = "eq"
	// OpIs is case-insensitive string equality.
	OpIs ConditionOp = "is"
)

// ActionType identifies how a matched rule computes its transfer.
type ActionType string

const (
	ActionSavePercentage ActionType = "save_percentage"
	ActionSaveFixed      ActionType = "save_fixed"
)

// DestinationEmergencyFund routes a transfer to the user's emergency fund
// aggregate instead of a named goal.
const DestinationEmergencyFund = "emergency_fund"

// Condition is a pure comparison against the event or the relevant monthly
// aggregate. Field/operator compatibility is validated at rule creation, not
// at evaluation time; the evaluator treats a mismatch as a hard failure.
type Condition struct {
	Field ConditionField `json:"field"`
	Op    ConditionOp    `json:"operator"`

	// NumericValue is set for amount/monthly_total conditions.
	NumericValue decimal.Decimal `json:"numeric_value"`
	// StringValue is set for category/source conditions.
	StringValue string `json:"string_value"`
}

// Action describes the money movement for a matched rule.
type Action struct {
	Type ActionType `json:"type"`
	// Value is a percentage (0-100] for save_percentage or an absolute
	// amount for save_fixed.
	Value decimal.Decimal `json:"value"`
	// Destination is a goal id or DestinationEmergencyFund.
	Destination string `json:"destination"`
}

// SafetyGuards are optional floors that block a rule's action.
// A nil field means unconstrained.
type SafetyGuards struct {
	MinBalance       *decimal.Decimal `json:"min_balance,omitempty"`
	MinMonthlyIncome *decimal.Decimal `json:"min_monthly_income,omitempty"`
}

// Rule is a user-defined IF/THEN/UNLESS savings automation. Lower priority
// values are evaluated first. TimesTriggered, TotalSaved and
// LastTriggeredEventID are mutated only by the orchestrator, never by the
// rule-editing API, so concurrent edits cannot lose engine updates.
type Rule struct {
	RuleID   string `json:"rule_id"`
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`

	Condition Condition    `json:"condition"`
	Action    Action       `json:"action"`
	Safety    SafetyGuards `json:"safety"`

	IsActive bool `json:"is_active"`

	TimesTriggered       int             `json:"times_triggered"`
	TotalSaved           decimal.Decimal `json:"total_saved"`
	LastTriggeredEventID string          `json:"last_triggered_event_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// numericFields are the condition fields that carry decimal values and
// admit gt/lt/eq.
func (f ConditionField) numeric() bool {
	return f == FieldAmount || f == FieldMonthlyTotal
}

// Validate checks a condition's field/operator/value combination. Called at
// the rule-creation boundary so evaluation never has to coerce.
func (c *Condition) Validate() error {
	switch c.Field {
	case FieldAmount, FieldCategory, FieldSource, FieldMonthlyTotal:
	default:
		return fmt.Errorf("unknown condition field %q", c.Field)
	}
	switch c.Op {
	case OpGreaterThan, OpLessThan:
		if !c.Field.numeric() {
			return fmt.Errorf("operator %q requires a numeric field, got %q", c.Op, c.Field)
		}
	case OpEqual:
		// eq is exact match on either representation
	case OpIs:
		if c.Field.numeric() {
			return fmt.Errorf("operator %q requires a string field, got %q", c.Op, c.Field)
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	if !c.Field.numeric() && strings.TrimSpace(c.StringValue) == "" {
		return fmt.Errorf("condition on %q requires a string value", c.Field)
	}
	return nil
}

// Validate checks the action's type, value and destination.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionSavePercentage:
		if !a.Value.IsPositive() || a.Value.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("save_percentage value must be in (0,100], got %s", a.Value)
		}
	case ActionSaveFixed:
		if !a.Value.IsPositive() {
			return fmt.Errorf("save_fixed value must be positive, got %s", a.Value)
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if strings.TrimSpace(a.Destination) == "" {
		return fmt.Errorf("action requires a destination")
	}
	return nil
}

// Validate checks optional guard floors.
func (s *SafetyGuards) Validate() error {
	if s.MinBalance != nil && s.MinBalance.IsNegative() {
		return fmt.Errorf("min_balance must not be negative, got %s", s.MinBalance)
	}
	if s.MinMonthlyIncome != nil && s.MinMonthlyIncome.IsNegative() {
		return fmt.Errorf("min_monthly_income must not be negative, got %s", s.MinMonthlyIncome)
	}
	return nil
}

// Validate checks the whole rule at the creation/editing boundary.
func (r *Rule) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("rule requires a user_id")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule requires a name")
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("condition: %w", err)
	}
	if err := r.Action.Validate(); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	if err := r.Safety.Validate(); err != nil {
		return fmt.Errorf("safety: %w", err)
	}
	return nil
}
