package domain

import (
	"github.com/shopspring/decimal"
)

// Skip reasons recorded on rule applications that matched but did not move money.
const (
	// SkipReasonSafetyGuard: a guard floor blocked the action. Expected
	// control flow, not an error.
	SkipReasonSafetyGuard = "safety_guard"
	// SkipReasonExecutionError: applying the action failed (e.g. destination
	// goal missing); the rule's mutation was rolled back.
	SkipReasonExecutionError = "execution_error"
	// SkipReasonZeroTransfer: a fixed save clamped to zero by an empty balance.
	SkipReasonZeroTransfer = "zero_transfer"
	// SkipReasonEvaluationError: the condition could not be evaluated
	// (fail-closed).
	SkipReasonEvaluationError = "evaluation_error"
)

// RuleApplication records the outcome for one rule during an event pass.
type RuleApplication struct {
	RuleID      string          `json:"rule_id"`
	Matched     bool            `json:"matched"`
	Applied     bool            `json:"applied"`
	AmountSaved decimal.Decimal `json:"amount_saved"`
	SkipReason  string          `json:"skip_reason,omitempty"`
}

// ProcessingResult is the summary returned to the caller for every processed
// event. Duplicate submissions of the same event id return the identical
// cached result.
type ProcessingResult struct {
	EventID          string             `json:"event_id"`
	Alert            *OverspendingAlert `json:"alert,omitempty"`
	RuleApplications []RuleApplication  `json:"rule_applications"`
}
