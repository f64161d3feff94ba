package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind distinguishes the two kinds of financial events the engine consumes.
type EventKind string

const (
	// EventKindIncome is money coming in (salary, freelance payment, etc).
	EventKindIncome EventKind = "income"
	// EventKindExpense is money going out.
	EventKindExpense EventKind = "expense"
)

// ErrMalformedEvent is returned when an event fails intake validation.
// No state is touched for malformed events.
var ErrMalformedEvent = errors.New("malformed event")

// FinancialEvent is one normalized income or expense record handed to the
// engine by the ingestion layer. Immutable once recorded; each event carries
// a globally unique EventID used for deduplication.
type FinancialEvent struct {
	EventID    string          `json:"event_id"`
	UserID     string          `json:"user_id"`
	Kind       EventKind       `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	Category   string          `json:"category"`
	Source     string          `json:"source"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Validate checks the event before any state is mutated.
// Errors wrap ErrMalformedEvent so callers can classify them.
func (e *FinancialEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrMalformedEvent)
	}
	if e.Kind != EventKindIncome && e.Kind != EventKindExpense {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrMalformedEvent, e.Amount)
	}
	return nil
}
