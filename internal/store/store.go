// Package store defines the persistence interfaces of the savings engine:
// the ledger (balances, aggregates, rules, goals), the append-only
// contribution audit trail and the processed-event dedup table. Concrete
// implementations live in store/sqlite (durable) and store/memory (tests).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/domain"
)

// ErrNotFound is returned when a rule, goal or aggregate does not exist.
var ErrNotFound = errors.New("not found")

// InvariantViolationError reports a mismatch between the ledger balance and
// the replayed event/contribution history. This is the only error class that
// should page an operator; the engine halts further writes for the user.
type InvariantViolationError struct {
	UserID   string
	Balance  decimal.Decimal
	Expected decimal.Decimal
}

func (e *InvariantViolationError) Error() string {
	return "ledger invariant violation for user " + e.UserID +
		": balance " + e.Balance.String() + ", event history implies " + e.Expected.String()
}

// LedgerStore is the single source of truth for per-user financial state.
// All aggregate, goal and rule-stat mutations go through an EventTx so no
// partially-applied state is ever observable.
type LedgerStore interface {
	// GetProcessedResult returns the cached result for an already-processed
	// event id, if any. Scoped to the owning user like every other read.
	// This backs the engine's at-most-once guarantee.
	GetProcessedResult(ctx context.Context, userID, eventID string) (*domain.ProcessingResult, bool, error)

	// BeginEvent opens the bounded transaction for one event pass. The
	// caller must Commit or Rollback.
	BeginEvent(ctx context.Context, userID string) (EventTx, error)

	GetAggregate(ctx context.Context, userID string) (*domain.LedgerAggregate, error)

	// Rule editing surface. Never touches times_triggered / total_saved /
	// last_triggered_event_id; those belong to the orchestrator.
	CreateRule(ctx context.Context, r *domain.Rule) error
	GetRule(ctx context.Context, userID, ruleID string) (*domain.Rule, error)
	ListRules(ctx context.Context, userID string) ([]*domain.Rule, error)
	SetRuleActive(ctx context.Context, userID, ruleID string, active bool) error
	DeleteRule(ctx context.Context, userID, ruleID string) error

	CreateGoal(ctx context.Context, g *domain.Goal) error
	GetGoal(ctx context.Context, userID, goalID string) (*domain.Goal, error)
	ListGoals(ctx context.Context, userID string) ([]*domain.Goal, error)
	DeleteGoal(ctx context.Context, userID, goalID string) error

	// ListContributions replays the audit trail for a goal, oldest first.
	// Summing the amounts reconstructs the goal's current_amount.
	ListContributions(ctx context.Context, userID, goalID string) ([]*domain.Contribution, error)

	Close() error
}

// EventTx is the transaction scope for a single event (or a single manual
// contribution). Mutations are invisible to other readers until Commit;
// Rollback discards everything including the event delta.
type EventTx interface {
	// Aggregate is the working snapshot, loaded at transaction start and
	// updated in place as deltas and transfers apply.
	Aggregate() *domain.LedgerAggregate

	// ApplyEvent records the raw income/expense event and folds its delta
	// into the aggregate (orchestrator Step 1).
	ApplyEvent(ev *domain.FinancialEvent) error

	// ActiveRules returns the user's active rules sorted by
	// (priority ascending, rule_id ascending) for a deterministic pass.
	ActiveRules() ([]*domain.Rule, error)

	// ApplyTransfer commits one rule's transfer atomically: the contribution
	// audit row, the goal (or emergency fund) credit, the balance debit and
	// the rule stats update. On error none of those mutations survive, but
	// the event's earlier mutations are untouched.
	ApplyTransfer(rule *domain.Rule, amount decimal.Decimal, destination string, ev *domain.FinancialEvent) error

	// ApplyManualContribution credits a goal directly, clamped at the goal's
	// target amount, and appends a "manual" audit row. Returns the amount
	// actually applied after clamping.
	ApplyManualContribution(goalID string, amount decimal.Decimal) (decimal.Decimal, error)

	// CheckInvariant recomputes the balance from the recorded event and
	// contribution history and compares it with the aggregate. Returns an
	// *InvariantViolationError on mismatch.
	CheckInvariant() error

	// SaveResult persists the processing result keyed by event id so
	// duplicate submissions return the identical cached outcome.
	SaveResult(res *domain.ProcessingResult) error

	Commit() error
	Rollback() error
}
