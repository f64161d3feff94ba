// Package engine contains the rule engine orchestrator: the single component
// allowed to mutate ledger aggregates, goal balances and rule statistics.
// Every financial event passes through exactly one serialized, transactional
// pass: ledger delta, overspending assessment, then rule evaluation in
// priority order with per-rule failure isolation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/domain"
	"github.com/dvloznov/savings-engine/internal/notify"
	"github.com/dvloznov/savings-engine/internal/overspend"
	"github.com/dvloznov/savings-engine/internal/rules"
	"github.com/dvloznov/savings-engine/internal/store"
)

// ErrUserHalted is returned once an invariant violation has been detected
// for a user. No further writes are accepted until an operator intervenes.
var ErrUserHalted = errors.New("user ledger halted after invariant violation")

// Engine drives event processing. Construct with New; the zero value is not
// usable.
type Engine struct {
	store    store.LedgerStore
	detector *overspend.Detector
	notifier notify.Dispatcher
	log      zerolog.Logger

	locks *userLocks

	haltedMu sync.RWMutex
	halted   map[string]bool
}

// New creates an engine. notifier may be nil when no alert delivery is wired.
func New(s store.LedgerStore, detector *overspend.Detector, notifier notify.Dispatcher, log zerolog.Logger) *Engine {
	return &Engine{
		store:    s,
		detector: detector,
		notifier: notifier,
		log:      log,
		locks:    newUserLocks(),
		halted:   make(map[string]bool),
	}
}

// ProcessEvent runs the full pass for one financial event and returns the
// processing result. The pass is idempotent on event id: resubmitting an
// already-processed event returns the cached prior result without mutating
// anything, which makes external retries safe. The engine itself never
// retries.
func (e *Engine) ProcessEvent(ctx context.Context, ev *domain.FinancialEvent) (*domain.ProcessingResult, error) {
	// Rejected before any state is touched.
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	unlock := e.locks.acquire(ev.UserID)
	defer unlock()

	if e.isHalted(ev.UserID) {
		return nil, fmt.Errorf("%w: user %s", ErrUserHalted, ev.UserID)
	}

	// Dedup short-circuit: at-most-once execution per (event, rule) pair
	// under at-least-once delivery.
	if cached, ok, err := e.store.GetProcessedResult(ctx, ev.UserID, ev.EventID); err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	} else if ok {
		e.log.Debug().
			Str("event_id", ev.EventID).
			Str("user_id", ev.UserID).
			Msg("Duplicate event, returning cached result")
		return cached, nil
	}

	tx, err := e.store.BeginEvent(ctx, ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("begin event transaction: %w", err)
	}

	result, err := e.runPass(tx, ev)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.log.Debug().Err(rbErr).
				Str("event_id", ev.EventID).
				Msg("Rollback after failed event pass")
		}
		var inv *store.InvariantViolationError
		if errors.As(err, &inv) {
			e.halt(inv)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit event transaction: %w", err)
	}

	// Alert delivery is fire-and-forget, strictly after commit.
	if result.Alert != nil && e.notifier != nil {
		e.notifier.Notify(ev.UserID, result.Alert)
	}
	return result, nil
}

// runPass executes Steps 1-2 inside the open transaction.
func (e *Engine) runPass(tx store.EventTx, ev *domain.FinancialEvent) (*domain.ProcessingResult, error) {
	// Step 1: apply the raw income/expense delta.
	if err := tx.ApplyEvent(ev); err != nil {
		return nil, fmt.Errorf("apply event delta: %w", err)
	}

	result := &domain.ProcessingResult{EventID: ev.EventID}

	// Overspending assessment runs against the post-delta snapshot and is
	// advisory only; it never blocks the expense.
	if ev.Kind == domain.EventKindExpense {
		result.Alert = e.detector.Assess(ev, tx.Aggregate())
	}

	// Step 2: rules in (priority, rule_id) order. Rules are not independent:
	// an earlier rule's transfer changes the aggregate later rules observe,
	// so the order is part of the observable contract.
	activeRules, err := tx.ActiveRules()
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	for _, rule := range activeRules {
		result.RuleApplications = append(result.RuleApplications, e.applyRule(tx, rule, ev))
	}

	if err := tx.CheckInvariant(); err != nil {
		return nil, err
	}
	if err := tx.SaveResult(result); err != nil {
		return nil, fmt.Errorf("save result: %w", err)
	}
	return result, nil
}

// applyRule runs evaluate -> compute -> guard -> transfer for one rule.
// Failures are contained: a rule that cannot be evaluated or applied is
// recorded and skipped, and never aborts the ledger delta or sibling rules.
func (e *Engine) applyRule(tx store.EventTx, rule *domain.Rule, ev *domain.FinancialEvent) domain.RuleApplication {
	app := domain.RuleApplication{RuleID: rule.RuleID, AmountSaved: decimal.Zero}

	matched, err := rules.Evaluate(&rule.Condition, ev, tx.Aggregate())
	if err != nil {
		// Fail-closed: condition not matched, error logged.
		e.log.Error().Err(err).
			Str("rule_id", rule.RuleID).
			Str("event_id", ev.EventID).
			Msg("Rule condition evaluation failed")
		app.SkipReason = domain.SkipReasonEvaluationError
		return app
	}
	app.Matched = matched
	if !matched {
		return app
	}

	transfer, err := rules.ComputeTransfer(&rule.Action, ev, tx.Aggregate())
	if err != nil {
		e.log.Error().Err(err).
			Str("rule_id", rule.RuleID).
			Str("event_id", ev.EventID).
			Msg("Transfer computation failed")
		app.SkipReason = domain.SkipReasonExecutionError
		return app
	}
	if transfer.Amount.IsZero() {
		// Clamped to nothing: evaluated but not applied, no stats bump.
		app.SkipReason = domain.SkipReasonZeroTransfer
		return app
	}

	if decision := rules.CheckGuards(&rule.Safety, transfer.Amount, tx.Aggregate()); !decision.Allowed {
		// Skipped by design, not an error.
		e.log.Debug().
			Str("rule_id", rule.RuleID).
			Str("event_id", ev.EventID).
			Str("reason", decision.Reason).
			Msg("Rule blocked by safety guard")
		app.SkipReason = domain.SkipReasonSafetyGuard
		return app
	}

	if err := tx.ApplyTransfer(rule, transfer.Amount, transfer.Destination, ev); err != nil {
		e.log.Error().Err(err).
			Str("rule_id", rule.RuleID).
			Str("event_id", ev.EventID).
			Str("destination", transfer.Destination).
			Msg("Rule action application failed, rolled back")
		app.SkipReason = domain.SkipReasonExecutionError
		return app
	}

	app.Applied = true
	app.AmountSaved = transfer.Amount
	return app
}

// AddManualContribution is the user's "add money to goal" action, modeled as
// its own single-step pass through the same per-user serialization as events.
// The credited amount is clamped at the goal's target; the applied amount is
// returned.
func (e *Engine) AddManualContribution(ctx context.Context, userID, goalID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: contribution amount must be positive, got %s", domain.ErrMalformedEvent, amount)
	}

	unlock := e.locks.acquire(userID)
	defer unlock()

	if e.isHalted(userID) {
		return decimal.Zero, fmt.Errorf("%w: user %s", ErrUserHalted, userID)
	}

	tx, err := e.store.BeginEvent(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin transaction: %w", err)
	}

	applied, err := tx.ApplyManualContribution(goalID, amount)
	if err != nil {
		e.rollback(tx, goalID)
		return decimal.Zero, err
	}
	if err := tx.CheckInvariant(); err != nil {
		e.rollback(tx, goalID)
		var inv *store.InvariantViolationError
		if errors.As(err, &inv) {
			e.halt(inv)
		}
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit transaction: %w", err)
	}
	return applied, nil
}

func (e *Engine) rollback(tx store.EventTx, goalID string) {
	if err := tx.Rollback(); err != nil {
		e.log.Debug().Err(err).
			Str("goal_id", goalID).
			Msg("Rollback after failed contribution")
	}
}

// Halted reports whether writes for the user are currently refused.
func (e *Engine) Halted(userID string) bool {
	return e.isHalted(userID)
}

func (e *Engine) isHalted(userID string) bool {
	e.haltedMu.RLock()
	defer e.haltedMu.RUnlock()
	return e.halted[userID]
}

// halt stops all further writes for the violating user and logs loudly.
// This is the one condition meant to page an operator.
func (e *Engine) halt(inv *store.InvariantViolationError) {
	e.haltedMu.Lock()
	e.halted[inv.UserID] = true
	e.haltedMu.Unlock()

	e.log.Error().
		Str("user_id", inv.UserID).
		Str("balance", inv.Balance.String()).
		Str("expected", inv.Expected.String()).
		Bool("user_halted", true).
		Msg("LEDGER INVARIANT VIOLATION - halting writes for user")
}
