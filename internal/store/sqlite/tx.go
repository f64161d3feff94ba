package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/domain"
	"github.com/dvloznov/savings-engine/internal/store"
)

// eventTx is the sqlite-backed transaction for one event pass. The working
// aggregate is loaded once at start and written back on every mutation so the
// row and the in-memory snapshot never diverge inside the transaction.
type eventTx struct {
	ctx context.Context
	tx  *sql.Tx
	agg *domain.LedgerAggregate
}

// BeginEvent implements store.LedgerStore. The aggregate row is created lazily
// for first-seen users.
func (s *Store) BeginEvent(ctx context.Context, userID string) (store.EventTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	agg, err := scanAggregate(tx.QueryRowContext(ctx, `
		SELECT user_id, month, current_balance, monthly_income_total,
		       monthly_expense_total, category_totals_json, emergency_fund
		FROM aggregates WHERE user_id = ?`, userID))
	if err == store.ErrNotFound {
		// Month stays empty until the first event defines the window.
		agg = domain.NewLedgerAggregate(userID, "")
		if insErr := writeAggregate(ctx, tx, agg, true); insErr != nil {
			tx.Rollback()
			return nil, insErr
		}
	} else if err != nil {
		tx.Rollback()
		return nil, err
	}

	return &eventTx{ctx: ctx, tx: tx, agg: agg}, nil
}

func (t *eventTx) Aggregate() *domain.LedgerAggregate {
	return t.agg
}

// ApplyEvent records the raw event row and folds the delta into the
// aggregate. Month handling lives in the aggregate itself: a newer month
// rolls the windows forward, a backdated event only moves the balance.
func (t *eventTx) ApplyEvent(ev *domain.FinancialEvent) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO events (event_id, user_id, kind, amount, category, source, occurred_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.UserID, string(ev.Kind), ev.Amount.String(),
		ev.Category, ev.Source,
		ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	t.agg.ApplyEvent(ev)
	return writeAggregate(t.ctx, t.tx, t.agg, false)
}

// ActiveRules loads the user's active rules in deterministic pass order.
func (t *eventTx) ActiveRules() ([]*domain.Rule, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT rule_id, user_id, name, priority, condition_json, action_json,
		       safety_json, is_active, times_triggered, total_saved,
		       last_triggered_event_id, created_at
		FROM rules WHERE user_id = ? AND is_active = 1
		ORDER BY priority ASC, rule_id ASC`, t.agg.UserID)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// ApplyTransfer commits one rule's transfer under a savepoint. On failure the
// savepoint is rolled back and both the database and the working aggregate
// are restored, leaving the event's earlier mutations intact.
func (t *eventTx) ApplyTransfer(rule *domain.Rule, amount decimal.Decimal, destination string, ev *domain.FinancialEvent) error {
	if _, err := t.tx.ExecContext(t.ctx, "SAVEPOINT rule_transfer"); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	snapshot := t.agg.Clone()

	err := t.applyTransferLocked(rule, amount, destination, ev)
	if err != nil {
		// Restore in place so callers holding the Aggregate pointer see the
		// rolled-back state.
		*t.agg = *snapshot
		if _, rbErr := t.tx.ExecContext(t.ctx, "ROLLBACK TO rule_transfer"); rbErr != nil {
			return fmt.Errorf("rollback savepoint after %v: %w", err, rbErr)
		}
		t.tx.ExecContext(t.ctx, "RELEASE rule_transfer")
		return err
	}

	if _, err := t.tx.ExecContext(t.ctx, "RELEASE rule_transfer"); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (t *eventTx) applyTransferLocked(rule *domain.Rule, amount decimal.Decimal, destination string, ev *domain.FinancialEvent) error {
	goalID := destination
	if destination == domain.DestinationEmergencyFund {
		t.agg.EmergencyFund = t.agg.EmergencyFund.Add(amount)
	} else {
		g, err := scanGoal(t.tx.QueryRowContext(t.ctx, `
			SELECT goal_id, user_id, name, target_amount, current_amount, target_date, icon, created_at
			FROM goals WHERE user_id = ? AND goal_id = ?`, t.agg.UserID, destination))
		if err != nil {
			return fmt.Errorf("load destination goal %s: %w", destination, err)
		}
		newAmount := g.CurrentAmount.Add(amount)
		if _, err := t.tx.ExecContext(t.ctx,
			`UPDATE goals SET current_amount = ? WHERE goal_id = ?`,
			newAmount.String(), g.GoalID); err != nil {
			return fmt.Errorf("credit goal: %w", err)
		}
	}

	// Audit row, balance debit and rule stats share the savepoint with the
	// goal credit: all or none.
	if _, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO contributions (contribution_id, goal_id, user_id, amount, source, event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), goalID, t.agg.UserID, amount.String(),
		domain.RuleContributionSource(rule.RuleID), ev.EventID,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("append contribution: %w", err)
	}

	t.agg.CurrentBalance = t.agg.CurrentBalance.Sub(amount)
	if err := writeAggregate(t.ctx, t.tx, t.agg, false); err != nil {
		return err
	}

	newTimes := rule.TimesTriggered + 1
	newTotal := rule.TotalSaved.Add(amount)
	if _, err := t.tx.ExecContext(t.ctx, `
		UPDATE rules SET times_triggered = ?, total_saved = ?, last_triggered_event_id = ?
		WHERE rule_id = ?`,
		newTimes, newTotal.String(), ev.EventID, rule.RuleID); err != nil {
		return fmt.Errorf("update rule stats: %w", err)
	}
	rule.TimesTriggered = newTimes
	rule.TotalSaved = newTotal
	rule.LastTriggeredEventID = ev.EventID
	return nil
}

// ApplyManualContribution credits a goal directly, clamped at the target, and
// appends a "manual" audit row. Returns the applied amount after clamping.
func (t *eventTx) ApplyManualContribution(goalID string, amount decimal.Decimal) (decimal.Decimal, error) {
	g, err := scanGoal(t.tx.QueryRowContext(t.ctx, `
		SELECT goal_id, user_id, name, target_amount, current_amount, target_date, icon, created_at
		FROM goals WHERE user_id = ? AND goal_id = ?`, t.agg.UserID, goalID))
	if err != nil {
		return decimal.Zero, fmt.Errorf("load goal %s: %w", goalID, err)
	}

	applied := amount
	if headroom := g.TargetAmount.Sub(g.CurrentAmount); headroom.LessThan(applied) {
		applied = headroom
	}
	if !applied.IsPositive() {
		return decimal.Zero, nil
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`UPDATE goals SET current_amount = ? WHERE goal_id = ?`,
		g.CurrentAmount.Add(applied).String(), g.GoalID); err != nil {
		return decimal.Zero, fmt.Errorf("credit goal: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO contributions (contribution_id, goal_id, user_id, amount, source, event_id, created_at)
		VALUES (?, ?, ?, ?, ?, '', ?)`,
		uuid.NewString(), goalID, t.agg.UserID, applied.String(),
		domain.ContributionSourceManual,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return decimal.Zero, fmt.Errorf("append contribution: %w", err)
	}
	return applied, nil
}

// CheckInvariant replays the recorded history inside the transaction:
// balance must equal income minus expenses minus rule-sourced contributions.
func (t *eventTx) CheckInvariant() error {
	var income, expense, ruleContrib decimal.Decimal

	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT kind, amount FROM events WHERE user_id = ?`, t.agg.UserID)
	if err != nil {
		return fmt.Errorf("query event history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, raw string
		if err := rows.Scan(&kind, &raw); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		amt, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse event amount: %w", err)
		}
		if kind == string(domain.EventKindIncome) {
			income = income.Add(amt)
		} else {
			expense = expense.Add(amt)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate events: %w", err)
	}

	crows, err := t.tx.QueryContext(t.ctx,
		`SELECT amount FROM contributions WHERE user_id = ? AND source LIKE 'rule:%'`, t.agg.UserID)
	if err != nil {
		return fmt.Errorf("query contributions: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var raw string
		if err := crows.Scan(&raw); err != nil {
			return fmt.Errorf("scan contribution: %w", err)
		}
		amt, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse contribution amount: %w", err)
		}
		ruleContrib = ruleContrib.Add(amt)
	}
	if err := crows.Err(); err != nil {
		return fmt.Errorf("iterate contributions: %w", err)
	}

	expected := income.Sub(expense).Sub(ruleContrib)
	if !t.agg.CurrentBalance.Equal(expected) {
		return &store.InvariantViolationError{
			UserID:   t.agg.UserID,
			Balance:  t.agg.CurrentBalance,
			Expected: expected,
		}
	}
	return nil
}

// SaveResult writes the dedup row with the cached processing result.
func (t *eventTx) SaveResult(res *domain.ProcessingResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO processed_events (event_id, user_id, result_json, processed_at)
		VALUES (?, ?, ?, ?)`,
		res.EventID, t.agg.UserID, string(raw),
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}

func (t *eventTx) Commit() error {
	return t.tx.Commit()
}

func (t *eventTx) Rollback() error {
	return t.tx.Rollback()
}

func writeAggregate(ctx context.Context, tx *sql.Tx, agg *domain.LedgerAggregate, insert bool) error {
	catJSON, err := json.Marshal(agg.MonthlyCategoryTotals)
	if err != nil {
		return fmt.Errorf("encode category totals: %w", err)
	}
	if insert {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO aggregates (user_id, month, current_balance,
				monthly_income_total, monthly_expense_total, category_totals_json, emergency_fund)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agg.UserID, agg.Month, agg.CurrentBalance.String(),
			agg.MonthlyIncomeTotal.String(), agg.MonthlyExpenseTotal.String(),
			string(catJSON), agg.EmergencyFund.String())
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE aggregates SET month = ?, current_balance = ?,
				monthly_income_total = ?, monthly_expense_total = ?,
				category_totals_json = ?, emergency_fund = ?
			WHERE user_id = ?`,
			agg.Month, agg.CurrentBalance.String(),
			agg.MonthlyIncomeTotal.String(), agg.MonthlyExpenseTotal.String(),
			string(catJSON), agg.EmergencyFund.String(), agg.UserID)
	}
	if err != nil {
		return fmt.Errorf("write aggregate: %w", err)
	}
	return nil
}

var _ store.EventTx = (*eventTx)(nil)
