// Package sqlite is the durable LedgerStore implementation. It keeps the full
// event history alongside the per-user aggregate projection, so the aggregate
// can always be rebuilt by replay and the ledger invariant can be checked
// inside the event transaction itself.
//
// The database is opened in WAL mode. Every event pass runs in one bounded
// transaction; individual rule transfers are isolated with savepoints so a
// failing rule rolls back alone.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/dvloznov/savings-engine/internal/domain"
	"github.com/dvloznov/savings-engine/internal/store"
)

// Store implements store.LedgerStore on a single sqlite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows a single writer; the engine serializes per user already,
	// a single connection avoids SQLITE_BUSY churn across users.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Raw event history (append-only; replay source for aggregates)
	CREATE TABLE IF NOT EXISTS events (
		event_id    TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		amount      TEXT NOT NULL,
		category    TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id);

	-- Per-user aggregate projection
	CREATE TABLE IF NOT EXISTS aggregates (
		user_id               TEXT PRIMARY KEY,
		month                 TEXT NOT NULL,
		current_balance       TEXT NOT NULL,
		monthly_income_total  TEXT NOT NULL,
		monthly_expense_total TEXT NOT NULL,
		category_totals_json  TEXT NOT NULL,
		emergency_fund        TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rules (
		rule_id                 TEXT PRIMARY KEY,
		user_id                 TEXT NOT NULL,
		name                    TEXT NOT NULL,
		priority                INTEGER NOT NULL,
		condition_json          TEXT NOT NULL,
		action_json             TEXT NOT NULL,
		safety_json             TEXT NOT NULL,
		is_active               INTEGER NOT NULL DEFAULT 1,
		times_triggered         INTEGER NOT NULL DEFAULT 0,
		total_saved             TEXT NOT NULL DEFAULT '0',
		last_triggered_event_id TEXT NOT NULL DEFAULT '',
		created_at              TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_user ON rules(user_id);

	CREATE TABLE IF NOT EXISTS goals (
		goal_id        TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		name           TEXT NOT NULL,
		target_amount  TEXT NOT NULL,
		current_amount TEXT NOT NULL,
		target_date    TEXT NOT NULL DEFAULT '',
		icon           TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_goals_user ON goals(user_id);

	-- Append-only contribution audit trail. No UPDATE or DELETE anywhere.
	CREATE TABLE IF NOT EXISTS contributions (
		contribution_id TEXT PRIMARY KEY,
		goal_id         TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		amount          TEXT NOT NULL,
		source          TEXT NOT NULL,
		event_id        TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contributions_goal ON contributions(user_id, goal_id);

	-- Dedup table: one row per fully processed event, with the cached result
	CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		result_json  TEXT NOT NULL,
		processed_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// GetProcessedResult implements the dedup lookup.
func (s *Store) GetProcessedResult(ctx context.Context, userID, eventID string) (*domain.ProcessingResult, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT result_json FROM processed_events WHERE event_id = ? AND user_id = ?`,
		eventID, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query processed event: %w", err)
	}
	var res domain.ProcessingResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, true, nil
}

// GetAggregate loads the current aggregate projection for a user.
// Returns store.ErrNotFound if the user has no recorded events.
func (s *Store) GetAggregate(ctx context.Context, userID string) (*domain.LedgerAggregate, error) {
	return scanAggregate(s.db.QueryRowContext(ctx, `
		SELECT user_id, month, current_balance, monthly_income_total,
		       monthly_expense_total, category_totals_json, emergency_fund
		FROM aggregates WHERE user_id = ?`, userID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAggregate(row rowScanner) (*domain.LedgerAggregate, error) {
	var (
		agg       domain.LedgerAggregate
		balance   string
		income    string
		expense   string
		catJSON   string
		emergency string
	)
	err := row.Scan(&agg.UserID, &agg.Month, &balance, &income, &expense, &catJSON, &emergency)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan aggregate: %w", err)
	}
	if agg.CurrentBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse current_balance: %w", err)
	}
	if agg.MonthlyIncomeTotal, err = decimal.NewFromString(income); err != nil {
		return nil, fmt.Errorf("parse monthly_income_total: %w", err)
	}
	if agg.MonthlyExpenseTotal, err = decimal.NewFromString(expense); err != nil {
		return nil, fmt.Errorf("parse monthly_expense_total: %w", err)
	}
	if agg.EmergencyFund, err = decimal.NewFromString(emergency); err != nil {
		return nil, fmt.Errorf("parse emergency_fund: %w", err)
	}
	if err := json.Unmarshal([]byte(catJSON), &agg.MonthlyCategoryTotals); err != nil {
		return nil, fmt.Errorf("decode category totals: %w", err)
	}
	return &agg, nil
}

// CreateRule inserts a new rule. Engine-owned stat columns start zeroed.
func (s *Store) CreateRule(ctx context.Context, r *domain.Rule) error {
	condJSON, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("encode condition: %w", err)
	}
	actJSON, err := json.Marshal(r.Action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	safetyJSON, err := json.Marshal(r.Safety)
	if err != nil {
		return fmt.Errorf("encode safety: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (rule_id, user_id, name, priority, condition_json,
			action_json, safety_json, is_active, times_triggered, total_saved,
			last_triggered_event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '0', '', ?)`,
		r.RuleID, r.UserID, r.Name, r.Priority, string(condJSON),
		string(actJSON), string(safetyJSON), boolToInt(r.IsActive),
		r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// GetRule fetches a single rule scoped to its owner.
func (s *Store) GetRule(ctx context.Context, userID, ruleID string) (*domain.Rule, error) {
	rules, err := s.queryRules(ctx, `WHERE user_id = ? AND rule_id = ?`, userID, ruleID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, store.ErrNotFound
	}
	return rules[0], nil
}

// ListRules returns all of a user's rules sorted (priority, rule_id).
func (s *Store) ListRules(ctx context.Context, userID string) ([]*domain.Rule, error) {
	return s.queryRules(ctx, `WHERE user_id = ? ORDER BY priority ASC, rule_id ASC`, userID)
}

func (s *Store) queryRules(ctx context.Context, clause string, args ...any) ([]*domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, user_id, name, priority, condition_json, action_json,
		       safety_json, is_active, times_triggered, total_saved,
		       last_triggered_event_id, created_at
		FROM rules `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]*domain.Rule, error) {
	var out []*domain.Rule
	for rows.Next() {
		var (
			r          domain.Rule
			condJSON   string
			actJSON    string
			safetyJSON string
			active     int
			totalSaved string
			createdAt  string
		)
		if err := rows.Scan(&r.RuleID, &r.UserID, &r.Name, &r.Priority, &condJSON,
			&actJSON, &safetyJSON, &active, &r.TimesTriggered, &totalSaved,
			&r.LastTriggeredEventID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := json.Unmarshal([]byte(condJSON), &r.Condition); err != nil {
			return nil, fmt.Errorf("decode condition for rule %s: %w", r.RuleID, err)
		}
		if err := json.Unmarshal([]byte(actJSON), &r.Action); err != nil {
			return nil, fmt.Errorf("decode action for rule %s: %w", r.RuleID, err)
		}
		if err := json.Unmarshal([]byte(safetyJSON), &r.Safety); err != nil {
			return nil, fmt.Errorf("decode safety for rule %s: %w", r.RuleID, err)
		}
		var err error
		if r.TotalSaved, err = decimal.NewFromString(totalSaved); err != nil {
			return nil, fmt.Errorf("parse total_saved for rule %s: %w", r.RuleID, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at for rule %s: %w", r.RuleID, err)
		}
		r.IsActive = active != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SetRuleActive toggles a rule without touching engine-owned stats.
func (s *Store) SetRuleActive(ctx context.Context, userID, ruleID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET is_active = ? WHERE user_id = ? AND rule_id = ?`,
		boolToInt(active), userID, ruleID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return requireRow(res)
}

// DeleteRule removes a rule definition. Its audit rows remain.
func (s *Store) DeleteRule(ctx context.Context, userID, ruleID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rules WHERE user_id = ? AND rule_id = ?`, userID, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return requireRow(res)
}

// CreateGoal inserts a new savings goal with a zero current amount.
func (s *Store) CreateGoal(ctx context.Context, g *domain.Goal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (goal_id, user_id, name, target_amount, current_amount,
			target_date, icon, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.GoalID, g.UserID, g.Name, g.TargetAmount.String(), g.CurrentAmount.String(),
		g.TargetDate, g.Icon, g.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

// GetGoal fetches a single goal scoped to its owner.
func (s *Store) GetGoal(ctx context.Context, userID, goalID string) (*domain.Goal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT goal_id, user_id, name, target_amount, current_amount, target_date, icon, created_at
		FROM goals WHERE user_id = ? AND goal_id = ?`, userID, goalID)
	return scanGoal(row)
}

// ListGoals returns all of a user's goals.
func (s *Store) ListGoals(ctx context.Context, userID string) ([]*domain.Goal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT goal_id, user_id, name, target_amount, current_amount, target_date, icon, created_at
		FROM goals WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()
	var out []*domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGoal(row rowScanner) (*domain.Goal, error) {
	var (
		g         domain.Goal
		target    string
		current   string
		createdAt string
	)
	err := row.Scan(&g.GoalID, &g.UserID, &g.Name, &target, &current,
		&g.TargetDate, &g.Icon, &createdAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan goal: %w", err)
	}
	if g.TargetAmount, err = decimal.NewFromString(target); err != nil {
		return nil, fmt.Errorf("parse target_amount: %w", err)
	}
	if g.CurrentAmount, err = decimal.NewFromString(current); err != nil {
		return nil, fmt.Errorf("parse current_amount: %w", err)
	}
	if g.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &g, nil
}

// DeleteGoal removes a goal definition. Contribution rows remain for audit.
func (s *Store) DeleteGoal(ctx context.Context, userID, goalID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM goals WHERE user_id = ? AND goal_id = ?`, userID, goalID)
	if err != nil {
		return fmt.Errorf("delete goal: %w", err)
	}
	return requireRow(res)
}

// ListContributions replays the audit trail for one goal, oldest first.
func (s *Store) ListContributions(ctx context.Context, userID, goalID string) ([]*domain.Contribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contribution_id, goal_id, user_id, amount, source, event_id, created_at
		FROM contributions WHERE user_id = ? AND goal_id = ?
		ORDER BY created_at ASC, contribution_id ASC`, userID, goalID)
	if err != nil {
		return nil, fmt.Errorf("query contributions: %w", err)
	}
	defer rows.Close()
	var out []*domain.Contribution
	for rows.Next() {
		var (
			c         domain.Contribution
			amount    string
			createdAt string
		)
		if err := rows.Scan(&c.ContributionID, &c.GoalID, &c.UserID, &amount,
			&c.Source, &c.EventID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse contribution amount: %w", err)
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse contribution created_at: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ store.LedgerStore = (*Store)(nil)
