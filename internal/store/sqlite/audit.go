package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/domain"
)

// Offline audit queries used by the integrity checker. These sit outside the
// store.LedgerStore interface: the engine never needs cross-user scans.

// ListUsers returns every user id that has an aggregate row.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM aggregates ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListEvents replays a user's full event history, oldest first.
func (s *Store) ListEvents(ctx context.Context, userID string) ([]*domain.FinancialEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, user_id, kind, amount, category, source, occurred_at
		FROM events WHERE user_id = ?
		ORDER BY recorded_at ASC, event_id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []*domain.FinancialEvent
	for rows.Next() {
		var (
			ev         domain.FinancialEvent
			kind       string
			amount     string
			occurredAt string
		)
		if err := rows.Scan(&ev.EventID, &ev.UserID, &kind, &amount,
			&ev.Category, &ev.Source, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = domain.EventKind(kind)
		if ev.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse event amount: %w", err)
		}
		if ev.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// ListUserContributions returns every contribution row for a user across all
// goals, oldest first.
func (s *Store) ListUserContributions(ctx context.Context, userID string) ([]*domain.Contribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contribution_id, goal_id, user_id, amount, source, event_id, created_at
		FROM contributions WHERE user_id = ?
		ORDER BY created_at ASC, contribution_id ASC`, userID)
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
