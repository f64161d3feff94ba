// Package memory is the in-memory LedgerStore used by tests and single-run
// tooling. Transactions work on deep copies of the user's state and write
// back on commit, so rollback is a no-op and partially-applied state is never
// visible outside a transaction. Safe for concurrent use across users; the
// engine serializes within a user.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/domain"
	"github.com/dvloznov/savings-engine/internal/store"
)

// Store implements store.LedgerStore entirely in memory.
type Store struct {
	mu            sync.RWMutex
	aggregates    map[string]*domain.LedgerAggregate
	events        map[string][]*domain.FinancialEvent // keyed by user id
	rules         map[string]*domain.Rule             // keyed by rule id
	goals         map[string]*domain.Goal             // keyed by goal id
	contributions map[string][]*domain.Contribution   // keyed by user id
	results       map[string]processedResult          // keyed by event id
}

// processedResult pairs a cached result with its owning user so lookups
// stay user-scoped.
type processedResult struct {
	userID string
	result *domain.ProcessingResult
}

// NewStore creates an empty in-memory ledger store.
func NewStore() *Store {
	return &Store{
		aggregates:    make(map[string]*domain.LedgerAggregate),
		events:        make(map[string][]*domain.FinancialEvent),
		rules:         make(map[string]*domain.Rule),
		goals:         make(map[string]*domain.Goal),
		contributions: make(map[string][]*domain.Contribution),
		results:       make(map[string]processedResult),
	}
}

// Close implements store.LedgerStore. Nothing to release.
func (s *Store) Close() error { return nil }

// GetProcessedResult implements the dedup lookup.
func (s *Store) GetProcessedResult(ctx context.Context, userID, eventID string) (*domain.ProcessingResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pr, ok := s.results[eventID]
	if !ok || pr.userID != userID {
		return nil, false, nil
	}
	cp := *pr.result
	cp.RuleApplications = append([]domain.RuleApplication(nil), pr.result.RuleApplications...)
	return &cp, true, nil
}

// GetAggregate returns a copy of the user's aggregate projection.
func (s *Store) GetAggregate(ctx context.Context, userID string) (*domain.LedgerAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return agg.Clone(), nil
}

// CreateRule stores a copy of the rule.
func (s *Store) CreateRule(ctx context.Context, r *domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[r.RuleID]; exists {
		return fmt.Errorf("rule %s already exists", r.RuleID)
	}
	cp := *r
	s.rules[r.RuleID] = &cp
	return nil
}

// GetRule fetches a copy of a single rule scoped to its owner.
func (s *Store) GetRule(ctx context.Context, userID, ruleID string) (*domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleID]
	if !ok || r.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListRules returns the user's rules sorted (priority, rule_id).
func (s *Store) ListRules(ctx context.Context, userID string) ([]*domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userRulesLocked(userID, false), nil
}

func (s *Store) userRulesLocked(userID string, activeOnly bool) []*domain.Rule {
	var out []*domain.Rule
	for _, r := range s.rules {
		if r.UserID != userID {
			continue
		}
		if activeOnly && !r.IsActive {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

// SetRuleActive toggles a rule without touching engine-owned stats.
func (s *Store) SetRuleActive(ctx context.Context, userID, ruleID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok || r.UserID != userID {
		return store.ErrNotFound
	}
	r.IsActive = active
	return nil
}

// DeleteRule removes a rule definition.
func (s *Store) DeleteRule(ctx context.Context, userID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok || r.UserID != userID {
		return store.ErrNotFound
	}
	delete(s.rules, ruleID)
	return nil
}

// CreateGoal stores a copy of the goal.
func (s *Store) CreateGoal(ctx context.Context, g *domain.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.goals[g.GoalID]; exists {
		return fmt.Errorf("goal %s already exists", g.GoalID)
	}
	cp := *g
	s.goals[g.GoalID] = &cp
	return nil
}

// GetGoal fetches a copy of a single goal scoped to its owner.
func (s *Store) GetGoal(ctx context.Context, userID, goalID string) (*domain.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.goals[goalID]
	if !ok || g.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

// ListGoals returns the user's goals oldest first.
func (s *Store) ListGoals(ctx context.Context, userID string) ([]*domain.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Goal
	for _, g := range s.goals {
		if g.UserID != userID {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteGoal removes a goal definition. Contribution rows remain for audit.
func (s *Store) DeleteGoal(ctx context.Context, userID, goalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[goalID]
	if !ok || g.UserID != userID {
		return store.ErrNotFound
	}
	delete(s.goals, goalID)
	return nil
}

// ListContributions replays the audit trail for one goal, oldest first.
func (s *Store) ListContributions(ctx context.Context, userID, goalID string) ([]*domain.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Contribution
	for _, c := range s.contributions[userID] {
		if c.GoalID != goalID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// eventTx stages all mutations on deep copies and writes back on Commit.
type eventTx struct {
	s      *Store
	userID string

	agg           *domain.LedgerAggregate
	rules         map[string]*domain.Rule // staged copies, lazily loaded
	goals         map[string]*domain.Goal
	events        []*domain.FinancialEvent
	contributions []*domain.Contribution
	result        *domain.ProcessingResult
	done          bool
}

// BeginEvent implements store.LedgerStore.
func (s *Store) BeginEvent(ctx context.Context, userID string) (store.EventTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agg *domain.LedgerAggregate
	if existing, ok := s.aggregates[userID]; ok {
		agg = existing.Clone()
	} else {
		// Month stays empty until the first event defines the window.
		agg = domain.NewLedgerAggregate(userID, "")
	}
	return &eventTx{
		s:      s,
		userID: userID,
		agg:    agg,
		rules:  make(map[string]*domain.Rule),
		goals:  make(map[string]*domain.Goal),
	}, nil
}

func (t *eventTx) Aggregate() *domain.LedgerAggregate { return t.agg }

func (t *eventTx) ApplyEvent(ev *domain.FinancialEvent) error {
	cp := *ev
	t.events = append(t.events, &cp)
	t.agg.ApplyEvent(ev)
	return nil
}

func (t *eventTx) ActiveRules() ([]*domain.Rule, error) {
	t.s.mu.RLock()
	rules := t.s.userRulesLocked(t.userID, true)
	t.s.mu.RUnlock()
	// Hand out the staged copies so stat updates survive into Commit.
	for i, r := range rules {
		t.rules[r.RuleID] = r
		rules[i] = r
	}
	return rules, nil
}

func (t *eventTx) stagedGoal(goalID string) (*domain.Goal, error) {
	if g, ok := t.goals[goalID]; ok {
		return g, nil
	}
	t.s.mu.RLock()
	g, ok := t.s.goals[goalID]
	t.s.mu.RUnlock()
	if !ok || g.UserID != t.userID {
		return nil, store.ErrNotFound
	}
	cp := *g
	t.goals[goalID] = &cp
	return &cp, nil
}

func (t *eventTx) ApplyTransfer(rule *domain.Rule, amount decimal.Decimal, destination string, ev *domain.FinancialEvent) error {
	// Validate before mutating anything so a failure leaves the staged
	// state untouched (the memory analogue of the sqlite savepoint).
	if destination != domain.DestinationEmergencyFund {
		g, err := t.stagedGoal(destination)
		if err != nil {
			return fmt.Errorf("load destination goal %s: %w", destination, err)
		}
		g.CurrentAmount = g.CurrentAmount.Add(amount)
	} else {
		t.agg.EmergencyFund = t.agg.EmergencyFund.Add(amount)
	}

	t.contributions = append(t.contributions, &domain.Contribution{
		ContributionID: uuid.NewString(),
		GoalID:         destination,
		UserID:         t.userID,
		Amount:         amount,
		Source:         domain.RuleContributionSource(rule.RuleID),
		EventID:        ev.EventID,
		CreatedAt:      time.Now().UTC(),
	})
	t.agg.CurrentBalance = t.agg.CurrentBalance.Sub(amount)

	rule.TimesTriggered++
	rule.TotalSaved = rule.TotalSaved.Add(amount)
	rule.LastTriggeredEventID = ev.EventID
	t.rules[rule.RuleID] = rule
	return nil
}

func (t *eventTx) ApplyManualContribution(goalID string, amount decimal.Decimal) (decimal.Decimal, error) {
	g, err := t.stagedGoal(goalID)
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
	g.CurrentAmount = g.CurrentAmount.Add(applied)
	t.contributions = append(t.contributions, &domain.Contribution{
		ContributionID: uuid.NewString(),
		GoalID:         goalID,
		UserID:         t.userID,
		Amount:         applied,
		Source:         domain.ContributionSourceManual,
		CreatedAt:      time.Now().UTC(),
	})
	return applied, nil
}

func (t *eventTx) CheckInvariant() error {
	var income, expense, ruleContrib decimal.Decimal

	t.s.mu.RLock()
	history := append([]*domain.FinancialEvent(nil), t.s.events[t.userID]...)
	contribs := append([]*domain.Contribution(nil), t.s.contributions[t.userID]...)
	t.s.mu.RUnlock()

	history = append(history, t.events...)
	contribs = append(contribs, t.contributions...)

	for _, ev := range history {
		if ev.Kind == domain.EventKindIncome {
			income = income.Add(ev.Amount)
		} else {
			expense = expense.Add(ev.Amount)
		}
	}
	for _, c := range contribs {
		if domain.IsRuleContribution(c.Source) {
			ruleContrib = ruleContrib.Add(c.Amount)
		}
	}

	expected := income.Sub(expense).Sub(ruleContrib)
	if !t.agg.CurrentBalance.Equal(expected) {
		return &store.InvariantViolationError{
			UserID:   t.userID,
			Balance:  t.agg.CurrentBalance,
			Expected: expected,
		}
	}
	return nil
}

func (t *eventTx) SaveResult(res *domain.ProcessingResult) error {
	cp := *res
	cp.RuleApplications = append([]domain.RuleApplication(nil), res.RuleApplications...)
	t.result = &cp
	return nil
}

func (t *eventTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.aggregates[t.userID] = t.agg.Clone()
	t.s.events[t.userID] = append(t.s.events[t.userID], t.events...)
	t.s.contributions[t.userID] = append(t.s.contributions[t.userID], t.contributions...)
	for id, r := range t.rules {
		cp := *r
		t.s.rules[id] = &cp
	}
	for id, g := range t.goals {
		cp := *g
		t.s.goals[id] = &cp
	}
	if t.result != nil {
		t.s.results[t.result.EventID] = processedResult{userID: t.userID, result: t.result}
	}
	return nil
}

func (t *eventTx) Rollback() error {
	t.done = true
	return nil
}

var (
	_ store.LedgerStore = (*Store)(nil)
	_ store.EventTx     = (*eventTx)(nil)
)
