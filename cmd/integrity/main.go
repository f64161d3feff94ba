package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/domain"
	"github.com/dvloznov/savings-engine/internal/logger"
	"github.com/dvloznov/savings-engine/internal/store/sqlite"
)

// Offline ledger audit. Replays the event and contribution history for every
// user (or one user with -user) and cross-checks the stored projections:
//
//	balance        == sum(income) - sum(expense) - sum(rule contributions)
//	emergency fund == sum(rule contributions into the emergency fund)
//	goal amount    == sum(that goal's contributions)
//
// Exits non-zero if any check fails.
func main() {
	var (
		dbPath = flag.String("db", envOr("SAVINGS_DB", "savings.db"), "SQLite database path (or set SAVINGS_DB env)")
		user   = flag.String("user", "", "audit a single user id (default: all users)")
	)
	flag.Parse()

	log := logger.New()

	ledger, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dbPath).Msg("Failed to open ledger store")
	}
	defer ledger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	users := []string{*user}
	if *user == "" {
		if users, err = ledger.ListUsers(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to list users")
		}
	}

	pass := color.New(color.FgGreen).SprintFunc()
	fail := color.New(color.FgRed, color.Bold).SprintFunc()

	failures := 0
	for _, userID := range users {
		problems, err := auditUser(ctx, ledger, userID)
		if err != nil {
			log.Fatal().Err(err).Str("user_id", userID).Msg("Audit failed to run")
		}
		if len(problems) == 0 {
			fmt.Printf("%s %s\n", pass("OK  "), userID)
			continue
		}
		failures += len(problems)
		fmt.Printf("%s %s\n", fail("FAIL"), userID)
		for _, p := range problems {
			fmt.Printf("      %s\n", p)
		}
	}

	fmt.Printf("\nAudited %d user(s), %d problem(s)\n", len(users), failures)
	if failures > 0 {
		os.Exit(1)
	}
}

func auditUser(ctx context.Context, ledger *sqlite.Store, userID string) ([]string, error) {
	agg, err := ledger.GetAggregate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load aggregate: %w", err)
	}
	events, err := ledger.ListEvents(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	contributions, err := ledger.ListUserContributions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("replay contributions: %w", err)
	}

	var income, expense decimal.Decimal
	for _, ev := range events {
		if ev.Kind == domain.EventKindIncome {
			income = income.Add(ev.Amount)
		} else {
			expense = expense.Add(ev.Amount)
		}
	}

	// Manual contributions come from outside the tracked balance, so only
	// rule-sourced rows debit it.
	var ruleContrib, emergencyContrib decimal.Decimal
	perGoal := map[string]decimal.Decimal{}
	for _, c := range contributions {
		if domain.IsRuleContribution(c.Source) {
			ruleContrib = ruleContrib.Add(c.Amount)
		}
		if c.GoalID == domain.DestinationEmergencyFund {
			emergencyContrib = emergencyContrib.Add(c.Amount)
			continue
		}
		perGoal[c.GoalID] = perGoal[c.GoalID].Add(c.Amount)
	}

	var problems []string

	if expected := income.Sub(expense).Sub(ruleContrib); !agg.CurrentBalance.Equal(expected) {
		problems = append(problems, fmt.Sprintf(
			"balance %s does not match replayed history %s", agg.CurrentBalance, expected))
	}
	if !agg.EmergencyFund.Equal(emergencyContrib) {
		problems = append(problems, fmt.Sprintf(
			"emergency fund %s does not match contribution trail %s", agg.EmergencyFund, emergencyContrib))
	}

	goals, err := ledger.ListGoals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	for _, g := range goals {
		if expected := perGoal[g.GoalID]; !g.CurrentAmount.Equal(expected) {
			problems = append(problems, fmt.Sprintf(
				"goal %s (%s): current amount %s does not match contribution trail %s",
				g.Name, g.GoalID, g.CurrentAmount, expected))
		}
	}
	return problems, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
