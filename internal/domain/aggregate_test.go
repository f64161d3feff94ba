package domain

import (
	"testing"
	"time"
)

func TestAggregateApplyEvent(t *testing.T) {
	agg := NewLedgerAggregate("u1", "2026-08")

	agg.ApplyEvent(&FinancialEvent{
		EventID: "e1", UserID: "u1", Kind: EventKindIncome,
		Amount: dec("3000"), OccurredAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	agg.ApplyEvent(&FinancialEvent{
		EventID: "e2", UserID: "u1", Kind: EventKindExpense,
		Amount: dec("1200"), Category: "rent", OccurredAt: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
	})
	agg.ApplyEvent(&FinancialEvent{
		EventID: "e3", UserID: "u1", Kind: EventKindExpense,
		Amount: dec("300"), Category: "rent", OccurredAt: time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC),
	})

	if !agg.CurrentBalance.Equal(dec("1500")) {
		t.Errorf("balance = %s, want 1500", agg.CurrentBalance)
	}
	if !agg.MonthlyIncomeTotal.Equal(dec("3000")) {
		t.Errorf("income total = %s, want 3000", agg.MonthlyIncomeTotal)
	}
	if !agg.MonthlyExpenseTotal.Equal(dec("1500")) {
		t.Errorf("expense total = %s, want 1500", agg.MonthlyExpenseTotal)
	}
	if !agg.CategoryTotal("rent").Equal(dec("1500")) {
		t.Errorf("rent total = %s, want 1500", agg.CategoryTotal("rent"))
	}
	if !agg.CategoryTotal("food").IsZero() {
		t.Errorf("untouched category total = %s, want 0", agg.CategoryTotal("food"))
	}
}

func TestAggregateMonthWindows(t *testing.T) {
	agg := NewLedgerAggregate("u1", "")

	// First event defines the window.
	agg.ApplyEvent(&FinancialEvent{
		EventID: "e1", UserID: "u1", Kind: EventKindIncome,
		Amount: dec("10000"), OccurredAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	if agg.Month != "2026-08" {
		t.Fatalf("month = %q, want 2026-08", agg.Month)
	}

	// A backdated event moves the balance but must not reset or join the
	// current window.
	agg.ApplyEvent(&FinancialEvent{
		EventID: "e2", UserID: "u1", Kind: EventKindExpense,
		Amount: dec("50"), Category: "shopping",
		OccurredAt: time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC),
	})
	if agg.Month != "2026-08" {
		t.Errorf("backdated event changed month to %q", agg.Month)
	}
	if !agg.MonthlyIncomeTotal.Equal(dec("10000")) {
		t.Errorf("income window = %s, want 10000", agg.MonthlyIncomeTotal)
	}
	if !agg.MonthlyExpenseTotal.IsZero() {
		t.Errorf("expense window = %s, want 0", agg.MonthlyExpenseTotal)
	}
	if !agg.CategoryTotal("shopping").IsZero() {
		t.Errorf("shopping total = %s, want 0", agg.CategoryTotal("shopping"))
	}
	if !agg.CurrentBalance.Equal(dec("9950")) {
		t.Errorf("balance = %s, want 9950", agg.CurrentBalance)
	}

	// A newer month rolls the window forward.
	agg.ApplyEvent(&FinancialEvent{
		EventID: "e3", UserID: "u1", Kind: EventKindExpense,
		Amount: dec("100"), Category: "food",
		OccurredAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	})
	if agg.Month != "2026-09" {
		t.Errorf("month = %q, want 2026-09", agg.Month)
	}
	if !agg.MonthlyIncomeTotal.IsZero() {
		t.Errorf("income window after rollover = %s, want 0", agg.MonthlyIncomeTotal)
	}
	if !agg.MonthlyExpenseTotal.Equal(dec("100")) {
		t.Errorf("expense window after rollover = %s, want 100", agg.MonthlyExpenseTotal)
	}
	if !agg.CurrentBalance.Equal(dec("9850")) {
		t.Errorf("balance = %s, want 9850", agg.CurrentBalance)
	}
}

func TestAggregateCloneIsDeep(t *testing.T) {
	agg := NewLedgerAggregate("u1", "2026-08")
	agg.MonthlyCategoryTotals["rent"] = dec("100")

	cp := agg.Clone()
	cp.CurrentBalance = dec("999")
	cp.MonthlyCategoryTotals["rent"] = dec("500")

	if !agg.CurrentBalance.IsZero() {
		t.Errorf("clone mutation leaked into balance: %s", agg.CurrentBalance)
	}
	if !agg.CategoryTotal("rent").Equal(dec("100")) {
		t.Errorf("clone mutation leaked into category map: %s", agg.CategoryTotal("rent"))
	}
}

func TestEventValidate(t *testing.T) {
	valid := FinancialEvent{
		EventID: "e1", UserID: "u1", Kind: EventKindExpense, Amount: dec("10"),
	}

	tests := []struct {
		name    string
		mutate  func(*FinancialEvent)
		wantErr bool
	}{
		{name: "valid", mutate: func(e *FinancialEvent) {}},
		{name: "missing event id", mutate: func(e *FinancialEvent) { e.EventID = "" }, wantErr: true},
		{name: "missing user id", mutate: func(e *FinancialEvent) { e.UserID = "" }, wantErr: true},
		{name: "unknown kind", mutate: func(e *FinancialEvent) { e.Kind = "transfer" }, wantErr: true},
		{name: "zero amount", mutate: func(e *FinancialEvent) { e.Amount = dec("0") }, wantErr: true},
		{name: "negative amount", mutate: func(e *FinancialEvent) { e.Amount = dec("-1") }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)
			err := ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
