package handlers

import (
	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/domain"
)

// RuleTemplate is a starter configuration offered to new users. The UI maps
// the destination label to one of the user's goals before creating the rule.
type RuleTemplate struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Condition   domain.Condition    `json:"condition"`
	Action      domain.Action       `json:"action"`
	Safety      domain.SafetyGuards `json:"safety"`
}

var ruleTemplates = []RuleTemplate{
	{
		ID:          "conservative",
		Name:        "Conservative Saver",
		Description: "Save 10% of every income, keep a 5,000 minimum balance",
		Condition: domain.Condition{
			Field:        domain.FieldAmount,
			Op:           domain.OpGreaterThan,
			NumericValue: decimal.Zero,
		},
		Action: domain.Action{
			Type:        domain.ActionSavePercentage,
			Value:       decimal.NewFromInt(10),
			Destination: domain.DestinationEmergencyFund,
		},
		Safety: domain.SafetyGuards{
			MinBalance:       decimalPtr(5000),
			MinMonthlyIncome: decimalPtr(5000),
		},
	},
	{
		ID:          "aggressive",
		Name:        "Aggressive Growth",
		Description: "Save 30% of freelance income for investments",
		Condition: domain.Condition{
			Field:       domain.FieldSource,
			Op:          domain.OpIs,
			StringValue: "freelance",
		},
		Action: domain.Action{
			Type:        domain.ActionSavePercentage,
			Value:       decimal.NewFromInt(30),
			Destination: domain.DestinationEmergencyFund,
		},
		Safety: domain.SafetyGuards{
			MinBalance:       decimalPtr(10000),
			MinMonthlyIncome: decimalPtr(15000),
		},
	},
	{
		ID:          "emergency",
		Name:        "Emergency First",
		Description: "Save 500 fixed from each income above 2,000",
		Condition: domain.Condition{
			Field:        domain.FieldAmount,
			Op:           domain.OpGreaterThan,
			NumericValue: decimal.NewFromInt(2000),
		},
		Action: domain.Action{
			Type:        domain.ActionSaveFixed,
			Value:       decimal.NewFromInt(500),
			Destination: domain.DestinationEmergencyFund,
		},
		Safety: domain.SafetyGuards{
			MinBalance: decimalPtr(3000),
		},
	},
	{
		ID:          "milestone",
		Name:        "Goal-Oriented",
		Description: "Save 20% once monthly income passes 30,000",
		Condition: domain.Condition{
			Field:        domain.FieldMonthlyTotal,
			Op:           domain.OpGreaterThan,
			NumericValue: decimal.NewFromInt(30000),
		},
		Action: domain.Action{
			Type:        domain.ActionSavePercentage,
			Value:       decimal.NewFromInt(20),
			Destination: domain.DestinationEmergencyFund,
		},
		Safety: domain.SafetyGuards{
			MinBalance: decimalPtr(2000),
		},
	},
}

func decimalPtr(n int64) *decimal.Decimal {
	d := decimal.NewFromInt(n)
	return &d
}
