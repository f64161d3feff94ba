// Package overspend implements the cascading overspending-risk classifier and
// its threshold policy table. The policy is a fixed, versioned artifact loaded
// from YAML and validated up front; nothing is coerced at assessment time.
package overspend

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var embeddedPolicy []byte

// TierLimits holds per-category spending fractions of monthly income for one
// income tier. Categories not listed fall back to Default.
type TierLimits struct {
	Default    decimal.Decimal            `yaml:"default"`
	Categories map[string]decimal.Decimal `yaml:"categories"`
}

// Policy is the threshold table driving the detector. Two category tiers are
// keyed by whether monthly income falls below LowIncomeThreshold: lower-income
// users get tighter fractions for discretionary categories and looser ones
// for necessities.
type Policy struct {
	Version int `yaml:"version"`

	// HighValueFraction: an expense above this fraction of monthly income is
	// a HIGH_VALUE_PURCHASE.
	HighValueFraction decimal.Decimal `yaml:"high_value_income_fraction"`
	// OverallFraction: total monthly spend above this fraction of monthly
	// income is OVERALL_OVERSPENDING.
	OverallFraction decimal.Decimal `yaml:"overall_income_fraction"`
	// LowIncomeThreshold is in currency minor units; tune per deployment.
	LowIncomeThreshold decimal.Decimal `yaml:"low_income_threshold"`

	Standard  TierLimits `yaml:"standard"`
	LowIncome TierLimits `yaml:"low_income"`
}

// LoadPolicy parses and validates a policy table from YAML.
func LoadPolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy yaml: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &p, nil
}

// LoadEmbeddedPolicy loads the policy table compiled into the binary.
func LoadEmbeddedPolicy() (*Policy, error) {
	return LoadPolicy(embeddedPolicy)
}

// LoadPolicyFile loads a policy table from a filesystem path, for deployments
// that override the embedded table.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return LoadPolicy(data)
}

func (p *Policy) validate() error {
	if p.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", p.Version)
	}
	if err := validFraction("high_value_income_fraction", p.HighValueFraction); err != nil {
		return err
	}
	if err := validFraction("overall_income_fraction", p.OverallFraction); err != nil {
		return err
	}
	if !p.LowIncomeThreshold.IsPositive() {
		return fmt.Errorf("low_income_threshold must be positive, got %s", p.LowIncomeThreshold)
	}
	for _, tier := range []struct {
		name   string
		limits TierLimits
	}{{"standard", p.Standard}, {"low_income", p.LowIncome}} {
		if err := validFraction(tier.name+".default", tier.limits.Default); err != nil {
			return err
		}
		for cat, frac := range tier.limits.Categories {
			if err := validFraction(tier.name+"."+cat, frac); err != nil {
				return err
			}
		}
	}
	return nil
}

func validFraction(name string, d decimal.Decimal) error {
	if !d.IsPositive() || d.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s must be in (0,1], got %s", name, d)
	}
	return nil
}

// limitFraction resolves the category fraction for the given monthly income.
func (p *Policy) limitFraction(category string, monthlyIncome decimal.Decimal) decimal.Decimal {
	tier := p.Standard
	if monthlyIncome.LessThan(p.LowIncomeThreshold) {
		tier = p.LowIncome
	}
	if frac, ok := tier.Categories[category]; ok {
		return frac
	}
	return tier.Default
}
