package ledger

import "fmt"

// ChartConfig is the fixed chart-of-accounts code mapping injected into the
// posting engine at construction. Codes are overridable per deployment via
// configuration but fixed at runtime; the engine fails loudly when a
// referenced code has no active account instead of defaulting.
type ChartConfig struct {
	Cash            string `envconfig:"COA_CASH" default:"1110"`
	Bank            string `envconfig:"COA_BANK" default:"1120"`
	Receivable      string `envconfig:"COA_RECEIVABLE" default:"1130"`
	DeferredRevenue string `envconfig:"COA_DEFERRED_REVENUE" default:"2130"`
	TaxPayable      string `envconfig:"COA_TAX_PAYABLE" default:"2140"`
	TrainingRevenue string `envconfig:"COA_TRAINING_REVENUE" default:"4110"`
	DiscountGiven   string `envconfig:"COA_DISCOUNT_GIVEN" default:"4910"`
}

// DefaultChartConfig returns the stock code mapping.
func DefaultChartConfig() ChartConfig {
	return ChartConfig{
		Cash:            "1110",
		Bank:            "1120",
		Receivable:      "1130",
		DeferredRevenue: "2130",
		TaxPayable:      "2140",
		TrainingRevenue: "4110",
		DiscountGiven:   "4910",
	}
}

// Validate rejects empty or colliding codes at startup.
func (c ChartConfig) Validate() error {
	codes := map[string]string{
		"cash":             c.Cash,
		"bank":             c.Bank,
		"receivable":       c.Receivable,
		"deferred_revenue": c.DeferredRevenue,
		"tax_payable":      c.TaxPayable,
		"training_revenue": c.TrainingRevenue,
		"discount_given":   c.DiscountGiven,
	}
	seen := make(map[string]string, len(codes))
	for role, code := range codes {
		if code == "" {
			return fmt.Errorf("ledger: chart code for %s is empty", role)
		}
		if prev, ok := seen[code]; ok {
			return fmt.Errorf("ledger: chart code %s assigned to both %s and %s", code, prev, role)
		}
		seen[code] = role
	}
	return nil
}

// SettlementCode returns the cash or bank code for a payment method.
func (c ChartConfig) SettlementCode(method string) string {
	switch method {
	case "bank", "transfer", "gateway", "card":
		return c.Bank
	default:
		return c.Cash
	}
}
