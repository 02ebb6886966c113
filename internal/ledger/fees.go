package ledger

import "github.com/shopspring/decimal"

// FeeSchedule resolves the taker fee rate for a product. Lookup order is
// exact product, then quote currency, then base currency, then Default.
type FeeSchedule struct {
	Default    decimal.Decimal
	ByProduct  map[string]decimal.Decimal
	ByCurrency map[string]decimal.Decimal
}

// DefaultFeeSchedule charges 0.25% on BTC pairs and 0.3% elsewhere
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		Default: decimal.RequireFromString("0.003"),
		ByCurrency: map[string]decimal.Decimal{
			"BTC": decimal.RequireFromString("0.0025"),
		},
	}
}

// Rate returns the taker fee rate for productID
func (f FeeSchedule) Rate(productID string) decimal.Decimal {
	if rate, ok := f.ByProduct[productID]; ok {
		return rate
	}
	base, quote := SplitProduct(productID)
	if rate, ok := f.ByCurrency[quote]; ok {
		return rate
	}
	if rate, ok := f.ByCurrency[base]; ok {
		return rate
	}
	return f.Default
}
