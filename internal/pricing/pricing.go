// Package pricing converts base book prices (kept in SAR) to display
// prices in other currencies.
package pricing

import "math"

// BaseCurrency is the currency book prices are stored in.
const BaseCurrency = "SAR"

// CurrencyConfig holds the conversion parameters for one currency.
type CurrencyConfig struct {
	Rate       float64 `json:"rate"`
	Adjustment float64 `json:"adjustment"`
}

// DisplayPrice converts a base price to the target currency. Unknown
// currencies fall back to the base currency. Non-base prices are rounded
// to the nearest 100 since those markets quote large round numbers; base
// prices keep two decimals.
func DisplayPrice(basePrice float64, currency string, table map[string]CurrencyConfig) float64 {
	cfg, ok := table[currency]
	if !ok {
		currency = BaseCurrency
		cfg, ok = table[BaseCurrency]
		if !ok {
			cfg = CurrencyConfig{Rate: 1}
		}
	}

	price := (basePrice + cfg.Adjustment) * cfg.Rate
	if currency != BaseCurrency {
		return math.Round(price/100) * 100
	}
	return math.Round(price*100) / 100
}
