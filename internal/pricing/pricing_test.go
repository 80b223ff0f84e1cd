package pricing

import "testing"

func TestDisplayPrice(t *testing.T) {
	table := map[string]CurrencyConfig{
		"SAR": {Rate: 1, Adjustment: 0},
		"EGP": {Rate: 13.0, Adjustment: 20},
		"USD": {Rate: 0.27, Adjustment: 0},
	}

	tests := []struct {
		name     string
		base     float64
		currency string
		want     float64
	}{
		{"base currency unchanged", 249.99, "SAR", 249.99},
		{"non-base rounds to nearest 100", 250, "EGP", 3500}, // (250+20)*13 = 3510 → 3500
		{"small rate still rounds", 250, "USD", 100},         // 67.5 → 100
		{"unknown currency falls back to SAR", 199, "XXX", 199},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayPrice(tt.base, tt.currency, table); got != tt.want {
				t.Errorf("DisplayPrice(%v, %s) = %v, want %v", tt.base, tt.currency, got, tt.want)
			}
		})
	}
}

func TestDisplayPriceEmptyTable(t *testing.T) {
	if got := DisplayPrice(150, "USD", nil); got != 150 {
		t.Errorf("empty table should pass through base price, got %v", got)
	}
}
