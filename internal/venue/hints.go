package venue

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Hint accessors tolerate the loose typing of webhook JSON: numbers
// arrive as float64 or string, booleans sometimes as "true".

func HintString(hints map[string]any, key string) string {
	if v, ok := hints[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func HintBool(hints map[string]any, key string) bool {
	switch v := hints[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

func HintDecimal(hints map[string]any, key string) decimal.Decimal {
	switch v := hints[key].(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err == nil {
			return d
		}
	case decimal.Decimal:
		return v
	}
	return decimal.Zero
}
