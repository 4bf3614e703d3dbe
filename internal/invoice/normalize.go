package invoice

import (
	"strconv"
	"strings"
)

var (
	itemNumericFields   = []string{"quantity", "unit_price", "vat_rate", "amount_before_vat", "vat_amount", "amount_after_vat"}
	headerNumericFields = []string{"total_before_vat", "total_vat", "total_after_vat"}
)

// Normalize returns a cleaned copy of an extracted record; the input is left untouched.
//
// The copy always has an items list. Numeric strings in Vietnamese notation
// ("1.234.567,89") become float64 where they parse; strings that don't parse are kept
// as-is for validation to flag. Missing vat_amount and amount_after_vat are derived
// per line item, vat_amount first so amount_after_vat can use it.
func Normalize(rec Record) Record {
	out, _ := deepCopy(map[string]any(rec)).(map[string]any)
	normalized := Record(out)
	if normalized == nil {
		normalized = Record{}
	}

	if normalized[ItemsField] == nil {
		normalized[ItemsField] = []any{}
	}

	for _, item := range normalized.Items() {
		coerceFields(item, itemNumericFields)
		deriveVAT(item)
	}
	coerceFields(normalized, headerNumericFields)

	return normalized
}

// deriveVAT fills vat_amount from amount_before_vat and vat_rate,
// then amount_after_vat from amount_before_vat and vat_amount
func deriveVAT(item map[string]any) {
	before, hasBefore := toFloat(item["amount_before_vat"])

	if item["vat_amount"] == nil {
		if rate, ok := toFloat(item["vat_rate"]); ok && hasBefore {
			item["vat_amount"] = before * rate / 100
		}
	}

	if item["amount_after_vat"] == nil {
		if vat, ok := toFloat(item["vat_amount"]); ok && hasBefore {
			item["amount_after_vat"] = before + vat
		}
	}
}

func coerceFields(m map[string]any, fields []string) {
	for _, field := range fields {
		s, ok := m[field].(string)
		if !ok {
			continue
		}
		if f, ok := parseLocalizedNumber(s); ok {
			m[field] = f
		}
	}
}

// parseLocalizedNumber reads "1.234.567,89" as 1234567.89: periods group thousands,
// the comma marks decimals
func parseLocalizedNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case Record:
		return deepCopy(map[string]any(t))
	case []any:
		if t == nil {
			return []any(nil)
		}
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = deepCopy(val)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
