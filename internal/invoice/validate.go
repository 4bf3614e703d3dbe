package invoice

import (
	"fmt"
	"math"
	"strings"
)

// Kind is a JSON value type a schema field accepts
type Kind int

const (
	String Kind = iota
	Integer
	Float
	List
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Float:
		return "float"
	case List:
		return "list"
	default:
		return "unknown"
	}
}

// FieldRule names a field and the kinds it may hold; null is always accepted
type FieldRule struct {
	Field string
	Kinds []Kind
}

// Schema is an ordered table of field rules
type Schema []FieldRule

// InvoiceSchema lists the header fields every extracted invoice should carry
var InvoiceSchema = Schema{
	{"invoice_number", []Kind{String}},
	{"invoice_date", []Kind{String}},
	{"seller_tax_code", []Kind{String}},
	{"seller_name", []Kind{String}},
	{"buyer_tax_code", []Kind{String}},
	{"buyer_name", []Kind{String}},
	{"items", []Kind{List}},
	{"total_before_vat", []Kind{Integer, Float}},
	{"total_vat", []Kind{Integer, Float}},
	{"total_after_vat", []Kind{Integer, Float}},
}

// ItemSchema lists the fields every line item should carry
var ItemSchema = Schema{
	{"item_name", []Kind{String}},
	{"unit", []Kind{String}},
	{"quantity", []Kind{Integer, Float}},
	{"unit_price", []Kind{Integer, Float}},
	{"vat_rate", []Kind{Integer, Float}},
	{"amount_before_vat", []Kind{Integer, Float}},
	{"vat_amount", []Kind{Integer, Float}},
	{"amount_after_vat", []Kind{Integer, Float}},
}

// Validate checks a record against header and item schemas.
// It never fails; problems come back as messages and valid is true only when there are none.
func Validate(rec Record, header, item Schema) (bool, []string) {
	var violations []string

	for _, rule := range header {
		value, ok := rec[rule.Field]
		if !ok {
			violations = append(violations, fmt.Sprintf("Missing required field: %s", rule.Field))
			continue
		}
		if value != nil && !rule.accepts(value) {
			violations = append(violations, fmt.Sprintf("Field '%s' has wrong type: expected %s, got %s",
				rule.Field, rule.expected(), kindOf(value)))
		}
	}

	if items, ok := rec[ItemsField].([]any); ok {
		for i, raw := range items {
			obj, isObject := raw.(map[string]any)
			if !isObject {
				violations = append(violations, fmt.Sprintf("Item %d has wrong type: expected object, got %s", i+1, kindOf(raw)))
				continue
			}
			for _, rule := range item {
				value, ok := obj[rule.Field]
				if !ok {
					violations = append(violations, fmt.Sprintf("Item %d missing field: %s", i+1, rule.Field))
					continue
				}
				if value != nil && !rule.accepts(value) {
					violations = append(violations, fmt.Sprintf("Item %d field '%s' has wrong type: expected %s, got %s",
						i+1, rule.Field, rule.expected(), kindOf(value)))
				}
			}
		}
	}

	return len(violations) == 0, violations
}

func (r FieldRule) accepts(v any) bool {
	for _, k := range r.Kinds {
		if matches(k, v) {
			return true
		}
	}
	return false
}

func (r FieldRule) expected() string {
	names := make([]string, len(r.Kinds))
	for i, k := range r.Kinds {
		names[i] = k.String()
	}
	return strings.Join(names, " or ")
}

func matches(k Kind, v any) bool {
	switch k {
	case String:
		_, ok := v.(string)
		return ok
	case Integer:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n) && !math.IsInf(n, 0)
		}
		return false
	case Float:
		switch v.(type) {
		case float32, float64:
			return true
		}
		return false
	case List:
		switch v.(type) {
		case []any, []map[string]any:
			return true
		}
		return false
	}
	return false
}

func kindOf(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int32, int64:
		return "integer"
	case float32:
		return "float"
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return "integer"
		}
		return "float"
	case []any, []map[string]any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
