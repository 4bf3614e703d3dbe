package invoice

import (
	"strconv"

	"github.com/zombor/vn-invoice-extractor/internal/scanning"
)

const (
	// ItemsField holds the ordered line items of a record
	ItemsField = "items"
	// WarningsField holds validation problems found after normalization
	WarningsField = "_validation_warnings"
)

// Record is one extracted invoice: header fields plus an "items" list of line items.
// Values are whatever JSON decoding produced (string, float64, []any, map[string]any, nil).
type Record map[string]any

// File is one uploaded document waiting to be processed
type File struct {
	Name        string
	Data        []byte
	ContentType string
}

// Result is the outcome of processing one file.
// Data and Pages are nil on failure; Error is empty on success.
type Result struct {
	Filename string          `json:"filename"`
	Success  bool            `json:"success"`
	Data     Record          `json:"data,omitempty"`
	Pages    []scanning.Page `json:"pages,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Text returns a header field rendered as a string ("" when absent or null)
func (r Record) Text(field string) string {
	return scalarString(r[field])
}

// Number returns a numeric header field, or 0 when it is not a number
func (r Record) Number(field string) float64 {
	if f, ok := toFloat(r[field]); ok {
		return f
	}
	return 0
}

// Items returns the line items that are JSON objects, in order
func (r Record) Items() []map[string]any {
	list, ok := r[ItemsField].([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(list))
	for _, v := range list {
		if item, ok := v.(map[string]any); ok {
			items = append(items, item)
		}
	}
	return items
}

// Warnings returns the attached validation warnings, if any
func (r Record) Warnings() []string {
	switch w := r[WarningsField].(type) {
	case []string:
		return w
	case []any:
		out := make([]string, 0, len(w))
		for _, v := range w {
			out = append(out, scalarString(v))
		}
		return out
	}
	return nil
}

// FormatInvoiceNumber prefixes the number with its series ("C25TDX-94") when both are known
func FormatInvoiceNumber(series, number any) string {
	s, n := scalarString(series), scalarString(number)
	if s != "" && n != "" {
		return s + "-" + n
	}
	return n
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
