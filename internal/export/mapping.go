package export

import (
	"errors"
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"
)

// Column assigns a record field to a spreadsheet column letter
type Column struct {
	Field  string `yaml:"field"`
	Column string `yaml:"column"`
}

// Mapping places header and line item fields into columns.
// Rows are filled from StartRow downward, one per line item.
type Mapping struct {
	Header   []Column `yaml:"header"`
	Items    []Column `yaml:"items"`
	StartRow int      `yaml:"start_row"`
}

// DefaultMapping matches the default template: invoice fields in A-F, line items in G-N
func DefaultMapping() Mapping {
	return Mapping{
		Header: []Column{
			{Field: "invoice_number", Column: "A"},  // Số hóa đơn
			{Field: "invoice_date", Column: "B"},    // Ngày hóa đơn
			{Field: "seller_tax_code", Column: "C"}, // MST Bên bán
			{Field: "seller_name", Column: "D"},     // Tên người bán
			{Field: "buyer_tax_code", Column: "E"},  // MST bên mua
			{Field: "buyer_name", Column: "F"},      // Tên người mua
		},
		Items: []Column{
			{Field: "item_name", Column: "G"},         // Tên hàng hóa
			{Field: "unit", Column: "H"},              // Đơn vị
			{Field: "quantity", Column: "I"},          // Số lượng
			{Field: "unit_price", Column: "J"},        // Đơn giá
			{Field: "vat_rate", Column: "K"},          // % VAT
			{Field: "amount_before_vat", Column: "L"}, // Thành tiền trước VAT
			{Field: "vat_amount", Column: "M"},        // VAT
			{Field: "amount_after_vat", Column: "N"},  // Thành tiền sau VAT
		},
		StartRow: 2,
	}
}

// LoadMapping reads a YAML column mapping. Sections left out of the file keep their defaults.
func LoadMapping(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, fmt.Errorf("reading mapping file: %w", err)
	}

	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Mapping{}, fmt.Errorf("decoding mapping file: %w", err)
	}

	def := DefaultMapping()
	if len(m.Header) == 0 {
		m.Header = def.Header
	}
	if len(m.Items) == 0 {
		m.Items = def.Items
	}
	if m.StartRow == 0 {
		m.StartRow = def.StartRow
	}

	if err := m.Validate(); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// Validate checks that every column is a real column name and the start row is positive
func (m Mapping) Validate() error {
	if m.StartRow < 1 {
		return fmt.Errorf("start row must be at least 1, got %d", m.StartRow)
	}
	var errs []error
	for _, c := range append(append([]Column{}, m.Header...), m.Items...) {
		if c.Field == "" {
			errs = append(errs, fmt.Errorf("column %q has no field", c.Column))
			continue
		}
		if _, err := excelize.ColumnNameToNumber(c.Column); err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", c.Field, err))
		}
	}
	return errors.Join(errs...)
}
