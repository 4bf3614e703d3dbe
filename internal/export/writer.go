package export

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/vn-invoice-extractor/internal/invoice"
)

// ContentType is the MIME type of the generated workbook
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	thousandsFormat = "#,##0"
	percentFormat   = 9 // built-in "0%"
)

var (
	// thousandsFields get a grouped number format
	thousandsFields = map[string]bool{
		"quantity":          true,
		"unit_price":        true,
		"amount_before_vat": true,
		"vat_amount":        true,
		"amount_after_vat":  true,
	}

	templateHeaders = []struct {
		column string
		label  string
		width  float64
	}{
		{"A", "Số hóa đơn", 12},
		{"B", "Ngày hóa đơn", 14},
		{"C", "MST Bên bán", 15},
		{"D", "Tên người bán", 35},
		{"E", "MST bên mua", 15},
		{"F", "Tên người mua", 35},
		{"G", "Tên hàng hóa", 30},
		{"H", "Đơn vị", 10},
		{"I", "Số lượng", 10},
		{"J", "Đơn giá", 15},
		{"K", "% VAT", 8},
		{"L", "Thành tiền trước VAT", 18},
		{"M", "VAT", 15},
		{"N", "Thành tiền sau VAT", 18},
	}
)

// Writer fills a workbook with invoice records following a column mapping
type Writer struct {
	mapping Mapping
	logger  *slog.Logger
}

// NewWriter creates a Writer
func NewWriter(mapping Mapping, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{mapping: mapping, logger: logger}
}

// Write puts every record into the active sheet of the template (or of a new default
// template when template is empty) and returns the XLSX bytes.
// Each line item gets its own row with the invoice's header fields repeated;
// an invoice without items still gets one row.
func (w *Writer) Write(records []invoice.Record, template []byte) ([]byte, error) {
	start := time.Now()

	f, err := w.open(template)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())

	thousandsStyle, err := f.NewStyle(&excelize.Style{CustomNumFmt: ptr(thousandsFormat)})
	if err != nil {
		return nil, fmt.Errorf("creating number style: %w", err)
	}
	percentStyle, err := f.NewStyle(&excelize.Style{NumFmt: percentFormat})
	if err != nil {
		return nil, fmt.Errorf("creating percent style: %w", err)
	}

	row := w.mapping.StartRow
	for _, rec := range records {
		items := rec.Items()
		if len(items) == 0 {
			if err := w.writeHeader(f, sheet, row, rec); err != nil {
				return nil, err
			}
			row++
			continue
		}

		for _, item := range items {
			if err := w.writeHeader(f, sheet, row, rec); err != nil {
				return nil, err
			}
			for _, c := range w.mapping.Items {
				value := item[c.Field]
				if value == nil {
					continue
				}
				cell, err := excelize.JoinCellName(c.Column, row)
				if err != nil {
					return nil, fmt.Errorf("cell for %s: %w", c.Field, err)
				}

				style := 0
				switch {
				case c.Field == "vat_rate":
					style = percentStyle
					// Excel percentages are fractions: 10 means 10%
					if rate, ok := numeric(value); ok && rate > 1 {
						value = rate / 100
					}
				case thousandsFields[c.Field]:
					style = thousandsStyle
				}

				if err := f.SetCellValue(sheet, cell, value); err != nil {
					return nil, fmt.Errorf("writing %s: %w", cell, err)
				}
				if style != 0 {
					if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
						return nil, fmt.Errorf("styling %s: %w", cell, err)
					}
				}
			}
			row++
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	w.logger.Info("Workbook written",
		"invoices", len(records),
		"rows", row-w.mapping.StartRow,
		"custom_template", len(template) > 0,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func (w *Writer) writeHeader(f *excelize.File, sheet string, row int, rec invoice.Record) error {
	for _, c := range w.mapping.Header {
		value := rec[c.Field]
		if value == nil {
			continue
		}
		cell, err := excelize.JoinCellName(c.Column, row)
		if err != nil {
			return fmt.Errorf("cell for %s: %w", c.Field, err)
		}
		if err := f.SetCellValue(sheet, cell, value); err != nil {
			return fmt.Errorf("writing %s: %w", cell, err)
		}
	}
	return nil
}

func (w *Writer) open(template []byte) (*excelize.File, error) {
	if len(template) > 0 {
		f, err := excelize.OpenReader(bytes.NewReader(template))
		if err != nil {
			return nil, fmt.Errorf("opening template: %w", err)
		}
		return f, nil
	}
	return newTemplate()
}

// newTemplate builds the default workbook with bold, centered Vietnamese headers in row 1
func newTemplate() (*excelize.File, error) {
	f := excelize.NewFile()
	const sheet = "Sheet1"

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating header style: %w", err)
	}

	for _, h := range templateHeaders {
		cell := h.column + "1"
		if err := f.SetCellValue(sheet, cell, h.label); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing header %s: %w", cell, err)
		}
		_ = f.SetCellStyle(sheet, cell, cell, headerStyle)
		_ = f.SetColWidth(sheet, h.column, h.column, h.width)
	}
	return f, nil
}

// DownloadFilename names an exported workbook after its creation time
func DownloadFilename(t time.Time) string {
	return fmt.Sprintf("invoices_batch_%s.xlsx", t.Format("20060102_150405"))
}

// numeric widens any Go number kind a caller may put in a record
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func ptr[T any](v T) *T {
	return &v
}
