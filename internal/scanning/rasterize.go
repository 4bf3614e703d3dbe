package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// DefaultDPI is the resolution used to render PDF pages
const DefaultDPI = 200

// Page is one rendered page of a document
type Page struct {
	Number int    `json:"number"` // 1-based
	Width  int    `json:"width"`
	Height int    `json:"height"`
	PNG    []byte `json:"-"`
}

// Rasterizer renders documents into PNG pages
type Rasterizer struct {
	DPI float64
}

// NewRasterizer creates a Rasterizer; a non-positive dpi falls back to DefaultDPI
func NewRasterizer(dpi float64) *Rasterizer {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &Rasterizer{DPI: dpi}
}

// Rasterize converts a PDF (or a single image) into pages in page order.
// Every failure is returned as a *RasterizationError.
func (r *Rasterizer) Rasterize(data []byte, contentType string) ([]Page, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	var (
		pages []Page
		err   error
	)
	if mimeType == "application/pdf" {
		pages, err = r.pdfToPages(data)
	} else {
		var page Page
		page, err = imageToPage(data, mimeType)
		pages = []Page{page}
	}
	if err != nil {
		return nil, &RasterizationError{Err: err}
	}
	return pages, nil
}

// pdfToPages renders every PDF page at the rasterizer's DPI
func (r *Rasterizer) pdfToPages(pdfData []byte) ([]Page, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	count := doc.NumPage()
	if count == 0 {
		return nil, errors.New("no pages found in PDF")
	}

	pages := make([]Page, 0, count)
	for n := 0; n < count; n++ {
		img, err := doc.ImageDPI(n, r.DPI)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", n+1, err)
		}
		page, err := encodePage(n+1, img)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// imageToPage decodes a photo or scan of an invoice into a single page
func imageToPage(imageData []byte, mimeType string) (Page, error) {
	var img image.Image
	var err error

	// Go's standard image package doesn't support HEIC
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return Page{}, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if errors.Is(err, image.ErrFormat) {
				return Page{}, fmt.Errorf("unsupported document format. Supported formats: PDF, JPEG, PNG, GIF, HEIC, HEIF. Error: %w", err)
			}
			return Page{}, fmt.Errorf("decoding image: %w", err)
		}
	}

	return encodePage(1, img)
}

func encodePage(number int, img image.Image) (Page, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Page{}, fmt.Errorf("encoding PNG: %w", err)
	}
	bounds := img.Bounds()
	return Page{
		Number: number,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		PNG:    buf.Bytes(),
	}, nil
}

// isHEICFormat checks for an ftyp box with a HEIC-related brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// ContentTypeForName guesses a document MIME type from a filename extension
func ContentTypeForName(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".heic"):
		return "image/heic"
	case strings.HasSuffix(lower, ".heif"):
		return "image/heif"
	default:
		return "application/pdf"
	}
}
