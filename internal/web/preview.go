package web

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/disintegration/imaging"
)

const (
	defaultPreviewWidth = 600
	maxPreviewWidth     = 2000
)

// thumbnail scales a PNG page down to fit width, keeping its aspect ratio
func thumbnail(w io.Writer, pagePNG []byte, width int) error {
	img, err := imaging.Decode(bytes.NewReader(pagePNG))
	if err != nil {
		return fmt.Errorf("decoding page: %w", err)
	}
	var out image.Image = img
	if img.Bounds().Dx() > width {
		out = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	if err := imaging.Encode(w, out, imaging.PNG); err != nil {
		return fmt.Errorf("encoding preview: %w", err)
	}
	return nil
}

// handlePagePreview serves a scaled-down PNG of one rendered page (1-based)
func (s *Server) handlePagePreview(w http.ResponseWriter, r *http.Request) {
	result, ok := s.lookupResult(w, r)
	if !ok {
		return
	}

	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil || page < 1 || page > len(result.Pages) {
		corsError(w, "Page not found", http.StatusNotFound)
		return
	}

	width := defaultPreviewWidth
	if raw := r.URL.Query().Get("width"); raw != "" {
		width, err = strconv.Atoi(raw)
		if err != nil || width < 1 || width > maxPreviewWidth {
			corsError(w, "Invalid width", http.StatusBadRequest)
			return
		}
	}

	var buf bytes.Buffer
	if err := thumbnail(&buf, result.Pages[page-1].PNG, width); err != nil {
		slog.Error("Error rendering preview", "filename", result.Filename, "page", page, "error", err)
		corsError(w, "Error rendering preview", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}
