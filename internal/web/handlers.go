package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/vn-invoice-extractor/internal/export"
	"github.com/zombor/vn-invoice-extractor/internal/invoice"
	"github.com/zombor/vn-invoice-extractor/internal/scanning"
)

const (
	maxFormSize = int64(100 << 20) // 100MB across all uploaded invoices
	maxDelay    = 2 * time.Second
)

// fileSummary is the compact per-file view shown after a batch
type fileSummary struct {
	Index          int     `json:"index"`
	Filename       string  `json:"filename"`
	Success        bool    `json:"success"`
	Error          string  `json:"error,omitempty"`
	Pages          int     `json:"pages"`
	InvoiceNumber  string  `json:"invoice_number,omitempty"`
	InvoiceDate    string  `json:"invoice_date,omitempty"`
	SellerName     string  `json:"seller_name,omitempty"`
	SellerTaxCode  string  `json:"seller_tax_code,omitempty"`
	BuyerName      string  `json:"buyer_name,omitempty"`
	BuyerTaxCode   string  `json:"buyer_tax_code,omitempty"`
	TotalBeforeVAT float64 `json:"total_before_vat"`
	TotalVAT       float64 `json:"total_vat"`
	TotalAfterVAT  float64 `json:"total_after_vat"`
	Items          int     `json:"items"`
	Warnings       int     `json:"warnings"`
}

type batchSummary struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Files     []fileSummary `json:"files"`
}

func summarize(session *invoice.BatchSession) batchSummary {
	total, succeeded, failed := session.Counts()
	files := make([]fileSummary, 0, len(session.Results))
	for i, r := range session.Results {
		fs := fileSummary{
			Index:    i,
			Filename: r.Filename,
			Success:  r.Success,
			Error:    r.Error,
			Pages:    len(r.Pages),
		}
		if r.Success {
			d := r.Data
			fs.InvoiceNumber = invoice.FormatInvoiceNumber(d["invoice_series"], d["invoice_number"])
			fs.InvoiceDate = d.Text("invoice_date")
			fs.SellerName = d.Text("seller_name")
			fs.SellerTaxCode = d.Text("seller_tax_code")
			fs.BuyerName = d.Text("buyer_name")
			fs.BuyerTaxCode = d.Text("buyer_tax_code")
			fs.TotalBeforeVAT = d.Number("total_before_vat")
			fs.TotalVAT = d.Number("total_vat")
			fs.TotalAfterVAT = d.Number("total_after_vat")
			fs.Items = len(d.Items())
			fs.Warnings = len(d.Warnings())
		}
		files = append(files, fs)
	}
	return batchSummary{
		ID:        session.ID,
		CreatedAt: session.CreatedAt,
		Total:     total,
		Succeeded: succeeded,
		Failed:    failed,
		Files:     files,
	}
}

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON {"error": ...} body
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// handleCreateBatch uploads invoice files and processes them in one batch
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "Upload is too large. Maximum total size is 100MB."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		jsonError(w, "No files were selected. Please choose one or more invoice PDFs.", http.StatusBadRequest)
		return
	}

	files := make([]invoice.File, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			slog.Error("Error opening uploaded file", "error", err, "filename", header.Filename)
			jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}

		contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = scanning.ContentTypeForName(header.Filename)
		}
		files = append(files, invoice.File{Name: header.Filename, Data: data, ContentType: contentType})
	}

	opts := invoice.Options{
		Scanner:        s.cfg.Scanner,
		Delay:          s.cfg.Delay,
		ExtractTimeout: s.cfg.ExtractTimeout,
		Progress: func(current, total int, filename string) {
			slog.Info("Processing invoice", "current", current, "total", total, "filename", filename)
			s.progress.update(current, total, filename)
		},
	}
	if key := strings.TrimSpace(r.FormValue("api_key")); key != "" {
		opts.Scanner.APIKey = key
	}
	if raw := r.FormValue("delay"); raw != "" {
		delay, err := parseDelay(raw)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts.Delay = delay
	}

	session := invoice.NewBatchSession()

	s.runMu.Lock()
	s.progress.start(len(files))
	err := s.runner.Run(r.Context(), session, files, opts)
	s.progress.finish()
	s.runMu.Unlock()
	if err != nil {
		slog.Error("Batch processing failed", "error", err)
		jsonError(w, fmt.Sprintf("Batch processing failed: %v", err), http.StatusBadGateway)
		return
	}

	s.sessions.Put(session)
	writeJSON(w, http.StatusCreated, summarize(session))
}

// parseDelay reads a delay in seconds, bounded to 0..2s
func parseDelay(raw string) (time.Duration, error) {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: must be a number of seconds", raw)
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < 0 || d > maxDelay {
		return 0, fmt.Errorf("delay must be between 0 and %v", maxDelay)
	}
	return d, nil
}

// handleListBatches returns summaries of the batches kept in memory
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	summaries := make([]batchSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, summarize(session))
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleGetBatch returns one batch summary
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		corsError(w, "Batch not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summarize(session))
}

// handleDeleteBatch drops a batch from memory
func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Delete(r.PathValue("id")) {
		corsError(w, "Batch not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookupResult resolves the {id} and {index} path values
func (s *Server) lookupResult(w http.ResponseWriter, r *http.Request) (*invoice.Result, bool) {
	session, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		corsError(w, "Batch not found", http.StatusNotFound)
		return nil, false
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 || index >= len(session.Results) {
		corsError(w, "Result not found", http.StatusNotFound)
		return nil, false
	}
	return &session.Results[index], true
}

// handleGetResult returns the full extracted data of one file, warnings included
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, ok := s.lookupResult(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleExport builds the spreadsheet from the successful results of a batch.
// A POST may carry a "template" workbook to fill instead of the default one.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		corsError(w, "Batch not found", http.StatusNotFound)
		return
	}

	template := s.cfg.Template
	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			jsonError(w, "Error parsing form", http.StatusBadRequest)
			return
		}
		if f, _, err := r.FormFile("template"); err == nil {
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				jsonError(w, "Error reading template. Please try again.", http.StatusInternalServerError)
				return
			}
			template = data
		}
	}

	records := session.ExportRecords()
	if len(records) == 0 {
		jsonError(w, "No successfully extracted invoices to export.", http.StatusConflict)
		return
	}

	data, err := s.writer.Write(records, template)
	if err != nil {
		slog.Error("Error generating workbook", "session_id", session.ID, "error", err)
		jsonError(w, fmt.Sprintf("Error generating Excel: %v", err), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.DownloadFilename(s.now())))
	w.Write(data)
}
