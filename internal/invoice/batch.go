package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/vn-invoice-extractor/internal/scanning"
)

// State is a step of the per-file pipeline
type State string

const (
	StatePending     State = "pending"
	StateRasterizing State = "rasterizing"
	StateExtracting  State = "extracting"
	StateParsing     State = "parsing"
	StateNormalizing State = "normalizing"
	StateValidating  State = "validating"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Rasterizer turns a document into PNG pages
type Rasterizer interface {
	Rasterize(data []byte, contentType string) ([]scanning.Page, error)
}

// Opener creates the extractor shared by one batch
type Opener func(ctx context.Context, cfg scanning.Config) (scanning.Extractor, error)

// Sleeper pauses between files
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ProgressFunc is called before each file with its 1-based position
type ProgressFunc func(current, total int, filename string)

// Options configures one batch run
type Options struct {
	Scanner        scanning.Config
	Progress       ProgressFunc
	Delay          time.Duration // pause after every file but the last
	ExtractTimeout time.Duration // 0 means the extraction call has no deadline
	HeaderSchema   Schema        // defaults to InvoiceSchema
	ItemSchema     Schema        // defaults to ItemSchema
}

// BatchSession holds the results of one batch; it is owned by the caller
type BatchSession struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Complete  bool      `json:"complete"`
	Results   []Result  `json:"results"`
}

// NewBatchSession creates an empty session with a fresh ID
func NewBatchSession() *BatchSession {
	return &BatchSession{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
	}
}

// Counts returns the number of processed, successful and failed files
func (s *BatchSession) Counts() (total, succeeded, failed int) {
	for _, r := range s.Results {
		if r.Success {
			succeeded++
		}
	}
	total = len(s.Results)
	return total, succeeded, total - succeeded
}

// Succeeded returns the successful results in batch order
func (s *BatchSession) Succeeded() []Result {
	out := make([]Result, 0, len(s.Results))
	for _, r := range s.Results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

// ExportRecords copies the successful records for the spreadsheet,
// with invoice_number prefixed by its series
func (s *BatchSession) ExportRecords() []Record {
	records := make([]Record, 0, len(s.Results))
	for _, r := range s.Succeeded() {
		data, _ := deepCopy(map[string]any(r.Data)).(map[string]any)
		rec := Record(data)
		if rec == nil {
			rec = Record{}
		}
		rec["invoice_number"] = FormatInvoiceNumber(rec["invoice_series"], rec["invoice_number"])
		records = append(records, rec)
	}
	return records
}

type contextSleeper struct{}

func (contextSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Processor drives files one at a time through rasterize, extract, parse,
// normalize and validate
type Processor struct {
	rasterizer Rasterizer
	open       Opener
	sleeper    Sleeper
	logger     *slog.Logger
}

// NewProcessor creates a Processor that opens extractors with scanning.Open
func NewProcessor(rasterizer Rasterizer, logger *slog.Logger) *Processor {
	return NewProcessorWithDeps(rasterizer, scanning.Open, contextSleeper{}, logger)
}

// NewProcessorWithDeps creates a Processor with custom dependencies for testing
func NewProcessorWithDeps(rasterizer Rasterizer, open Opener, sleeper Sleeper, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		rasterizer: rasterizer,
		open:       open,
		sleeper:    sleeper,
		logger:     logger,
	}
}

// Run processes files in order and stores one result per file in session.
// A file's failure is recorded in its result and never stops the batch; only a
// failure to open the extractor aborts the run.
func (p *Processor) Run(ctx context.Context, session *BatchSession, files []File, opts Options) error {
	if session == nil {
		return errors.New("batch session is required")
	}
	if opts.HeaderSchema == nil {
		opts.HeaderSchema = InvoiceSchema
	}
	if opts.ItemSchema == nil {
		opts.ItemSchema = ItemSchema
	}

	extractor, err := p.open(ctx, opts.Scanner)
	if err != nil {
		return fmt.Errorf("opening extractor: %w", err)
	}
	defer extractor.Close()

	total := len(files)
	session.Results = make([]Result, 0, total)
	session.Complete = false

	start := time.Now()
	for i, f := range files {
		if opts.Progress != nil {
			opts.Progress(i+1, total, f.Name)
		}

		session.Results = append(session.Results, p.process(ctx, extractor, f, opts))

		if i < total-1 && opts.Delay > 0 {
			if err := p.sleeper.Sleep(ctx, opts.Delay); err != nil {
				p.logger.Warn("Batch delay interrupted", "error", err)
			}
		}
	}
	session.Complete = true

	_, succeeded, failed := session.Counts()
	p.logger.Info("Batch complete",
		"session_id", session.ID,
		"files", total,
		"succeeded", succeeded,
		"failed", failed,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// process runs one file to its terminal state
func (p *Processor) process(ctx context.Context, extractor scanning.Extractor, f File, opts Options) Result {
	logger := p.logger.With("filename", f.Name)
	result := Result{Filename: f.Name}

	state := StatePending
	enter := func(next State) {
		logger.Debug("Invoice state", "from", state, "to", next)
		state = next
	}
	fail := func(err error) Result {
		logger.Error("Failed to process invoice", "state", state, "file_size", len(f.Data), "error", err)
		enter(StateFailed)
		result.Error = err.Error()
		return result
	}

	enter(StateRasterizing)
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("cancelled: %w", err))
	}
	pages, err := p.rasterizer.Rasterize(f.Data, f.ContentType)
	if err != nil {
		var rasterErr *scanning.RasterizationError
		if !errors.As(err, &rasterErr) {
			err = &scanning.RasterizationError{Err: err}
		}
		return fail(err)
	}

	enter(StateExtracting)
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("cancelled: %w", err))
	}
	text, err := p.extract(ctx, extractor, pages, opts.ExtractTimeout)
	if err != nil {
		return fail(&scanning.ExtractionError{Err: err})
	}

	enter(StateParsing)
	data, err := scanning.ParseResponse(text)
	if err != nil {
		return fail(err)
	}

	enter(StateNormalizing)
	normalized := Normalize(Record(data))

	enter(StateValidating)
	if valid, warnings := Validate(normalized, opts.HeaderSchema, opts.ItemSchema); !valid {
		logger.Warn("Invoice has validation warnings", "count", len(warnings))
		normalized[WarningsField] = warnings
	}

	enter(StateDone)
	result.Success = true
	result.Data = normalized
	result.Pages = pages
	logger.Info("Invoice extracted", "pages", len(pages), "items", len(normalized.Items()))
	return result
}

func (p *Processor) extract(ctx context.Context, extractor scanning.Extractor, pages []scanning.Page, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	images := make([][]byte, len(pages))
	for i, page := range pages {
		images[i] = page.PNG
	}
	return extractor.Extract(ctx, scanning.InvoicePrompt, images)
}
