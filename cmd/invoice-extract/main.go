package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/vn-invoice-extractor/internal/export"
	"github.com/zombor/vn-invoice-extractor/internal/invoice"
	"github.com/zombor/vn-invoice-extractor/internal/scanning"
	"github.com/zombor/vn-invoice-extractor/internal/web"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is fine
	_ = godotenv.Load()

	fs := ff.NewFlagSet("invoice-extract")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		scannerType    = fs.StringLong("scanner", "gemini", "Extraction service: 'gemini' or 'ollama'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", scanning.DefaultGeminiModel, "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "qwen2-vl", "Ollama vision model name")
		dpi            = fs.Float64Long("dpi", scanning.DefaultDPI, "Rasterization resolution for PDF pages")
		delay          = fs.DurationLong("delay", 500*time.Millisecond, "Pause between files to respect rate limits")
		extractTimeout = fs.DurationLong("extract-timeout", 0, "Deadline for one extraction call (0 disables it)")
		mappingPath    = fs.StringLong("mapping", "", "YAML column mapping for the spreadsheet (optional)")
		templatePath   = fs.StringLong("template", "", "Excel template to fill (optional)")
		outPath        = fs.StringLong("out", "", "Output workbook path when files are given (default: timestamped name)")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_EXTRACT"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	apiKey := *geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	scannerCfg := scanning.Config{
		Provider:    *scannerType,
		APIKey:      apiKey,
		Model:       *geminiModel,
		OllamaURL:   *ollamaURL,
		OllamaModel: *ollamaModel,
	}

	mapping := export.DefaultMapping()
	if *mappingPath != "" {
		var err error
		mapping, err = export.LoadMapping(*mappingPath)
		if err != nil {
			slog.Error("Failed to load column mapping", "path", *mappingPath, "error", err)
			os.Exit(1)
		}
	}

	var template []byte
	if *templatePath != "" {
		var err error
		template, err = os.ReadFile(*templatePath)
		if err != nil {
			slog.Error("Failed to read template", "path", *templatePath, "error", err)
			os.Exit(1)
		}
	}

	processor := invoice.NewProcessor(scanning.NewRasterizer(*dpi), slog.Default())
	writer := export.NewWriter(mapping, slog.Default())

	if files := fs.GetArgs(); len(files) > 0 {
		opts := invoice.Options{
			Scanner:        scannerCfg,
			Delay:          *delay,
			ExtractTimeout: *extractTimeout,
		}
		if err := runOnce(processor, writer, files, opts, template, *outPath); err != nil {
			slog.Error("Batch failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if scannerCfg.Provider == "gemini" && scannerCfg.APIKey == "" {
		slog.Warn("No Gemini API key configured; each upload must provide one")
	}

	server := web.NewServer(processor, writer, web.Config{
		Scanner:        scannerCfg,
		Delay:          *delay,
		ExtractTimeout: *extractTimeout,
		Template:       template,
	})

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "scanner", scannerCfg.Provider)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

// runOnce processes the named files as one batch and writes the workbook
func runOnce(processor *invoice.Processor, writer *export.Writer, paths []string, opts invoice.Options, template []byte, out string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files := make([]invoice.File, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		name := filepath.Base(path)
		files = append(files, invoice.File{Name: name, Data: data, ContentType: scanning.ContentTypeForName(name)})
	}

	opts.Progress = func(current, total int, filename string) {
		slog.Info("Processing invoice", "current", current, "total", total, "filename", filename)
	}

	session := invoice.NewBatchSession()
	if err := processor.Run(ctx, session, files, opts); err != nil {
		return err
	}

	for _, r := range session.Results {
		switch {
		case !r.Success:
			slog.Error("Extraction failed", "filename", r.Filename, "error", r.Error)
		case len(r.Data.Warnings()) > 0:
			slog.Warn("Extracted with warnings", "filename", r.Filename, "warnings", r.Data.Warnings())
		default:
			slog.Info("Extracted", "filename", r.Filename, "invoice_number", invoice.FormatInvoiceNumber(r.Data["invoice_series"], r.Data["invoice_number"]))
		}
	}

	records := session.ExportRecords()
	if len(records) == 0 {
		return fmt.Errorf("no invoices were extracted successfully")
	}

	data, err := writer.Write(records, template)
	if err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	if out == "" {
		out = export.DownloadFilename(time.Now())
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("saving workbook: %w", err)
	}

	total, succeeded, failed := session.Counts()
	slog.Info("Workbook written", "path", out, "total", total, "succeeded", succeeded, "failed", failed)
	return nil
}
