package scanning

import (
	"context"
	"fmt"
)

// Extractor sends page images to an AI vision service and returns its raw text response
type Extractor interface {
	// Extract submits the prompt and the PNG-encoded pages, in order
	Extract(ctx context.Context, prompt string, pages [][]byte) (string, error)
	// Close closes the extractor and releases resources
	Close() error
}

// Config selects and configures the extraction provider
type Config struct {
	Provider    string // "gemini" or "ollama"
	APIKey      string
	Model       string
	OllamaURL   string
	OllamaModel string
}

// Open creates an Extractor for the configured provider.
// One extractor is meant to be shared by every file of a batch.
func Open(ctx context.Context, cfg Config) (Extractor, error) {
	switch cfg.Provider {
	case "", "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model)
	case "ollama":
		return NewOllama(cfg.OllamaURL, cfg.OllamaModel)
	default:
		return nil, fmt.Errorf("unknown scanner provider %q (valid: gemini or ollama)", cfg.Provider)
	}
}

// RasterizationError reports an unreadable or empty document
type RasterizationError struct {
	Err error
}

func (e *RasterizationError) Error() string {
	return fmt.Sprintf("rasterizing document: %v", e.Err)
}

func (e *RasterizationError) Unwrap() error { return e.Err }

// ExtractionError reports a failed call to the extraction service
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction service error: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ParseError reports a response that could not be decoded as a JSON object.
// Response holds the start of the offending text.
type ParseError struct {
	Err      error
	Response string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse response as JSON: %v\nResponse: %s", e.Err, e.Response)
}

func (e *ParseError) Unwrap() error { return e.Err }
