package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zombor/vn-invoice-extractor/internal/invoice"
	"github.com/zombor/vn-invoice-extractor/internal/scanning"
)

// BatchRunner processes a batch of files into a session
type BatchRunner interface {
	Run(ctx context.Context, session *invoice.BatchSession, files []invoice.File, opts invoice.Options) error
}

// WorkbookWriter renders records into spreadsheet bytes
type WorkbookWriter interface {
	Write(records []invoice.Record, template []byte) ([]byte, error)
}

// Config holds the defaults applied to every batch started from the web interface
type Config struct {
	Scanner        scanning.Config
	Delay          time.Duration
	ExtractTimeout time.Duration
	Template       []byte // default export template; nil uses the built-in one
}

// Server handles HTTP requests for invoice batches
type Server struct {
	runner   BatchRunner
	writer   WorkbookWriter
	sessions *SessionStore
	cfg      Config
	mux      *http.ServeMux
	now      func() time.Time

	// one batch at a time talks to the extraction service
	runMu sync.Mutex

	progress batchProgress
}

// NewServer creates a new Server with default mux
func NewServer(runner BatchRunner, writer WorkbookWriter, cfg Config) *Server {
	return NewServerWithMux(runner, writer, cfg, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(runner BatchRunner, writer WorkbookWriter, cfg Config, mux *http.ServeMux) *Server {
	s := &Server{
		runner:   runner,
		writer:   writer,
		sessions: NewSessionStore(defaultMaxSessions),
		cfg:      cfg,
		mux:      mux,
		now:      time.Now,
	}
	s.registerRoutes()
	return s
}

// Sessions exposes the in-memory session store
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /static/app.css", s.handleStaticCSS)
	s.mux.HandleFunc("GET /static/app.js", s.handleStaticJS)

	s.mux.HandleFunc("GET /api/batches/{id}/results/{index}/pages/{page}", s.handlePagePreview)
	s.mux.HandleFunc("GET /api/batches/{id}/results/{index}", s.handleGetResult)
	s.mux.HandleFunc("GET /api/batches/{id}/export", s.handleExport)
	s.mux.HandleFunc("POST /api/batches/{id}/export", s.handleExport)
	s.mux.HandleFunc("GET /api/batches/{id}", s.handleGetBatch)
	s.mux.HandleFunc("DELETE /api/batches/{id}", s.handleDeleteBatch)
	s.mux.HandleFunc("GET /api/progress", s.handleProgress)
	s.mux.HandleFunc("GET /api/batches", s.handleListBatches)
	s.mux.HandleFunc("POST /api/batches", s.handleCreateBatch)

	// Static HTML interface (register last as it's the catch-all)
	s.mux.HandleFunc("GET /index.html", s.handleIndex)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.corsMiddleware(s.mux))
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
