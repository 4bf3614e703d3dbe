package web

import (
	"net/http"
	"sync"
)

// progressStatus is what the UI polls while a batch is running
type progressStatus struct {
	Running  bool   `json:"running"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	Filename string `json:"filename,omitempty"`
}

// batchProgress tracks the file the running batch is working on
type batchProgress struct {
	mu     sync.Mutex
	status progressStatus
}

func (p *batchProgress) start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = progressStatus{Running: true, Total: total}
}

func (p *batchProgress) update(current, total int, filename string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = progressStatus{Running: true, Current: current, Total: total, Filename: filename}
}

func (p *batchProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = progressStatus{}
}

func (p *batchProgress) snapshot() progressStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// handleProgress reports the position of the running batch, if any
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.progress.snapshot())
}
