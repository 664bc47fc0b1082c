package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/jonathan/testplan-agent/internal/types"
)

var errStreamClosed = errors.New("event stream closed")

// SSEWriter writes numbered Server-Sent Events. After Close or the first
// failed write every later write is dropped. It is safe for concurrent use.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	seq     int
	broken  bool
}

// NewSSEWriter sets the streaming headers on w.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends data as JSON under the given event name.
func (s *SSEWriter) WriteEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return errStreamClosed
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, event, payload); err != nil {
		s.broken = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteError sends an "error" event.
func (s *SSEWriter) WriteError(message string) {
	_ = s.WriteEvent("error", errorBody{Error: message})
}

// WriteComplete sends the final "complete" event of a run.
func (s *SSEWriter) WriteComplete(runID string, status types.RunStatus) {
	_ = s.WriteEvent("complete", struct {
		RunID  string          `json:"run_id"`
		Status types.RunStatus `json:"status"`
	}{runID, status})
}

// Close stops all further writes. Handlers defer it so that progress from
// goroutines outliving the request never touches the ResponseWriter.
func (s *SSEWriter) Close() {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
}
