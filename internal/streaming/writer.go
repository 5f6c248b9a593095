package streaming

import (
	"fmt"
	"net/http"
	"sync"
)

// Writer writes SSE frames to a client and flushes after each one. After the first
// write error the client is considered gone and further writes are dropped.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
	err     error
}

// NewWriter wraps w. It fails when w cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders sets the SSE response headers. Call before Start.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	h.Del("Content-Length")
}

// Start writes the status line once.
func (w *Writer) Start(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	SetHeaders(w.w.Header())
	w.w.WriteHeader(status)
	w.started = true
	w.flusher.Flush()
}

// WriteRaw writes bytes as-is.
func (w *Writer) WriteRaw(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(p)
}

// WriteData writes one "data:" frame.
func (w *Writer) WriteData(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := make([]byte, 0, len(SSEDataPrefix)+len(data)+2)
	frame = append(frame, SSEDataPrefix...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return w.write(frame)
}

// WriteEvent writes a named event.
func (w *Writer) WriteEvent(name string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := make([]byte, 0, len(name)+len(data)+16)
	if name != "" {
		frame = append(frame, "event: "...)
		frame = append(frame, name...)
		frame = append(frame, '\n')
	}
	frame = append(frame, SSEDataPrefix...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return w.write(frame)
}

// WriteDone writes the [DONE] terminator.
func (w *Writer) WriteDone() error {
	return w.WriteData([]byte(SSEDone))
}

// Err returns the first write error, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) write(p []byte) error {
	if w.err != nil {
		return w.err
	}
	if !w.started {
		SetHeaders(w.w.Header())
		w.w.WriteHeader(http.StatusOK)
		w.started = true
	}
	if _, err := w.w.Write(p); err != nil {
		w.err = err
		return err
	}
	w.flusher.Flush()
	return nil
}
