package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shipkit/shiplog/internal/model"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SSEWriter writes records as Server-Sent Events.
type SSEWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSEWriter sets the event-stream headers, sends the reconnect hint, and
// flushes so the client sees the connection open immediately.
//
// The writer may be wrapped by middleware as long as the wrappers expose
// Unwrap, which http.ResponseController follows to find the flusher.
func NewSSEWriter(w http.ResponseWriter, retry time.Duration) (*SSEWriter, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSEWriter{w: w, rc: http.NewResponseController(w)}
	if retry > 0 {
		if _, err := fmt.Fprintf(w, "retry: %d\n\n", retry.Milliseconds()); err != nil {
			return nil, err
		}
	}
	if err := s.rc.Flush(); err != nil {
		if errors.Is(err, http.ErrNotSupported) {
			return nil, ErrStreamingUnsupported
		}
		return nil, err
	}
	return s, nil
}

func (s *SSEWriter) Send(rec model.LogRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %s\ndata: %s\n\n", EventID(model.Cursor{}.After(rec)), data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *SSEWriter) Heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}
