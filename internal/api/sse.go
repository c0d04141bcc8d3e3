package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"leaveamark.com/rag-server/internal/core"
)

// sseWriter frames core events as text/event-stream messages.
type sseWriter struct {
	w           http.ResponseWriter
	rc          *http.ResponseController
	wroteHeader bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	// Answers can outlive the server write timeout.
	_ = s.rc.SetWriteDeadline(time.Time{})
	s.wroteHeader = true
}

// lineBreaks maps every SSE line terminator to LF.
var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Send writes one event and flushes it. Each line of multi-line data gets its
// own data field so clients reassemble it with the newlines intact. A bare CR
// also ends a line on the wire, so it is split the same way.
func (s *sseWriter) Send(e core.Event) error {
	if !s.wroteHeader {
		s.start()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", e.Type)
	for _, line := range strings.Split(lineBreaks.Replace(e.Data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')

	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}
	return nil
}
