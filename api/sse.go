package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/LJN-sisi/feedback-agent/event"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// handleProcessStream submits a feedback and streams its progress as
// server-sent events. The stream terminates with done after complete or
// error. A client disconnect closes only the subscription; the pipeline
// runs to its own terminal state.
func (s *Server) handleProcessStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req processRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	_, _, stream, err := s.submit(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			// Subscriber is gone; detach without touching the pipeline.
			stream.Close()
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				stream.Close()
				return
			}
			flusher.Flush()

		case e, open := <-stream.Events():
			if !open {
				return
			}
			if err := writeSSEEvent(w, e); err != nil {
				stream.Close()
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one event in SSE wire format.
func writeSSEEvent(w http.ResponseWriter, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data)
	return err
}
