package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rendis/opflow/internal/streaming"
)

// handleSSERun streams the events of one run. Persisted events after the
// Last-Event-ID header (or ?since=) are sent first, then live events.
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	since, err := queryInt64(r, "since")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			since = n
		}
	}
	s.serveSSE(w, r, streaming.EventFilter{RunID: runID}, runID, since)
}

// handleSSEWorkflow streams live events for every run of a workflow.
func (s *Server) handleSSEWorkflow(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{WorkflowID: r.PathValue("id")}, "", 0)
}

// serveSSE is the common SSE implementation. When backlogRun is set the
// subscription is opened before the backlog is read, and live events already
// covered by the backlog are skipped by sequence.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter, backlogRun string, since int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	var backlog []streaming.StreamEvent
	if backlogRun != "" {
		events, err := s.deps.Service.GetEvents(r.Context(), backlogRun, since)
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, e := range events {
			backlog = append(backlog, streaming.StreamEvent{
				RunID:     e.RunID,
				NodeID:    e.NodeID,
				Sequence:  e.Sequence,
				EventType: e.Type,
				Payload:   e.Payload,
			})
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	last := since
	for _, e := range backlog {
		writeEvent(w, e)
		last = e.Sequence
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if backlogRun != "" {
				if event.Sequence <= last {
					continue
				}
				last = event.Sequence
			}
			writeEvent(w, event)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event streaming.StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.EventType, data)
}
