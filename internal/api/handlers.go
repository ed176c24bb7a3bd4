package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/opflow/internal/definition"
	"github.com/rendis/opflow/internal/service"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/trigger"
	"github.com/rendis/opflow/pkg/schema"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// --- Definitions ---

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Service.ListDefinitions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if defs == nil {
		defs = []*schema.WorkflowDefinition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if !s.decode(w, r, &def) {
		return
	}
	out, err := s.deps.Service.CreateDraft(r.Context(), &def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	version, err := queryInt(r, "version", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.deps.Service.GetDefinition(r.Context(), r.PathValue("id"), version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	var patch definition.Patch
	if !s.decode(w, r, &patch) {
		return
	}
	out, err := s.deps.Service.UpdateDraft(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Service.Publish(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Runs ---

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TriggerID string          `json:"trigger_id"`
		Input     json.RawMessage `json:"input"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	run, err := s.deps.Service.RunWorkflow(r.Context(), service.RunWorkflowRequest{
		WorkflowID: r.PathValue("id"),
		TriggerID:  body.TriggerID,
		Input:      body.Input,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.ListRunsRequest{Where: q.Get("where")}
	req.WorkflowID = q.Get("workflow_id")
	req.TriggerKind = schema.TriggerKind(q.Get("trigger_kind"))
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			req.Statuses = append(req.Statuses, schema.RunStatus(strings.TrimSpace(st)))
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "since must be RFC3339: %v", err))
			return
		}
		req.Since = &t
	}
	var err error
	if req.Limit, err = queryInt(r, "limit", 0); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.writeError(w, err)
		return
	}

	runs, err := s.deps.Service.ListRuns(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*schema.WorkflowRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handlePollRun(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Service.PollRunNow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunDetails(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Service.GetRunDetails(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt64(r, "since")
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.deps.Service.GetEvents(r.Context(), r.PathValue("id"), since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleReplayRun replays to the event index in ?cursor=, or the whole
// history when it is absent.
func (s *Server) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	cursor := store.ReplayAll
	if r.URL.Query().Has("cursor") {
		var err error
		if cursor, err = queryInt64(r, "cursor"); err != nil {
			s.writeError(w, err)
			return
		}
	}
	state, err := s.deps.Service.ReplayRun(r.Context(), r.PathValue("id"), cursor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	s.signalRun(w, r, s.deps.Service.PauseRun)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	s.signalRun(w, r, s.deps.Service.ResumeRun)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	s.signalRun(w, r, s.deps.Service.CancelRun)
}

func (s *Server) signalRun(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, runID string) (*schema.WorkflowRun, error)) {
	run, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Triggers and schedules ---

func (s *Server) handleEvaluateTrigger(w http.ResponseWriter, r *http.Request) {
	var req trigger.Request
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.deps.Service.EvaluateTriggerMessage(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Service.ListScheduledTasks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleScheduleHealth(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Service.GetScheduleHealth(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Service.Status())
}

// --- Helpers ---

// decode reads a JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %v", err).WithCause(err))
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes err as a JSON FlowError with a status derived from its code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		fe = schema.NewError(schema.ErrCodeStore, err.Error())
	}
	status := statusFor(fe.Code)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.Error("api request failed", "code", fe.Code, "error", err)
	}
	writeJSON(w, status, map[string]any{"error": fe})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeExpression:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
// --- Diagrams ---

func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	version, err := queryInt(r, "version", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeDiagram(w, r, service.DiagramRequest{WorkflowID: r.PathValue("id"), Version: version})
}

func (s *Server) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	s.writeDiagram(w, r, service.DiagramRequest{RunID: r.PathValue("id")})
}

func (s *Server) writeDiagram(w http.ResponseWriter, r *http.Request, req service.DiagramRequest) {
	req.Format = r.URL.Query().Get("format")
	out, err := s.deps.Service.Diagram(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryInt64(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "%s must be a non-negative integer", key)
	}
	return n, nil
}
