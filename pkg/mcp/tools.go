package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/opflow/internal/definition"
	"github.com/rendis/opflow/internal/service"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/trigger"
	"github.com/rendis/opflow/pkg/schema"
)

// --- Definitions ---

func (s *Server) handleCreateDraft(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var def schema.WorkflowDefinition
	if res := decodeArg(req, "definition", &def); res != nil {
		return res, nil
	}
	out, err := s.ops.CreateDraft(ctx, &def)
	if err != nil {
		return s.errorResult("create draft", err), nil
	}
	return marshalResult(out)
}

func (s *Server) handleUpdateDraft(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	var patch definition.Patch
	if res := decodeArg(req, "patch", &patch); res != nil {
		return res, nil
	}
	out, err := s.ops.UpdateDraft(ctx, id, patch)
	if err != nil {
		return s.errorResult("update draft", err), nil
	}
	return marshalResult(out)
}

func (s *Server) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	out, err := s.ops.Publish(ctx, id)
	if err != nil {
		return s.errorResult("publish", err), nil
	}
	return marshalResult(out)
}

func (s *Server) handleGetDefinition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	out, err := s.ops.GetDefinition(ctx, id, extractInt(req.GetArguments(), "version", 0))
	if err != nil {
		return s.errorResult("get definition", err), nil
	}
	return marshalResult(out)
}

func (s *Server) handleListDefinitions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs, err := s.ops.ListDefinitions(ctx)
	if err != nil {
		return s.errorResult("list definitions", err), nil
	}
	if defs == nil {
		defs = []*schema.WorkflowDefinition{}
	}
	return marshalResult(map[string]any{"definitions": defs})
}

// --- Runs ---

func (s *Server) handleRunWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	var input json.RawMessage
	if raw, ok := req.GetArguments()["input"]; ok && raw != nil {
		if input, err = json.Marshal(raw); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", err)), nil
		}
	}
	run, err := s.ops.RunWorkflow(ctx, service.RunWorkflowRequest{
		WorkflowID: id,
		TriggerID:  req.GetString("trigger_id", ""),
		Input:      input,
	})
	if err != nil {
		return s.errorResult("run workflow", err), nil
	}
	return marshalResult(run)
}

func (s *Server) handlePauseRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withRun(ctx, req, "pause run", func(ctx context.Context, id string) (any, error) {
		return s.ops.PauseRun(ctx, id)
	})
}

func (s *Server) handleResumeRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withRun(ctx, req, "resume run", func(ctx context.Context, id string) (any, error) {
		return s.ops.ResumeRun(ctx, id)
	})
}

func (s *Server) handleCancelRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withRun(ctx, req, "cancel run", func(ctx context.Context, id string) (any, error) {
		return s.ops.CancelRun(ctx, id)
	})
}

func (s *Server) handlePollRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withRun(ctx, req, "poll run", func(ctx context.Context, id string) (any, error) {
		return s.ops.PollRunNow(ctx, id)
	})
}

func (s *Server) handleRunDetails(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withRun(ctx, req, "get run details", func(ctx context.Context, id string) (any, error) {
		return s.ops.GetRunDetails(ctx, id)
	})
}

func (s *Server) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)
	lr := service.ListRunsRequest{Where: req.GetString("where", "")}
	lr.Limit = extractInt(filter, "limit", 50)
	lr.Offset = extractInt(filter, "offset", 0)
	if wfID, ok := filter["workflow_id"].(string); ok {
		lr.WorkflowID = wfID
	}
	if kind, ok := filter["trigger_kind"].(string); ok {
		lr.TriggerKind = schema.TriggerKind(kind)
	}
	switch v := filter["status"].(type) {
	case string:
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				lr.Statuses = append(lr.Statuses, schema.RunStatus(st))
			}
		}
	case []any:
		for _, st := range v {
			if str, ok := st.(string); ok {
				lr.Statuses = append(lr.Statuses, schema.RunStatus(str))
			}
		}
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		lr.Since = &t
	}

	runs, err := s.ops.ListRuns(ctx, lr)
	if err != nil {
		return s.errorResult("list runs", err), nil
	}
	if runs == nil {
		runs = []*schema.WorkflowRun{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *Server) handleGetEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	since := int64(extractInt(req.GetArguments(), "since", 0))
	return s.withRun(ctx, req, "get events", func(ctx context.Context, id string) (any, error) {
		events, err := s.ops.GetEvents(ctx, id, since)
		if err != nil {
			return nil, err
		}
		cursor := since
		if n := len(events); n > 0 {
			cursor = events[n-1].Sequence
		}
		return map[string]any{"events": events, "cursor": cursor}, nil
	})
}

func (s *Server) handleReplayRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cursor := int64(extractInt(req.GetArguments(), "cursor", int(store.ReplayAll)))
	return s.withRun(ctx, req, "replay run", func(ctx context.Context, id string) (any, error) {
		return s.ops.ReplayRun(ctx, id, cursor)
	})
}

// --- Triggers and schedules ---

func (s *Server) handleEvaluateTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("message is required"), nil
	}
	tr := trigger.Request{Message: message}
	if opts := mcp.ParseStringMap(req, "options", nil); opts != nil {
		if ids, ok := opts["workflow_ids"].([]any); ok {
			for _, id := range ids {
				if str, ok := id.(string); ok {
					tr.WorkflowIDs = append(tr.WorkflowIDs, str)
				}
			}
		}
		if th, ok := opts["activation_threshold"].(float64); ok {
			tr.ActivationThreshold = th
		}
		if auto, ok := opts["auto_run"].(bool); ok {
			tr.AutoRun = auto
		}
	}
	out, err := s.ops.EvaluateTriggerMessage(ctx, tr)
	if err != nil {
		return s.errorResult("evaluate trigger", err), nil
	}
	return marshalResult(out)
}

func (s *Server) handleListSchedules(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.ops.ListScheduledTasks(ctx)
	if err != nil {
		return s.errorResult("list schedules", err), nil
	}
	return marshalResult(map[string]any{"schedules": tasks})
}

func (s *Server) handleScheduleHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	out, err := s.ops.GetScheduleHealth(ctx, id)
	if err != nil {
		return s.errorResult("schedule health", err), nil
	}
	return marshalResult(map[string]any{"schedules": out})
}

func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := s.ops.Diagram(ctx, service.DiagramRequest{
		WorkflowID: req.GetString("workflow_id", ""),
		Version:    extractInt(req.GetArguments(), "version", 0),
		RunID:      req.GetString("run_id", ""),
		Format:     req.GetString("format", ""),
	})
	if err != nil {
		return s.errorResult("diagram", err), nil
	}
	return mcp.NewToolResultText(out), nil
}

// --- Internal helpers ---

// withRun requires run_id and marshals the result of fn.
func (s *Server) withRun(ctx context.Context, req mcp.CallToolRequest, op string, fn func(context.Context, string) (any, error)) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	out, err := fn(ctx, id)
	if err != nil {
		return s.errorResult(op, err), nil
	}
	return marshalResult(out)
}

// decodeArg converts the object argument key into target. A non-nil result
// is the tool error to return.
func decodeArg(req mcp.CallToolRequest, key string, target any) *mcp.CallToolResult {
	raw := mcp.ParseStringMap(req, key, nil)
	if raw == nil {
		return mcp.NewToolResultError(key + " is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid %s: %v", key, err))
	}
	if err := json.Unmarshal(data, target); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid %s: %v", key, err))
	}
	return nil
}

// errorResult renders err as a tool error carrying the FlowError code.
func (s *Server) errorResult(op string, err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		s.logger.Error("tool call failed", "op", op, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
	}
	data, mErr := json.Marshal(map[string]any{"error": fe})
	if mErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
	}
	return mcp.NewToolResultError(string(data))
}

// extractInt safely extracts an integer from an argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
