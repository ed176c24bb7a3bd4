package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/definition"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/service"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/trigger"
	"github.com/rendis/opflow/pkg/schema"
)

// Operations is the workflow surface exposed as MCP tools.
// *service.Service implements it.
type Operations interface {
	CreateDraft(ctx context.Context, spec *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error)
	UpdateDraft(ctx context.Context, id string, patch definition.Patch) (*schema.WorkflowDefinition, error)
	Publish(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)

	RunWorkflow(ctx context.Context, req service.RunWorkflowRequest) (*schema.WorkflowRun, error)
	PauseRun(ctx context.Context, runID string) (*schema.WorkflowRun, error)
	ResumeRun(ctx context.Context, runID string) (*schema.WorkflowRun, error)
	CancelRun(ctx context.Context, runID string) (*schema.WorkflowRun, error)
	PollRunNow(ctx context.Context, runID string) (*schema.RunDetails, error)
	ListRuns(ctx context.Context, req service.ListRunsRequest) ([]*schema.WorkflowRun, error)
	GetRunDetails(ctx context.Context, runID string) (*service.RunDetails, error)
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error)
	ReplayRun(ctx context.Context, runID string, cursor int64) (*store.ReplayState, error)

	EvaluateTriggerMessage(ctx context.Context, req trigger.Request) (*trigger.Result, error)
	ListScheduledTasks(ctx context.Context) ([]scheduler.ScheduledTask, error)
	GetScheduleHealth(ctx context.Context, workflowID string) ([]scheduler.ScheduleHealth, error)

	Diagram(ctx context.Context, req service.DiagramRequest) (string, error)
}

var _ Operations = (*service.Service)(nil)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Ops     Operations
	Logger  *slog.Logger
	Version string
}

// Server wraps an MCP server with opflow tool handlers.
type Server struct {
	ops       Operations
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		ops:    deps.Ops,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"opflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("opflow runs linear agent workflows. Author drafts with opflow.create_draft and opflow.update_draft, "+
			"freeze them with opflow.publish, start runs with opflow.run_workflow or opflow.evaluate_trigger, "+
			"and follow progress with opflow.poll_run and opflow.get_events using the last sequence as cursor."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createDraftTool(), Handler: s.handleCreateDraft},
		{Tool: updateDraftTool(), Handler: s.handleUpdateDraft},
		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: getDefinitionTool(), Handler: s.handleGetDefinition},
		{Tool: listDefinitionsTool(), Handler: s.handleListDefinitions},
		{Tool: runWorkflowTool(), Handler: s.handleRunWorkflow},
		{Tool: runSignalTool("opflow.pause_run", "Request that a run pause at its next attempt boundary"), Handler: s.handlePauseRun},
		{Tool: runSignalTool("opflow.resume_run", "Resume a paused or failed_recoverable run"), Handler: s.handleResumeRun},
		{Tool: runSignalTool("opflow.cancel_run", "Cancel a run that has not finished"), Handler: s.handleCancelRun},
		{Tool: runSignalTool("opflow.poll_run", "Get the current run snapshot and its node runs"), Handler: s.handlePollRun},
		{Tool: runSignalTool("opflow.get_run_details", "Get a run with its node runs and full event history"), Handler: s.handleRunDetails},
		{Tool: listRunsTool(), Handler: s.handleListRuns},
		{Tool: getEventsTool(), Handler: s.handleGetEvents},
		{Tool: replayRunTool(), Handler: s.handleReplayRun},
		{Tool: evaluateTriggerTool(), Handler: s.handleEvaluateTrigger},
		{Tool: listSchedulesTool(), Handler: s.handleListSchedules},
		{Tool: scheduleHealthTool(), Handler: s.handleScheduleHealth},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func createDraftTool() mcp.Tool {
	return mcp.NewTool("opflow.create_draft",
		mcp.WithDescription("Create a workflow draft from a definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: id, name, nodes, triggers, defaults")),
	)
}

func updateDraftTool() mcp.Tool {
	return mcp.NewTool("opflow.update_draft",
		mcp.WithDescription("Patch the draft of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithObject("patch", mcp.Required(), mcp.Description("Fields to replace: name, nodes, edges, triggers, defaults")),
	)
}

func publishTool() mcp.Tool {
	return mcp.NewTool("opflow.publish",
		mcp.WithDescription("Freeze the draft as the next published version"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func getDefinitionTool() mcp.Tool {
	return mcp.NewTool("opflow.get_definition",
		mcp.WithDescription("Get a workflow definition"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithNumber("version", mcp.Description("Published version (default: latest published, else the draft)")),
	)
}

func listDefinitionsTool() mcp.Tool {
	return mcp.NewTool("opflow.list_definitions",
		mcp.WithDescription("List workflow drafts"),
	)
}

func runWorkflowTool() mcp.Tool {
	return mcp.NewTool("opflow.run_workflow",
		mcp.WithDescription("Start a manual run of the latest published version"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("trigger_id", mcp.Description("Manual trigger ID")),
		mcp.WithObject("input", mcp.Description("Run input")),
	)
}

func runSignalTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func listRunsTool() mcp.Tool {
	return mcp.NewTool("opflow.list_runs",
		mcp.WithDescription("List runs newest first"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, trigger_kind, since, limit, offset)")),
		mcp.WithString("where", mcp.Description(`CEL expression over run, e.g. run.status == "failed"`)),
	)
}

func getEventsTool() mcp.Tool {
	return mcp.NewTool("opflow.get_events",
		mcp.WithDescription("Get run events after a sequence cursor"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Return events with sequence greater than this (default 0)")),
	)
}

func replayRunTool() mcp.Tool {
	return mcp.NewTool("opflow.replay_run",
		mcp.WithDescription("Rebuild run state from its events"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("cursor", mcp.Description("Zero-based index of the last event to apply (default: all)")),
	)
}

func evaluateTriggerTool() mcp.Tool {
	return mcp.NewTool("opflow.evaluate_trigger",
		mcp.WithDescription("Score a chat message against chat triggers"),
		mcp.WithString("message", mcp.Required(), mcp.Description("Chat message")),
		mcp.WithObject("options", mcp.Description("Options (workflow_ids, activation_threshold, auto_run)")),
	)
}

func listSchedulesTool() mcp.Tool {
	return mcp.NewTool("opflow.list_schedules",
		mcp.WithDescription("List schedule triggers with their next fire time"),
	)
}

func scheduleHealthTool() mcp.Tool {
	return mcp.NewTool("opflow.schedule_health",
		mcp.WithDescription("Classify the schedule triggers of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("opflow.diagram",
		mcp.WithDescription("Render a workflow, or a run's progress through it, as a diagram"),
		mcp.WithString("workflow_id", mcp.Description("ID of the workflow (ignored when run_id is set)")),
		mcp.WithNumber("version", mcp.Description("Definition version; 0 or omitted for latest published")),
		mcp.WithString("run_id", mcp.Description("Overlay the status of this run")),
		mcp.WithString("format", mcp.Description("mermaid (default) or ascii"), mcp.Enum("mermaid", "ascii")),
	)
}
