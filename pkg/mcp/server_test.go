package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	expectedTools := []string{
		"opflow.create_draft",
		"opflow.update_draft",
		"opflow.publish",
		"opflow.get_definition",
		"opflow.list_definitions",
		"opflow.run_workflow",
		"opflow.pause_run",
		"opflow.resume_run",
		"opflow.cancel_run",
		"opflow.poll_run",
		"opflow.get_run_details",
		"opflow.list_runs",
		"opflow.get_events",
		"opflow.replay_run",
		"opflow.evaluate_trigger",
		"opflow.list_schedules",
		"opflow.schedule_health",
		"opflow.diagram",
	}

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, len(expectedTools))
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"create", "opflow.create_draft", "Create a workflow draft from a definition"},
		{"publish", "opflow.publish", "Freeze the draft as the next published version"},
		{"run", "opflow.run_workflow", "Start a manual run of the latest published version"},
		{"pause", "opflow.pause_run", "Request that a run pause at its next attempt boundary"},
		{"events", "opflow.get_events", "Get run events after a sequence cursor"},
		{"trigger", "opflow.evaluate_trigger", "Score a chat message against chat triggers"},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
