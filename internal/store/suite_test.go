package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("DraftRoundTrip", func(t *testing.T) { testDraftRoundTrip(t, newStore(t)) })
	t.Run("PublishVersions", func(t *testing.T) { testPublishVersions(t, newStore(t)) })
	t.Run("ListPublishedOrder", func(t *testing.T) { testListPublishedOrder(t, newStore(t)) })
	t.Run("RunCreateAndCAS", func(t *testing.T) { testRunCreateAndCAS(t, newStore(t)) })
	t.Run("ConcurrentCAS", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
	t.Run("ListRunsFilter", func(t *testing.T) { testListRunsFilter(t, newStore(t)) })
	t.Run("NodeRunUpsert", func(t *testing.T) { testNodeRunUpsert(t, newStore(t)) })
	t.Run("EventSequence", func(t *testing.T) { testEventSequence(t, newStore(t)) })
	t.Run("ScheduleState", func(t *testing.T) { testScheduleState(t, newStore(t)) })
}

func sampleDefinition(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:     id,
		Name:   "triage",
		Status: schema.DefinitionStatusDraft,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "triage", Type: schema.NodeTypeAgentStep, Config: map[string]any{"prompt": "triage"}},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func sampleRun(workflowID string) *schema.WorkflowRun {
	return &schema.WorkflowRun{
		ID:              uuid.New().String(),
		WorkflowID:      workflowID,
		WorkflowVersion: 1,
		Status:          schema.RunStatusQueued,
		TriggerKind:     schema.TriggerKindManual,
		Input:           json.RawMessage(`{"repo":"opflow"}`),
		Revision:        1,
		CreatedAt:       time.Now().UTC(),
	}
}

func testDraftRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetDraft(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	def := sampleDefinition("wf-1")
	require.NoError(t, s.SaveDraft(ctx, def))

	def.Name = "renamed"
	require.NoError(t, s.SaveDraft(ctx, def))

	got, err := s.GetDraft(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Len(t, got.Nodes, 3)
	assert.Equal(t, "triage", got.Nodes[1].Config["prompt"])

	drafts, err := s.ListDrafts(ctx)
	require.NoError(t, err)
	assert.Len(t, drafts, 1)
}

func testPublishVersions(t *testing.T, s Store) {
	ctx := context.Background()

	v, err := s.LatestVersion(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	def := sampleDefinition("wf-1")
	def.Status = schema.DefinitionStatusPublished
	def.Version = 1
	require.NoError(t, s.PublishVersion(ctx, def))

	def.Version = 2
	def.Name = "v2"
	require.NoError(t, s.PublishVersion(ctx, def))

	def.Version = 2
	err = s.PublishVersion(ctx, def)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	v, err = s.LatestVersion(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v1, err := s.GetVersion(ctx, "wf-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "triage", v1.Name)

	_, err = s.GetVersion(ctx, "wf-1", 9)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	draft, err := s.GetDraft(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionStatusPublished, draft.Status)
	assert.Equal(t, 2, draft.Version)
}

func testListPublishedOrder(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"wf-b", "wf-a", "wf-c"} {
		def := sampleDefinition(id)
		def.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		def.Version = 1
		def.Status = schema.DefinitionStatusPublished
		require.NoError(t, s.PublishVersion(ctx, def))
	}
	def := sampleDefinition("wf-a")
	def.CreatedAt = base.Add(time.Minute)
	def.Version = 2
	def.Status = schema.DefinitionStatusPublished
	require.NoError(t, s.PublishVersion(ctx, def))

	defs, err := s.ListPublished(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "wf-b", defs[0].ID)
	assert.Equal(t, "wf-a", defs[1].ID)
	assert.Equal(t, 2, defs[1].Version)
	assert.Equal(t, "wf-c", defs[2].ID)
}

func testRunCreateAndCAS(t *testing.T, s Store) {
	ctx := context.Background()
	run := sampleRun("wf-1")

	ev := &schema.Event{RunID: run.ID, Type: schema.EventRunCreated}
	require.NoError(t, s.CreateRun(ctx, run, ev))
	assert.Equal(t, int64(1), ev.Sequence)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusQueued, got.Status)
	assert.JSONEq(t, `{"repo":"opflow"}`, string(got.Input))

	got.Status = schema.RunStatusRunning
	got.Revision = 2
	started := &schema.Event{RunID: run.ID, Type: schema.EventRunStarted}
	require.NoError(t, s.UpdateRun(ctx, got, 1, started))
	assert.Equal(t, int64(2), started.Sequence)

	stale := *got
	stale.Status = schema.RunStatusCancelled
	stale.Revision = 2
	err = s.UpdateRun(ctx, &stale, 1, &schema.Event{RunID: run.ID, Type: schema.EventRunCancelled})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	events, err := s.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2, "losing writer must not append events")

	missing := sampleRun("wf-1")
	missing.Revision = 2
	err = s.UpdateRun(ctx, missing, 1)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testConcurrentCAS(t *testing.T, s Store) {
	ctx := context.Background()
	run := sampleRun("wf-1")
	require.NoError(t, s.CreateRun(ctx, run, &schema.Event{RunID: run.ID, Type: schema.EventRunCreated}))

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := *run
			next.Revision = 2
			next.CurrentNodeID = fmt.Sprintf("writer-%d", i)
			err := s.UpdateRun(ctx, &next, 1, &schema.Event{RunID: run.ID, Type: schema.EventRunAdvanced})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if schema.IsCode(err, schema.ErrCodeConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

func testListRunsFilter(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		run := sampleRun("wf-1")
		run.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 1 {
			run.Status = schema.RunStatusCompleted
			run.TriggerKind = schema.TriggerKindSchedule
		}
		require.NoError(t, s.CreateRun(ctx, run, &schema.Event{RunID: run.ID, Type: schema.EventRunCreated}))
	}
	other := sampleRun("wf-2")
	require.NoError(t, s.CreateRun(ctx, other, &schema.Event{RunID: other.ID, Type: schema.EventRunCreated}))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	wf1, err := s.ListRuns(ctx, RunFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, wf1, 4)
	assert.True(t, wf1[0].CreatedAt.After(wf1[1].CreatedAt), "newest first")

	completed, err := s.ListRuns(ctx, RunFilter{Statuses: []schema.RunStatus{schema.RunStatusCompleted}})
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	scheduled, err := s.ListRuns(ctx, RunFilter{TriggerKind: schema.TriggerKindSchedule})
	require.NoError(t, err)
	assert.Len(t, scheduled, 2)

	since := base.Add(90 * time.Second)
	recent, err := s.ListRuns(ctx, RunFilter{WorkflowID: "wf-1", Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	page, err := s.ListRuns(ctx, RunFilter{WorkflowID: "wf-1", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, wf1[1].ID, page[0].ID)
}

func testNodeRunUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	run := sampleRun("wf-1")
	require.NoError(t, s.CreateRun(ctx, run, &schema.Event{RunID: run.ID, Type: schema.EventRunCreated}))

	nr := &schema.NodeRun{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		NodeID:    "triage",
		Attempt:   1,
		Status:    schema.NodeRunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveNodeRun(ctx, nr, &schema.Event{RunID: run.ID, Type: schema.EventNodeStarted, NodeID: "triage"}))

	done := time.Now().UTC()
	nr.Status = schema.NodeRunStatusCompleted
	nr.Output = json.RawMessage(`{"ok":true}`)
	nr.CompletedAt = &done
	require.NoError(t, s.SaveNodeRun(ctx, nr, &schema.Event{RunID: run.ID, Type: schema.EventNodeCompleted, NodeID: "triage"}))

	list, err := s.ListNodeRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, schema.NodeRunStatusCompleted, list[0].Status)
	assert.JSONEq(t, `{"ok":true}`, string(list[0].Output))

	events, err := s.GetEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventNodeStarted, events[0].Type)
	assert.Equal(t, "triage", events[0].NodeID)
}

func testEventSequence(t *testing.T, s Store) {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := &schema.Event{RunID: "run-a", Type: schema.EventNodeRetryScheduled, Payload: json.RawMessage(`{"attempt":1}`)}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	require.NoError(t, s.AppendEvent(ctx, &schema.Event{RunID: "run-b", Type: schema.EventRunCreated}))

	events, err := s.GetEvents(ctx, "run-a", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.JSONEq(t, `{"attempt":1}`, string(events[0].Payload))

	b, err := s.GetEvents(ctx, "run-b", 0)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, int64(1), b[0].Sequence)
}

func testScheduleState(t *testing.T, s Store) {
	ctx := context.Background()
	anchor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	next := anchor.Add(time.Hour)

	st := &ScheduleState{
		WorkflowID:      "wf-1",
		TriggerID:       "hourly",
		WorkflowVersion: 1,
		Enabled:         true,
		AnchorAt:        anchor,
		NextFireAt:      &next,
	}
	require.NoError(t, s.UpsertScheduleState(ctx, st))

	got, err := s.GetScheduleState(ctx, "wf-1", "hourly")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, got.AnchorAt.Equal(anchor))
	require.NotNil(t, got.NextFireAt)
	assert.True(t, got.NextFireAt.Equal(next))
	assert.Nil(t, got.LastFireAt)

	fired := next
	got.LastFireAt = &fired
	got.LastRunID = "run-1"
	got.Enabled = false
	require.NoError(t, s.UpsertScheduleState(ctx, got))

	list, err := s.ListScheduleStates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)
	assert.Equal(t, "run-1", list[0].LastRunID)

	require.NoError(t, s.DeleteScheduleState(ctx, "wf-1", "hourly"))
	_, err = s.GetScheduleState(ctx, "wf-1", "hourly")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.DeleteScheduleState(ctx, "wf-1", "hourly"), schema.ErrCodeNotFound))
}
