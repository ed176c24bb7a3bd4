package definition

import (
	"context"
	"testing"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	v, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)
	s := store.NewMemoryStore()
	return NewService(s, v, nil), s
}

func draftSpec() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:    "wf-triage",
		Name:  "Triage",
		Nodes: steps("fetch", "classify"),
		Triggers: []schema.Trigger{
			{Kind: schema.TriggerKindChat, Chat: &schema.ChatTrigger{Phrases: []string{"triage repository changes"}, Enabled: true}},
		},
	}
}

func TestCreateDraft(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	def, err := svc.CreateDraft(ctx, draftSpec())
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionStatusDraft, def.Status)
	assert.Zero(t, def.Version)
	assert.False(t, def.CreatedAt.IsZero())
	require.Len(t, def.Triggers, 1)
	assert.NotEmpty(t, def.Triggers[0].ID, "trigger id generated")

	_, err = svc.CreateDraft(ctx, draftSpec())
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestCreateDraft_GeneratesID(t *testing.T) {
	svc, _ := newService(t)
	spec := draftSpec()
	spec.ID = ""
	def, err := svc.CreateDraft(context.Background(), spec)
	require.NoError(t, err)
	assert.Len(t, def.ID, 36)
}

func TestCreateDraft_Invalid(t *testing.T) {
	svc, _ := newService(t)
	spec := draftSpec()
	spec.Nodes = append(spec.Nodes, schema.Node{ID: "fetch", Type: schema.NodeTypeAgentStep})
	_, err := svc.CreateDraft(context.Background(), spec)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestPublish_RepairsAndVersions(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.CreateDraft(ctx, draftSpec())
	require.NoError(t, err)

	v1, err := svc.Publish(ctx, "wf-triage")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, schema.DefinitionStatusPublished, v1.Status)
	require.NotNil(t, v1.PublishedAt)
	assert.Equal(t, []string{"start", "fetch", "classify", "end"}, Chain(v1))

	v2, err := svc.Publish(ctx, "wf-triage")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.Edges, v2.Edges)
}

func TestPublish_RejectsDuplicateStart(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	spec := draftSpec()
	spec.Nodes = append(spec.Nodes,
		schema.Node{ID: "s1", Type: schema.NodeTypeStart},
		schema.Node{ID: "s2", Type: schema.NodeTypeStart})
	_, err := svc.CreateDraft(ctx, spec)
	require.NoError(t, err)

	_, err = svc.Publish(ctx, "wf-triage")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "exactly one start")
}

func TestPublish_NotFound(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Publish(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestUpdateDraft_LeavesPublishedVersionAlone(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.CreateDraft(ctx, draftSpec())
	require.NoError(t, err)
	_, err = svc.Publish(ctx, "wf-triage")
	require.NoError(t, err)

	name := "Triage v2"
	nodes := steps("fetch")
	draft, err := svc.UpdateDraft(ctx, "wf-triage", Patch{Name: &name, Nodes: &nodes})
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionStatusDraft, draft.Status)
	assert.Equal(t, "Triage v2", draft.Name)
	assert.Len(t, draft.Triggers, 1, "unpatched fields kept")

	pub, err := svc.Get(ctx, "wf-triage", 0)
	require.NoError(t, err)
	assert.Equal(t, "Triage", pub.Name)
	assert.Equal(t, 1, pub.Version)
	assert.Len(t, pub.Nodes, 4)

	v1, err := svc.Get(ctx, "wf-triage", 1)
	require.NoError(t, err)
	assert.Equal(t, pub, v1)
}

func TestGet_FallsBackToDraft(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.CreateDraft(ctx, draftSpec())
	require.NoError(t, err)

	def, err := svc.Get(ctx, "wf-triage", 0)
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionStatusDraft, def.Status)

	_, err = svc.GetPublished(ctx, "wf-triage")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = svc.Get(ctx, "wf-triage", 3)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListPublished(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		spec := draftSpec()
		spec.ID = id
		_, err := svc.CreateDraft(ctx, spec)
		require.NoError(t, err)
	}
	_, err := svc.Publish(ctx, "b")
	require.NoError(t, err)

	defs, err := svc.ListPublished(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "b", defs[0].ID)

	drafts, err := svc.ListDrafts(ctx)
	require.NoError(t, err)
	assert.Len(t, drafts, 2)
}

func TestImport_Idempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	v1, err := svc.Import(ctx, draftSpec())
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, "wf-triage-trigger-1", v1.Triggers[0].ID)

	again, err := svc.Import(ctx, draftSpec())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Version, "unchanged content is not republished")

	changed := draftSpec()
	changed.Name = "Triage (renamed)"
	v2, err := svc.Import(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
}
