// Package definition manages workflow drafts and their immutable
// published versions.
package definition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

// Patch is a partial update of a draft. Nil fields are left unchanged.
type Patch struct {
	Name     *string           `json:"name,omitempty"`
	Nodes    *[]schema.Node    `json:"nodes,omitempty"`
	Edges    *[]schema.Edge    `json:"edges,omitempty"`
	Triggers *[]schema.Trigger `json:"triggers,omitempty"`
	Defaults *schema.Defaults  `json:"defaults,omitempty"`
}

// Service is the write path for workflow definitions. Drafts are the single
// mutable copy of a workflow; publishing freezes a numbered version.
type Service struct {
	store     store.Store
	validator validation.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a definition Service.
func NewService(s store.Store, v validation.Validator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, validator: v, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// CreateDraft stores spec as a new draft. A missing workflow ID or trigger
// ID is generated.
func (s *Service) CreateDraft(ctx context.Context, spec *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	def := *spec
	if def.ID == "" {
		def.ID = uuid.New().String()
	} else if _, err := s.store.GetDraft(ctx, def.ID); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", def.ID)
	} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	now := s.now()
	def.Version = 0
	def.Status = schema.DefinitionStatusDraft
	def.CreatedAt = now
	def.UpdatedAt = now
	def.PublishedAt = nil
	assignTriggerIDs(&def)

	if err := s.validator.ValidateDraft(&def); err != nil {
		return nil, err
	}
	if err := s.store.SaveDraft(ctx, &def); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "workflow draft created", "workflow_id", def.ID, "name", def.Name)
	return &def, nil
}

// UpdateDraft applies patch to the draft. Published versions are never
// touched; a draft whose content was published returns to draft status.
func (s *Service) UpdateDraft(ctx context.Context, id string, patch Patch) (*schema.WorkflowDefinition, error) {
	def, err := s.store.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		def.Name = *patch.Name
	}
	if patch.Nodes != nil {
		def.Nodes = *patch.Nodes
	}
	if patch.Edges != nil {
		def.Edges = *patch.Edges
	}
	if patch.Triggers != nil {
		def.Triggers = *patch.Triggers
	}
	if patch.Defaults != nil {
		def.Defaults = *patch.Defaults
	}
	def.Status = schema.DefinitionStatusDraft
	def.UpdatedAt = s.now()
	def.PublishedAt = nil
	assignTriggerIDs(def)

	if err := s.validator.ValidateDraft(def); err != nil {
		return nil, err
	}
	if err := s.store.SaveDraft(ctx, def); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "workflow draft updated", "workflow_id", def.ID)
	return def, nil
}

// Publish repairs the draft's terminals, rebuilds its edges, validates it
// as a linear chain and stores it as version latest+1.
func (s *Service) Publish(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	def, err := s.store.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	EnsureTerminals(def)
	RebuildEdges(def)
	if err := s.validator.ValidatePublishable(def); err != nil {
		return nil, err
	}

	latest, err := s.store.LatestVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	def.Version = latest + 1
	def.Status = schema.DefinitionStatusPublished
	def.UpdatedAt = now
	def.PublishedAt = &now

	if err := s.store.PublishVersion(ctx, def); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "workflow published", "workflow_id", def.ID, "version", def.Version)
	return def, nil
}

// Get returns a published version. Version 0 means the latest published
// version, falling back to the draft when nothing has been published.
func (s *Service) Get(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	if version > 0 {
		return s.store.GetVersion(ctx, id, version)
	}
	latest, err := s.store.LatestVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return s.store.GetDraft(ctx, id)
	}
	return s.store.GetVersion(ctx, id, latest)
}

// GetPublished returns the latest published version, or NOT_FOUND.
func (s *Service) GetPublished(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	latest, err := s.store.LatestVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q has no published version", id)
	}
	return s.store.GetVersion(ctx, id, latest)
}

// GetDraft returns the current draft.
func (s *Service) GetDraft(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return s.store.GetDraft(ctx, id)
}

// ListDrafts returns every draft in creation order.
func (s *Service) ListDrafts(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	return s.store.ListDrafts(ctx)
}

// ListPublished returns the latest published version of every workflow in
// creation order.
func (s *Service) ListPublished(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	return s.store.ListPublished(ctx)
}

// Import creates or replaces the draft for spec and publishes it unless the
// latest published version already has the same content.
func (s *Service) Import(ctx context.Context, spec *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if spec.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "imported workflow requires an id")
	}
	imported := *spec
	imported.Triggers = make([]schema.Trigger, len(spec.Triggers))
	copy(imported.Triggers, spec.Triggers)
	for i := range imported.Triggers {
		if imported.Triggers[i].ID == "" {
			imported.Triggers[i].ID = fmt.Sprintf("%s-trigger-%d", spec.ID, i+1)
		}
	}
	spec = &imported

	_, err := s.store.GetDraft(ctx, spec.ID)
	switch {
	case schema.IsCode(err, schema.ErrCodeNotFound):
		if _, err := s.CreateDraft(ctx, spec); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if _, err := s.UpdateDraft(ctx, spec.ID, Patch{
			Name: &spec.Name, Nodes: &spec.Nodes, Edges: &spec.Edges,
			Triggers: &spec.Triggers, Defaults: &spec.Defaults,
		}); err != nil {
			return nil, err
		}
	}

	draft, err := s.store.GetDraft(ctx, spec.ID)
	if err != nil {
		return nil, err
	}
	published, err := s.GetPublished(ctx, spec.ID)
	if err == nil {
		candidate := *draft
		EnsureTerminals(&candidate)
		RebuildEdges(&candidate)
		same, err := sameContent(&candidate, published)
		if err != nil {
			return nil, err
		}
		if same {
			s.logger.DebugContext(ctx, "import unchanged", "workflow_id", spec.ID, "version", published.Version)
			return published, nil
		}
	} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	return s.Publish(ctx, spec.ID)
}

func assignTriggerIDs(def *schema.WorkflowDefinition) {
	if len(def.Triggers) == 0 {
		return
	}
	triggers := make([]schema.Trigger, len(def.Triggers))
	copy(triggers, def.Triggers)
	for i := range triggers {
		if triggers[i].ID == "" {
			triggers[i].ID = uuid.New().String()
		}
	}
	def.Triggers = triggers
}

// sameContent compares the executable parts of two definitions.
func sameContent(a, b *schema.WorkflowDefinition) (bool, error) {
	type content struct {
		Name     string           `json:"name"`
		Nodes    []schema.Node    `json:"nodes"`
		Edges    []schema.Edge    `json:"edges"`
		Triggers []schema.Trigger `json:"triggers"`
		Defaults schema.Defaults  `json:"defaults"`
	}
	ja, err := json.Marshal(content{a.Name, a.Nodes, a.Edges, a.Triggers, a.Defaults})
	if err != nil {
		return false, fmt.Errorf("marshal definition: %w", err)
	}
	jb, err := json.Marshal(content{b.Name, b.Nodes, b.Edges, b.Triggers, b.Defaults})
	if err != nil {
		return false, fmt.Errorf("marshal definition: %w", err)
	}
	return string(ja) == string(jb), nil
}
