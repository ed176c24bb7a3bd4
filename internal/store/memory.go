package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// MemoryStore is an in-process Store. Values are deep-copied on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	drafts    map[string]*schema.WorkflowDefinition
	versions  map[string][]*schema.WorkflowDefinition
	runs      map[string]*schema.WorkflowRun
	nodeRuns  map[string][]*schema.NodeRun
	events    map[string][]*schema.Event
	schedules map[string]*ScheduleState
	eventID   int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drafts:    make(map[string]*schema.WorkflowDefinition),
		versions:  make(map[string][]*schema.WorkflowDefinition),
		runs:      make(map[string]*schema.WorkflowRun),
		nodeRuns:  make(map[string][]*schema.NodeRun),
		events:    make(map[string][]*schema.Event),
		schedules: make(map[string]*ScheduleState),
	}
}

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory store: clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("memory store: clone: %v", err))
	}
	return out
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Definitions ---

func (m *MemoryStore) SaveDraft(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[def.ID] = clone(def)
	return nil
}

func (m *MemoryStore) GetDraft(_ context.Context, workflowID string) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drafts[workflowID]
	if !ok {
		return nil, storeNotFound("workflow draft", workflowID)
	}
	return clone(d), nil
}

func (m *MemoryStore) ListDrafts(context.Context) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.WorkflowDefinition, 0, len(m.drafts))
	for _, d := range m.drafts {
		out = append(out, clone(d))
	}
	sortDefinitions(out)
	return out, nil
}

func (m *MemoryStore) PublishVersion(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[def.ID]
	latest := 0
	if len(vs) > 0 {
		latest = vs[len(vs)-1].Version
	}
	if def.Version <= latest {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %q version %d already published (latest %d)", def.ID, def.Version, latest)
	}
	m.versions[def.ID] = append(vs, clone(def))
	m.drafts[def.ID] = clone(def)
	return nil
}

func (m *MemoryStore) GetVersion(_ context.Context, workflowID string, version int) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions[workflowID] {
		if v.Version == version {
			return clone(v), nil
		}
	}
	return nil, storeNotFound("workflow version", fmt.Sprintf("%s@%d", workflowID, version))
}

func (m *MemoryStore) LatestVersion(_ context.Context, workflowID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.versions[workflowID]
	if len(vs) == 0 {
		return 0, nil
	}
	return vs[len(vs)-1].Version, nil
}

func (m *MemoryStore) ListPublished(context.Context) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.WorkflowDefinition, 0, len(m.versions))
	for _, vs := range m.versions {
		if len(vs) > 0 {
			out = append(out, clone(vs[len(vs)-1]))
		}
	}
	sortDefinitions(out)
	return out, nil
}

func sortDefinitions(defs []*schema.WorkflowDefinition) {
	sort.SliceStable(defs, func(i, j int) bool {
		if !defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].CreatedAt.Before(defs[j].CreatedAt)
		}
		return defs[i].ID < defs[j].ID
	})
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *schema.WorkflowRun, event *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	m.runs[run.ID] = clone(run)
	m.appendLocked(event)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*schema.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return clone(r), nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *schema.WorkflowRun, expectedRevision int64, events ...*schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok {
		return storeNotFound("run", run.ID)
	}
	if cur.Revision != expectedRevision {
		return revisionConflict(run.ID, expectedRevision, cur.Revision)
	}
	m.runs[run.ID] = clone(run)
	for _, e := range events {
		m.appendLocked(e)
	}
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*schema.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowRun
	for _, r := range m.runs {
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, r.Status) {
			continue
		}
		if filter.TriggerKind != "" && r.TriggerKind != filter.TriggerKind {
			continue
		}
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsStatus(list []schema.RunStatus, s schema.RunStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- Node runs ---

func (m *MemoryStore) SaveNodeRun(_ context.Context, nr *schema.NodeRun, event *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.nodeRuns[nr.RunID]
	replaced := false
	for i, existing := range list {
		if existing.ID == nr.ID {
			list[i] = clone(nr)
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, clone(nr))
	}
	m.nodeRuns[nr.RunID] = list
	m.appendLocked(event)
	return nil
}

func (m *MemoryStore) ListNodeRuns(_ context.Context, runID string) ([]*schema.NodeRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.nodeRuns[runID]
	out := make([]*schema.NodeRun, 0, len(list))
	for _, nr := range list {
		out = append(out, clone(nr))
	}
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(event)
	return nil
}

func (m *MemoryStore) appendLocked(event *schema.Event) {
	if event == nil {
		return
	}
	m.eventID++
	event.ID = m.eventID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	m.events[event.RunID] = append(m.events[event.RunID], clone(event))
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*schema.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

// --- Schedule state ---

func (m *MemoryStore) UpsertScheduleState(_ context.Context, st *ScheduleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	m.schedules[st.Key()] = clone(st)
	return nil
}

func (m *MemoryStore) GetScheduleState(_ context.Context, workflowID, triggerID string) (*ScheduleState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.schedules[workflowID+"/"+triggerID]
	if !ok {
		return nil, storeNotFound("schedule state", workflowID+"/"+triggerID)
	}
	return clone(st), nil
}

func (m *MemoryStore) ListScheduleStates(context.Context) ([]*ScheduleState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ScheduleState, 0, len(m.schedules))
	for _, st := range m.schedules {
		out = append(out, clone(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *MemoryStore) DeleteScheduleState(_ context.Context, workflowID, triggerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workflowID + "/" + triggerID
	if _, ok := m.schedules[key]; !ok {
		return storeNotFound("schedule state", key)
	}
	delete(m.schedules, key)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
