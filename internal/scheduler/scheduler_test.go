package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// mockSubmitter records run requests.
type mockSubmitter struct {
	mu    sync.Mutex
	calls []schema.RunRequest
	err   error
}

func (m *mockSubmitter) Submit(_ context.Context, req schema.RunRequest) (*schema.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.calls = append(m.calls, req)
	return &schema.WorkflowRun{
		ID:          fmt.Sprintf("run-%d", len(m.calls)),
		WorkflowID:  req.WorkflowID,
		TriggerKind: req.TriggerKind,
		TriggerID:   req.TriggerID,
		Status:      schema.RunStatusQueued,
	}, nil
}

func (m *mockSubmitter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var t0 = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func scheduleTrigger(id string, sched schema.Schedule) schema.Trigger {
	return schema.Trigger{
		ID:       id,
		Kind:     schema.TriggerKindSchedule,
		Schedule: &schema.ScheduleTrigger{Schedule: sched, Enabled: true},
	}
}

func publish(t *testing.T, s store.Store, id string, version int, triggers ...schema.Trigger) {
	t.Helper()
	require.NoError(t, s.PublishVersion(context.Background(), &schema.WorkflowDefinition{
		ID:       id,
		Name:     id,
		Version:  version,
		Status:   schema.DefinitionStatusPublished,
		Triggers: triggers,
	}))
}

func newTestScheduler(s store.Store, sub RunSubmitter) *Scheduler {
	return NewScheduler(s, sub, Config{Location: time.UTC}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func hourly() schema.Schedule {
	return schema.Schedule{Kind: schema.ScheduleKindEvery, IntervalMs: time.Hour.Milliseconds()}
}

// --- Schedule math ---

func TestNextFire_Cron(t *testing.T) {
	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		next, ok, err := NextFire(schema.Schedule{Kind: schema.ScheduleKindCron, Expression: tt.expr}, t0, nil, time.UTC)
		require.NoError(t, err, tt.expr)
		assert.True(t, ok)
		assert.Equal(t, tt.want, next, tt.expr)
	}

	_, _, err := NextFire(schema.Schedule{Kind: schema.ScheduleKindCron, Expression: "invalid cron"}, t0, nil, time.UTC)
	require.Error(t, err)
}

func TestNextFire_CronLocation(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*3600)
	next, ok, err := NextFire(schema.Schedule{Kind: schema.ScheduleKindCron, Expression: "0 9 * * *"}, t0, nil, loc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC), next)
}

func TestNextFire_Every(t *testing.T) {
	next, ok, err := NextFire(hourly(), t0, nil, time.UTC)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), next)

	last := t0.Add(90 * time.Minute)
	next, _, err = NextFire(hourly(), t0, &last, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, last.Add(time.Hour), next)
}

func TestNextFire_At(t *testing.T) {
	at := t0.Add(time.Minute)
	sched := schema.Schedule{Kind: schema.ScheduleKindAt, At: &at}

	next, ok, err := NextFire(sched, t0, nil, time.UTC)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, at, next)

	_, ok, err = NextFire(sched, t0, &at, time.UTC)
	require.NoError(t, err)
	assert.False(t, ok, "at schedules fire once")
}

func TestExpectedInterval(t *testing.T) {
	assert.Equal(t, time.Hour, ExpectedInterval(hourly(), t0, time.UTC))
	assert.Equal(t, 15*time.Minute,
		ExpectedInterval(schema.Schedule{Kind: schema.ScheduleKindCron, Expression: "*/15 * * * *"}, t0, time.UTC))
	assert.Zero(t, ExpectedInterval(schema.Schedule{Kind: schema.ScheduleKindAt, At: &t0}, t0, time.UTC))
}

// --- Tick ---

func TestTick_EveryFiresOnInterval(t *testing.T) {
	ms := store.NewMemoryStore()
	sub := &mockSubmitter{}
	sched := newTestScheduler(ms, sub)
	ctx := context.Background()
	publish(t, ms, "wf", 1, scheduleTrigger("wf-trigger-1", hourly()))

	fired, err := sched.Tick(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, fired, "first tick only anchors the schedule")

	fired, err = sched.Tick(ctx, t0.Add(59*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, fired)

	fired, err = sched.Tick(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	require.Len(t, sub.calls, 1)
	assert.Equal(t, schema.RunRequest{
		WorkflowID: "wf", TriggerKind: schema.TriggerKindSchedule, TriggerID: "wf-trigger-1",
	}, sub.calls[0])

	st, err := ms.GetScheduleState(ctx, "wf", "wf-trigger-1")
	require.NoError(t, err)
	require.NotNil(t, st.LastFireAt)
	assert.Equal(t, t0.Add(time.Hour), *st.LastFireAt)
	assert.Equal(t, t0.Add(2*time.Hour), *st.NextFireAt)
	assert.Equal(t, "run-1", st.LastRunID)
}

func TestTick_OutageCollapsesToOneCatchUp(t *testing.T) {
	ms := store.NewMemoryStore()
	sub := &mockSubmitter{}
	sched := newTestScheduler(ms, sub)
	ctx := context.Background()
	publish(t, ms, "wf", 1, scheduleTrigger("wf-trigger-1", hourly()))

	_, err := sched.Tick(ctx, t0)
	require.NoError(t, err)

	resume := t0.Add(10*time.Hour + 30*time.Minute)
	fired, err := sched.Tick(ctx, resume)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	fired, err = sched.Tick(ctx, resume.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, 1, sub.callCount())

	st, err := ms.GetScheduleState(ctx, "wf", "wf-trigger-1")
	require.NoError(t, err)
	assert.Equal(t, resume.Add(time.Hour), *st.NextFireAt)
}

func TestTick_ConsecutiveFiresRespectInterval(t *testing.T) {
	ms := store.NewMemoryStore()
	sub := &mockSubmitter{}
	sched := newTestScheduler(ms, sub)
	ctx := context.Background()
	publish(t, ms, "wf", 1, scheduleTrigger("wf-trigger-1", hourly()))

	var fires []time.Time
	for now := t0; now.Before(t0.Add(6 * time.Hour)); now = now.Add(7 * time.Minute) {
		n, err := sched.Tick(ctx, now)
		require.NoError(t, err)
		if n > 0 {
			fires = append(fires, now)
		}
	}
	require.Greater(t, len(fires), 3)
	for i := 1; i < len(fires); i++ {
		assert.GreaterOrEqual(t, fires[i].Sub(fires[i-1]), time.Hour)
	}
}

func TestTick_AtFiresOnceAndDisables(t *testing.T) {
	ms := store.NewMemoryStore()
	sub := &mockSubmitter{}
	sched := newTestScheduler(ms, sub)
	ctx := context.Background()
	at := t0.Add(5 * time.Minute)
	publish(t, ms, "wf", 1, scheduleTrigger("wf-trigger-1", schema.Schedule{Kind: schema.ScheduleKindAt, At: &at}))

	for _, now := range []time.Time{t0, at, at.Add(time.Minute), at.Add(time.Hour)} {
		_, err := sched.Tick(ctx, now)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, sub.callCount())

	st, err := ms.GetScheduleState(ctx, "wf", "wf-trigger-1")
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Nil(t, st.NextFireAt)
}

func TestTick_CronMissedWindowFiresOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	sub := &mockSubmitter{}
	sched := newTestScheduler(ms, sub)
	ctx := context.Background()
	publish(t, ms, "wf", 1, scheduleTrigger("wf-trigger-1",
		schema.Schedule{Kind: schema.ScheduleKindCron, Expression: "0 * * * *"}))

	_, err := sched.Tick(ctx, t0)
	require.NoError(t, err)

	late := t0.Add(5*time.Hour + 10*time.Minute)
	fired, err := sched.Tick(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	st, err := ms.GetScheduleState(ctx, "wf", "wf-trigger-1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 18, 0, 0, 0, time.UTC), *st.NextFireAt)
}

func TestTick_DisabledTriggerSkipped(t *testing.T) {
	ms := store.NewMemoryStore()
	sub := &mockSubmitter{}
	sched := newTestScheduler(ms, sub)
	ctx := context.Background()
	tr := scheduleTrigger("wf-trigger-1", hourly())
	tr.Schedule.Enabled = false
	publish(t, ms, "wf", 1, tr)

	_, err := sched.Tick(ctx, t0)
	require.NoError(t, err)
	_, err = sched.Tick(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, sub.callCount())
}

func TestTick_SubmitErrorRetriesNextTick(t *testing.T) {
	ms := store.NewMemoryStore()
	sub := &mockSubmitter{err: errors.New("executor unavailable")}
	sched := newTestScheduler(ms, sub)
	ctx := context.Background()
	publish(t, ms, "wf", 1, scheduleTrigger("wf-trigger-1", hourly()))

	_, err := sched.Tick(ctx, t0)
	require.NoError(t, err)
	fired, err := sched.Tick(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, fired)

	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()
	fired, err = sched.Tick(ctx, t0.Add(time.Hour+15*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestTick_RepublishRemovesDroppedTriggers(t *testing.T) {
	ms := store.NewMemoryStore()
	sched := newTestScheduler(ms, &mockSubmitter{})
	ctx := context.Background()
	publish(t, ms, "wf", 1,
		scheduleTrigger("wf-trigger-1", hourly()),
		scheduleTrigger("wf-trigger-2", hourly()))

	_, err := sched.Tick(ctx, t0)
	require.NoError(t, err)
	states, err := ms.ListScheduleStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	publish(t, ms, "wf", 2, scheduleTrigger("wf-trigger-1", hourly()))
	_, err = sched.Tick(ctx, t0.Add(time.Minute))
	require.NoError(t, err)

	states, err = ms.ListScheduleStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "wf-trigger-1", states[0].TriggerID)
	assert.Equal(t, 2, states[0].WorkflowVersion)
	assert.Equal(t, t0, states[0].AnchorAt, "republishing keeps the anchor")
}

func TestInflightDedup(t *testing.T) {
	sched := newTestScheduler(store.NewMemoryStore(), &mockSubmitter{})

	assert.True(t, sched.tryAcquire("wf/t1"))
	assert.False(t, sched.tryAcquire("wf/t1"))
	assert.True(t, sched.tryAcquire("wf/t2"))

	sched.release("wf/t1")
	assert.True(t, sched.tryAcquire("wf/t1"))
}

// slowListStore stalls the first ListScheduleStates call after reading,
// handing back a snapshot that goes stale while it waits.
type slowListStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	delay   time.Duration
}

func (s *slowListStore) ListScheduleStates(ctx context.Context) ([]*store.ScheduleState, error) {
	states, err := s.Store.ListScheduleStates(ctx)
	s.once.Do(func() {
		close(s.entered)
		time.Sleep(s.delay)
	})
	return states, err
}

func TestTick_ConcurrentTicksFireOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	publish(t, ms, "wf", 1, scheduleTrigger("wf-trigger-1", hourly()))

	sub := &mockSubmitter{}
	slow := &slowListStore{Store: ms, entered: make(chan struct{}), delay: 50 * time.Millisecond}
	sched := newTestScheduler(slow, sub)

	// Anchor the schedule, then let it fall due.
	_, err := newTestScheduler(ms, sub).Tick(ctx, t0)
	require.NoError(t, err)
	dueAt := t0.Add(time.Hour)

	var wg sync.WaitGroup
	var firedB int
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := sched.Tick(ctx, dueAt)
		assert.NoError(t, err)
		firedB = n
	}()
	<-slow.entered

	firedA, err := sched.Tick(ctx, dueAt)
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, 1, firedA+firedB)
	assert.Equal(t, 1, sub.callCount())

	st, err := ms.GetScheduleState(ctx, "wf", "wf-trigger-1")
	require.NoError(t, err)
	require.NotNil(t, st.LastFireAt)
	assert.Equal(t, dueAt, *st.LastFireAt)
	assert.Equal(t, dueAt.Add(time.Hour), *st.NextFireAt)
}

func TestListScheduledTasks_DoesNotRewindFiredState(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	publish(t, ms, "wf", 1, scheduleTrigger("wf-trigger-1", hourly()))

	sub := &mockSubmitter{}
	slow := &slowListStore{Store: ms, entered: make(chan struct{}), delay: 50 * time.Millisecond}
	sched := newTestScheduler(slow, sub)
	sched.now = func() time.Time { return t0.Add(time.Hour) }

	_, err := newTestScheduler(ms, sub).Tick(ctx, t0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sched.ListScheduledTasks(ctx)
		done <- err
	}()
	<-slow.entered

	fired, err := sched.Tick(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, 1, fired)

	_, err = sched.Tick(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, sub.callCount())

	st, err := ms.GetScheduleState(ctx, "wf", "wf-trigger-1")
	require.NoError(t, err)
	require.NotNil(t, st.LastFireAt)
	assert.Equal(t, t0.Add(time.Hour), *st.LastFireAt)
}

func TestRecoverMissed(t *testing.T) {
	ms := store.NewMemoryStore()
	sub := &mockSubmitter{}
	sched := newTestScheduler(ms, sub)
	ctx := context.Background()
	publish(t, ms, "wf", 1, scheduleTrigger("wf-trigger-1", hourly()))

	past := time.Now().UTC().Add(-3 * time.Hour)
	require.NoError(t, ms.UpsertScheduleState(ctx, &store.ScheduleState{
		WorkflowID: "wf", TriggerID: "wf-trigger-1", WorkflowVersion: 1,
		Enabled: true, AnchorAt: past, NextFireAt: ptr(past.Add(time.Hour)),
	}))

	require.NoError(t, sched.RecoverMissed(ctx))
	assert.Equal(t, 1, sub.callCount())

	st, err := ms.GetScheduleState(ctx, "wf", "wf-trigger-1")
	require.NoError(t, err)
	assert.True(t, st.NextFireAt.After(time.Now().UTC()))
}

func TestListScheduledTasks(t *testing.T) {
	ms := store.NewMemoryStore()
	sched := newTestScheduler(ms, &mockSubmitter{})
	publish(t, ms, "wf", 1,
		schema.Trigger{ID: "wf-trigger-1", Kind: schema.TriggerKindManual},
		scheduleTrigger("wf-trigger-2", hourly()))

	tasks, err := sched.ListScheduledTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "wf-trigger-2", tasks[0].TriggerID)
	assert.True(t, tasks[0].Enabled)
	require.NotNil(t, tasks[0].NextFireAt)
	assert.Equal(t, tasks[0].AnchorAt.Add(time.Hour), *tasks[0].NextFireAt)
}

func TestStartStop(t *testing.T) {
	ms := store.NewMemoryStore()
	sched := NewScheduler(ms, &mockSubmitter{}, Config{TickInterval: 10 * time.Millisecond}, nil)

	require.NoError(t, sched.Start(context.Background()))
	require.Error(t, sched.Start(context.Background()), "double start")
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop(), "stop is idempotent")
}

func ptr[T any](v T) *T { return &v }
