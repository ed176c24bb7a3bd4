package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/opflow/pkg/schema"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/opflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// SchemaVersion returns the highest applied migration version.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *LibSQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStore("begin tx", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapStore("commit tx", err)
	}
	return nil
}

// --- Definitions ---

func (s *LibSQLStore) SaveDraft(ctx context.Context, def *schema.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_drafts (id, name, status, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, status=excluded.status,
		   definition=excluded.definition, updated_at=excluded.updated_at`,
		def.ID, def.Name, string(def.Status), string(data),
		fmtTime(timeOrNow(def.CreatedAt)), fmtTime(timeOrNow(def.UpdatedAt)),
	)
	return wrapStore("save draft", err)
}

func (s *LibSQLStore) GetDraft(ctx context.Context, workflowID string) (*schema.WorkflowDefinition, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflow_drafts WHERE id = ?`, workflowID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow draft", workflowID)
	}
	if err != nil {
		return nil, wrapStore("get draft", err)
	}
	return decodeDefinition(data)
}

func (s *LibSQLStore) ListDrafts(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM workflow_drafts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, wrapStore("list drafts", err)
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

func (s *LibSQLStore) PublishVersion(ctx context.Context, def *schema.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	publishedAt := time.Now().UTC()
	if def.PublishedAt != nil {
		publishedAt = *def.PublishedAt
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var latest int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM workflow_versions WHERE workflow_id = ?`, def.ID,
		).Scan(&latest); err != nil {
			return wrapStore("read latest version", err)
		}
		if def.Version <= latest {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %q version %d already published (latest %d)", def.ID, def.Version, latest)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_versions (workflow_id, version, definition, created_at, published_at)
			 VALUES (?, ?, ?, ?, ?)`,
			def.ID, def.Version, string(data), fmtTime(timeOrNow(def.CreatedAt)), fmtTime(publishedAt),
		); err != nil {
			return wrapStore("insert version", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_drafts (id, name, status, definition, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   name=excluded.name, status=excluded.status,
			   definition=excluded.definition, updated_at=excluded.updated_at`,
			def.ID, def.Name, string(def.Status), string(data),
			fmtTime(timeOrNow(def.CreatedAt)), fmtTime(timeOrNow(def.UpdatedAt)),
		); err != nil {
			return wrapStore("update draft", err)
		}
		return nil
	})
}

func (s *LibSQLStore) GetVersion(ctx context.Context, workflowID string, version int) (*schema.WorkflowDefinition, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflow_versions WHERE workflow_id = ? AND version = ?`, workflowID, version,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow version", fmt.Sprintf("%s@%d", workflowID, version))
	}
	if err != nil {
		return nil, wrapStore("get version", err)
	}
	return decodeDefinition(data)
}

func (s *LibSQLStore) LatestVersion(ctx context.Context, workflowID string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_versions WHERE workflow_id = ?`, workflowID,
	).Scan(&v)
	return v, wrapStore("latest version", err)
}

func (s *LibSQLStore) ListPublished(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.definition FROM workflow_versions v
		 JOIN (SELECT workflow_id, MAX(version) AS version FROM workflow_versions GROUP BY workflow_id) m
		   ON v.workflow_id = m.workflow_id AND v.version = m.version
		 ORDER BY v.created_at ASC, v.workflow_id ASC`)
	if err != nil {
		return nil, wrapStore("list published", err)
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

func scanDefinitions(rows *sql.Rows) ([]*schema.WorkflowDefinition, error) {
	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, wrapStore("scan definition", err)
		}
		def, err := decodeDefinition(data)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, wrapStore("iterate definitions", rows.Err())
}

func decodeDefinition(data string) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(data), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.WorkflowRun, event *schema.Event) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_runs (id, workflow_id, workflow_version, status, trigger_kind, revision, data, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.WorkflowID, run.WorkflowVersion, string(run.Status), string(run.TriggerKind),
			run.Revision, string(data), fmtTime(timeOrNow(run.CreatedAt)), fmtTime(time.Now().UTC()),
		); err != nil {
			return wrapStore("insert run", err)
		}
		return appendEventTx(ctx, tx, event)
	})
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM workflow_runs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, wrapStore("get run", err)
	}
	return decodeRun(data)
}

// UpdateRun writes run if the stored revision equals expectedRevision.
// The caller sets run.Revision to the new value before calling.
func (s *LibSQLStore) UpdateRun(ctx context.Context, run *schema.WorkflowRun, expectedRevision int64, events ...*schema.Event) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE workflow_runs SET status = ?, revision = ?, data = ?, updated_at = ?
			 WHERE id = ? AND revision = ?`,
			string(run.Status), run.Revision, string(data), fmtTime(time.Now().UTC()),
			run.ID, expectedRevision,
		)
		if err != nil {
			return wrapStore("update run", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapStore("update run", err)
		}
		if n == 0 {
			var current int64
			err := tx.QueryRowContext(ctx, `SELECT revision FROM workflow_runs WHERE id = ?`, run.ID).Scan(&current)
			if err == sql.ErrNoRows {
				return storeNotFound("run", run.ID)
			}
			if err != nil {
				return wrapStore("read run revision", err)
			}
			return revisionConflict(run.ID, expectedRevision, current)
		}
		for _, e := range events {
			if err := appendEventTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.TriggerKind != "" {
		where = append(where, "trigger_kind = ?")
		args = append(args, string(filter.TriggerKind))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, fmtTime(*filter.Since))
	}

	query := "SELECT data FROM workflow_runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStore("list runs", err)
	}
	defer rows.Close()

	var runs []*schema.WorkflowRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, wrapStore("scan run", err)
		}
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, wrapStore("iterate runs", rows.Err())
}

func decodeRun(data string) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{}
	if err := json.Unmarshal([]byte(data), run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return run, nil
}

// --- Node runs ---

func (s *LibSQLStore) SaveNodeRun(ctx context.Context, nr *schema.NodeRun, event *schema.Event) error {
	data, err := json.Marshal(nr)
	if err != nil {
		return fmt.Errorf("marshal node run: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_runs (id, run_id, node_id, attempt, status, data, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET status=excluded.status, data=excluded.data`,
			nr.ID, nr.RunID, nr.NodeID, nr.Attempt, string(nr.Status), string(data), fmtTime(nr.StartedAt),
		); err != nil {
			return wrapStore("save node run", err)
		}
		if event == nil {
			return nil
		}
		return appendEventTx(ctx, tx, event)
	})
}

func (s *LibSQLStore) ListNodeRuns(ctx context.Context, runID string) ([]*schema.NodeRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM node_runs WHERE run_id = ? ORDER BY started_at ASC, attempt ASC`, runID)
	if err != nil {
		return nil, wrapStore("list node runs", err)
	}
	defer rows.Close()

	var out []*schema.NodeRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, wrapStore("scan node run", err)
		}
		nr := &schema.NodeRun{}
		if err := json.Unmarshal([]byte(data), nr); err != nil {
			return nil, fmt.Errorf("unmarshal node run: %w", err)
		}
		out = append(out, nr)
	}
	return out, wrapStore("iterate node runs", rows.Err())
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return appendEventTx(ctx, tx, event)
	})
}

// appendEventTx assigns the next per-run sequence and inserts the event.
func appendEventTx(ctx context.Context, tx *sql.Tx, event *schema.Event) error {
	if event == nil {
		return nil
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return wrapStore("next sequence", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, sequence, event_type, node_id, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, event.Type, nullStr(event.NodeID), nullRaw(event.Payload), fmtTime(event.Timestamp),
	)
	if err != nil {
		return wrapStore("insert event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, event_type, node_id, payload, timestamp
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, wrapStore("get events", err)
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var nodeID, payload sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Sequence, &e.Type, &nodeID, &payload, &ts); err != nil {
			return nil, wrapStore("scan event", err)
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = parseTime(ts)
		events = append(events, e)
	}
	return events, wrapStore("iterate events", rows.Err())
}

// --- Schedule state ---

func (s *LibSQLStore) UpsertScheduleState(ctx context.Context, st *ScheduleState) error {
	st.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_state (workflow_id, trigger_id, workflow_version, enabled, anchor_at, last_fire_at, next_fire_at, last_run_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, trigger_id) DO UPDATE SET
		   workflow_version=excluded.workflow_version, enabled=excluded.enabled,
		   anchor_at=excluded.anchor_at, last_fire_at=excluded.last_fire_at,
		   next_fire_at=excluded.next_fire_at, last_run_id=excluded.last_run_id,
		   updated_at=excluded.updated_at`,
		st.WorkflowID, st.TriggerID, st.WorkflowVersion, boolInt(st.Enabled),
		fmtTime(st.AnchorAt), nullTimeStr(st.LastFireAt), nullTimeStr(st.NextFireAt),
		nullStr(st.LastRunID), fmtTime(st.UpdatedAt),
	)
	return wrapStore("upsert schedule state", err)
}

const scheduleColumns = `workflow_id, trigger_id, workflow_version, enabled, anchor_at, last_fire_at, next_fire_at, last_run_id, updated_at`

func (s *LibSQLStore) GetScheduleState(ctx context.Context, workflowID, triggerID string) (*ScheduleState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_state WHERE workflow_id = ? AND trigger_id = ?`,
		workflowID, triggerID)
	if err != nil {
		return nil, wrapStore("get schedule state", err)
	}
	defer rows.Close()
	states, err := scanScheduleStates(rows)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, storeNotFound("schedule state", workflowID+"/"+triggerID)
	}
	return states[0], nil
}

func (s *LibSQLStore) ListScheduleStates(ctx context.Context) ([]*ScheduleState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_state ORDER BY workflow_id, trigger_id`)
	if err != nil {
		return nil, wrapStore("list schedule states", err)
	}
	defer rows.Close()
	return scanScheduleStates(rows)
}

func (s *LibSQLStore) DeleteScheduleState(ctx context.Context, workflowID, triggerID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_state WHERE workflow_id = ? AND trigger_id = ?`, workflowID, triggerID)
	if err != nil {
		return wrapStore("delete schedule state", err)
	}
	return checkRowsAffected(res, "schedule state", workflowID+"/"+triggerID)
}

func scanScheduleStates(rows *sql.Rows) ([]*ScheduleState, error) {
	var out []*ScheduleState
	for rows.Next() {
		st := &ScheduleState{}
		var enabled int
		var anchor, updated string
		var lastFire, nextFire, lastRun sql.NullString
		if err := rows.Scan(&st.WorkflowID, &st.TriggerID, &st.WorkflowVersion, &enabled,
			&anchor, &lastFire, &nextFire, &lastRun, &updated); err != nil {
			return nil, wrapStore("scan schedule state", err)
		}
		st.Enabled = enabled != 0
		st.AnchorAt = parseTime(anchor)
		st.LastFireAt = parseNullTime(lastFire)
		st.NextFireAt = parseNullTime(nextFire)
		st.LastRunID = lastRun.String
		st.UpdatedAt = parseTime(updated)
		out = append(out, st)
	}
	return out, wrapStore("iterate schedule states", rows.Err())
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func revisionConflict(runID string, expected, current int64) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"run %q revision mismatch: expected %d, current %d", runID, expected, current).
		WithDetails(map[string]any{"expected_revision": expected, "current_revision": current})
}

// wrapStore tags driver errors with STORE_ERROR and passes FlowErrors through.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStore("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullTimeStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
