package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowrun/pkg/schema"
)

// LibSQLStore backs the Store interface with an embedded libSQL database.
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens the database at dbPath, given as a file URI
// ("file:/var/lib/flowrun/flowrun.db").
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// Single connection: serializes writers and keeps per-run sequence
	// assignment race-free.
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow covers both.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	} {
		var result string
		_ = db.QueryRow(pragma).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB exposes the raw handle so the event log can share the connection.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies any schema migrations not yet recorded in this database.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Column lists shared between the single-row and list queries of each table.
const (
	workflowCols = "name, version, description, definition, schedule, input_schema, created_at, updated_at"
	runCols      = "id, workflow_name, workflow_version, status, triggered_by, vars, context, error, had_action_failures, created_at, started_at, completed_at"
	resultCols   = "run_id, position, action_name, action_type, display_name, success, message, payload, duration_ms"
	eventCols    = "id, run_id, action, event_type, payload, timestamp, sequence"
	pluginCols   = "name, prefix, command, config, status, action_count, error_message, created_at, updated_at"
)

// rowScanner abstracts over sql.Row.Scan and sql.Rows.Scan so each entity
// needs exactly one scan function.
type rowScanner func(dest ...any) error

// queryOne fetches a single row, mapping sql.ErrNoRows to a NOT_FOUND error
// for the given resource.
func queryOne[T any](ctx context.Context, db *sql.DB, scan func(rowScanner) (T, error), resource, key, query string, args ...any) (T, error) {
	v, err := scan(db.QueryRowContext(ctx, query, args...).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, notFoundErr(resource, key)
	}
	return v, err
}

// queryAll fetches every matching row through the entity's scan function.
func queryAll[T any](ctx context.Context, db *sql.DB, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// sqlFilter accumulates WHERE clauses for the list queries.
type sqlFilter struct {
	clauses []string
	args    []any
}

func (f *sqlFilter) where(clause string, args ...any) {
	f.clauses = append(f.clauses, clause)
	f.args = append(f.args, args...)
}

// build finishes the query with WHERE, ORDER BY, and optional LIMIT/OFFSET.
func (f *sqlFilter) build(base, order string, limit, offset int) (string, []any) {
	q := base
	if len(f.clauses) > 0 {
		q += " WHERE " + strings.Join(f.clauses, " AND ")
	}
	q += " ORDER BY " + order
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			q += fmt.Sprintf(" OFFSET %d", offset)
		}
	}
	return q, f.args
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	// The schedule column always mirrors the definition, whatever the caller
	// put in the record field.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET
		   version=excluded.version, description=excluded.description,
		   definition=excluded.definition, schedule=excluded.schedule,
		   input_schema=excluded.input_schema, updated_at=CURRENT_TIMESTAMP`,
		wf.Name, wf.Version, wf.Description, string(def), wf.Definition.Schedule,
		optRaw(wf.InputSchema), orNow(wf.CreatedAt),
	)
	return err
}

func scanWorkflow(scan rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var def string
	var inputSchema sql.NullString
	if err := scan(&wf.Name, &wf.Version, &wf.Description, &def, &wf.Schedule,
		&inputSchema, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition %q: %w", wf.Name, err)
	}
	wf.InputSchema = asRaw(inputSchema)
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, name string) (*Workflow, error) {
	return queryOne(ctx, s.db, scanWorkflow, "workflow", name,
		`SELECT `+workflowCols+` FROM workflows WHERE name = ?`, name)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var f sqlFilter
	if filter.NamePrefix != "" {
		f.where(`name LIKE ? ESCAPE '\'`, escapeLike(filter.NamePrefix)+"%")
	}
	if filter.Scheduled != nil {
		if *filter.Scheduled {
			f.where("schedule != ''")
		} else {
			f.where("schedule = ''")
		}
	}
	query, args := f.build(`SELECT `+workflowCols+` FROM workflows`, "name ASC", filter.Limit, filter.Offset)
	return queryAll(ctx, s.db, scanWorkflow, query, args...)
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireAffected(res, "workflow", name)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, run.WorkflowVersion, string(run.Status), run.Trigger,
		optRaw(run.Vars), optRaw(run.Context), optRaw(run.Error),
		run.HadActionFailures, orNow(run.CreatedAt), optTime(run.StartedAt), optTime(run.CompletedAt),
	)
	return err
}

func scanRun(scan rowScanner) (*Run, error) {
	run := &Run{}
	var (
		status, vars           sql.NullString
		contextJSON, errorJSON sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := scan(&run.ID, &run.WorkflowName, &run.WorkflowVersion, &status, &run.Trigger,
		&vars, &contextJSON, &errorJSON, &run.HadActionFailures,
		&run.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status.String)
	run.Vars = asRaw(vars)
	run.Context = asRaw(contextJSON)
	run.Error = asRaw(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return queryOne(ctx, s.db, scanRun, "run", id,
		`SELECT `+runCols+` FROM runs WHERE id = ?`, id)
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.Context != nil {
		set("context", string(update.Context))
	}
	if update.Error != nil {
		set("error", string(update.Error))
	}
	if update.HadActionFailures != nil {
		set("had_action_failures", *update.HadActionFailures)
	}
	if update.StartedAt != nil {
		set("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		set("completed_at", *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return requireAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var f sqlFilter
	if filter.WorkflowName != "" {
		f.where("workflow_name = ?", filter.WorkflowName)
	}
	if filter.Status != nil {
		f.where("status = ?", string(*filter.Status))
	}
	if filter.Since != nil {
		f.where("created_at >= ?", *filter.Since)
	}
	query, args := f.build(`SELECT `+runCols+` FROM runs`, "created_at DESC", filter.Limit, filter.Offset)
	return queryAll(ctx, s.db, scanRun, query, args...)
}

// --- Results ---

func (s *LibSQLStore) SaveResults(ctx context.Context, runID string, results []*RunResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin results tx: %w", err)
	}
	defer tx.Rollback()

	// Replace-all keeps the call idempotent: results are written once, at
	// run completion.
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_results WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	for _, r := range results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_results (`+resultCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, r.Position, r.ActionName, r.ActionType, r.DisplayName,
			r.Success, r.Message, optRaw(r.Payload), r.DurationMs,
		); err != nil {
			return fmt.Errorf("insert result %d: %w", r.Position, err)
		}
	}
	return tx.Commit()
}

func scanResult(scan rowScanner) (*RunResult, error) {
	r := &RunResult{}
	var payload sql.NullString
	if err := scan(&r.RunID, &r.Position, &r.ActionName, &r.ActionType, &r.DisplayName,
		&r.Success, &r.Message, &payload, &r.DurationMs); err != nil {
		return nil, err
	}
	r.Payload = asRaw(payload)
	return r, nil
}

func (s *LibSQLStore) ListResults(ctx context.Context, runID string) ([]*RunResult, error) {
	return queryAll(ctx, s.db, scanResult,
		`SELECT `+resultCols+` FROM run_results WHERE run_id = ? ORDER BY position ASC`, runID)
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()
	if err := appendEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// appendEventTx assigns the next per-run sequence and inserts the event,
// inside the caller's transaction. Reading and writing the sequence in one
// transaction is what keeps concurrent appends from colliding.
func appendEventTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&event.Sequence)
	if err != nil {
		return fmt.Errorf("assign event sequence: %w", err)
	}
	event.Timestamp = orNow(event.Timestamp)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, action, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Action, event.Type, optRaw(event.Payload), event.Timestamp, event.Sequence,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func scanEvent(scan rowScanner) (*Event, error) {
	e := &Event{}
	var payload sql.NullString
	if err := scan(&e.ID, &e.RunID, &e.Action, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
		return nil, err
	}
	e.Payload = asRaw(payload)
	return e, nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, runID string, sinceSeq int64) ([]*Event, error) {
	return queryAll(ctx, s.db, scanEvent,
		`SELECT `+eventCols+` FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, sinceSeq)
}

func (s *LibSQLStore) QueryEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var f sqlFilter
	if filter.RunID != "" {
		f.where("run_id = ?", filter.RunID)
	}
	if filter.EventType != "" {
		f.where("event_type = ?", filter.EventType)
	}
	if filter.Since != nil {
		f.where("timestamp >= ?", *filter.Since)
	}
	query, args := f.build(`SELECT `+eventCols+` FROM events`, "timestamp DESC", filter.Limit, 0)
	return queryAll(ctx, s.db, scanEvent, query, args...)
}

// --- Plugins ---

func (s *LibSQLStore) SavePlugin(ctx context.Context, plugin *Plugin) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugins (`+pluginCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET
		   prefix=excluded.prefix, command=excluded.command, config=excluded.config,
		   status=excluded.status, action_count=excluded.action_count,
		   error_message=excluded.error_message, updated_at=CURRENT_TIMESTAMP`,
		plugin.Name, plugin.Prefix, plugin.Command, optRaw(plugin.Config),
		plugin.Status, plugin.ActionCount, plugin.ErrorMessage, orNow(plugin.CreatedAt),
	)
	return err
}

func scanPlugin(scan rowScanner) (*Plugin, error) {
	p := &Plugin{}
	var config sql.NullString
	if err := scan(&p.Name, &p.Prefix, &p.Command, &config, &p.Status, &p.ActionCount,
		&p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Config = asRaw(config)
	return p, nil
}

func (s *LibSQLStore) GetPlugin(ctx context.Context, name string) (*Plugin, error) {
	return queryOne(ctx, s.db, scanPlugin, "plugin", name,
		`SELECT `+pluginCols+` FROM plugins WHERE name = ?`, name)
}

func (s *LibSQLStore) ListPlugins(ctx context.Context) ([]*Plugin, error) {
	return queryAll(ctx, s.db, scanPlugin,
		`SELECT `+pluginCols+` FROM plugins ORDER BY name ASC`)
}

func (s *LibSQLStore) DeletePlugin(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireAffected(res, "plugin", name)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	return queryOne(ctx, s.db, func(scan rowScanner) ([]byte, error) {
		var v []byte
		err := scan(&v)
		return v, err
	}, "secret", key, `SELECT value FROM secrets WHERE key = ?`, key)
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return requireAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	return queryAll(ctx, s.db, func(scan rowScanner) (string, error) {
		var k string
		err := scan(&k)
		return k, err
	}, `SELECT key FROM secrets ORDER BY key ASC`)
}

// --- Null and error helpers ---

func notFoundErr(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// requireAffected turns a zero-row DELETE or UPDATE into a NOT_FOUND error.
func requireAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFoundErr(resource, id)
	}
	return nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t
}

// optTime and optRaw produce SQL bind values, mapping absent fields to NULL.

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func optRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

// asRaw is the scan-side inverse of optRaw.
func asRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// escapeLike escapes LIKE wildcards in a user-supplied prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
