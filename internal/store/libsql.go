package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomworks/loom/pkg/schema"
)

// LibSQLStore is the durable layer: templates, run snapshots, the
// event log and sealed secrets, all in one embedded libSQL database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens the database at the given file URI, e.g.
// "file:/var/lib/loom/loom.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return a row, so Exec would error on them.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	} {
		var discard string
		_ = db.QueryRow(p).Scan(&discard)
	}

	return &LibSQLStore{db: db}, nil
}

// DB exposes the connection for collaborating layers like EventLog.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Templates ---

const templateColumns = `id, name, description, steps, trigger_type, trigger_ref, trigger_prompt, template_variables, is_shortcut, cron_expression, created_at, updated_at`

func (s *LibSQLStore) StoreTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	steps, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("marshal template steps: %w", err)
	}
	vars, err := json.Marshal(tpl.TemplateVariables)
	if err != nil {
		return fmt.Errorf("marshal template variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_templates (`+templateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description, steps=excluded.steps,
		   trigger_type=excluded.trigger_type, trigger_ref=excluded.trigger_ref,
		   trigger_prompt=excluded.trigger_prompt, template_variables=excluded.template_variables,
		   is_shortcut=excluded.is_shortcut, cron_expression=excluded.cron_expression,
		   updated_at=CURRENT_TIMESTAMP`,
		tpl.ID, tpl.Name, nullStr(tpl.Description), string(steps),
		string(tpl.TriggerType), nullStr(tpl.TriggerRef), nullStr(tpl.TriggerPrompt),
		string(vars), tpl.IsShortcut, nullStr(tpl.CronExpression),
		timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	return tpl, err
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	q := newQuery(`SELECT ` + templateColumns + ` FROM workflow_templates`)
	if filter.TriggerType != "" {
		q.where("trigger_type = ?", string(filter.TriggerType))
	}
	if filter.Scheduled {
		q.where("cron_expression IS NOT NULL")
	}
	q.orderAndLimit("ORDER BY name", filter.Limit)

	rows, err := s.db.QueryContext(ctx, q.sql(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*schema.WorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

func (s *LibSQLStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "template", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*schema.WorkflowTemplate, error) {
	tpl := &schema.WorkflowTemplate{}
	var desc, triggerRef, triggerPrompt, cronExpr sql.NullString
	var stepsJSON, varsJSON, triggerType string
	err := row.Scan(&tpl.ID, &tpl.Name, &desc, &stepsJSON, &triggerType, &triggerRef,
		&triggerPrompt, &varsJSON, &tpl.IsShortcut, &cronExpr, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tpl.Description = desc.String
	tpl.TriggerType = schema.TriggerType(triggerType)
	tpl.TriggerRef = triggerRef.String
	tpl.TriggerPrompt = triggerPrompt.String
	tpl.CronExpression = cronExpr.String
	if err := json.Unmarshal([]byte(stepsJSON), &tpl.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal template steps: %w", err)
	}
	if err := json.Unmarshal([]byte(varsJSON), &tpl.TemplateVariables); err != nil {
		return nil, fmt.Errorf("unmarshal template variables: %w", err)
	}
	return tpl, nil
}

// --- Run snapshots ---

// Run rows carry the whole run as a JSON snapshot; the indexed columns
// exist only for filtering.
func (s *LibSQLStore) SaveRun(ctx context.Context, run *schema.WorkflowRun) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run snapshot: %w", err)
	}
	templateID := ""
	if run.Template != nil {
		templateID = run.Template.ID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (run_id, template_id, status, parent_run_id, snapshot, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   status=excluded.status, snapshot=excluded.snapshot,
		   updated_at=excluded.updated_at, completed_at=excluded.completed_at`,
		run.RunID, nullStr(templateID), string(run.Status), nullStr(run.ParentRunID),
		string(snapshot), timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt), nullTime(run.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) LoadRun(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM workflow_runs WHERE run_id = ?`, runID,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalRun(snapshot)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error) {
	q := newQuery(`SELECT snapshot FROM workflow_runs`)
	if filter.Status != nil {
		q.where("status = ?", string(*filter.Status))
	}
	if filter.TemplateID != "" {
		q.where("template_id = ?", filter.TemplateID)
	}
	if filter.ParentID != "" {
		q.where("parent_run_id = ?", filter.ParentID)
	}
	if filter.Since != nil {
		q.where("created_at >= ?", *filter.Since)
	}
	q.orderAndLimit("ORDER BY created_at DESC", filter.Limit)

	rows, err := s.db.QueryContext(ctx, q.sql(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*schema.WorkflowRun
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		run, err := unmarshalRun(snapshot)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE run_id = ?`, runID)
	return err
}

func unmarshalRun(snapshot string) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{}
	if err := json.Unmarshal([]byte(snapshot), run); err != nil {
		return nil, fmt.Errorf("unmarshal run snapshot: %w", err)
	}
	return run, nil
}

// --- Events ---

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendEvent appends via EventLog so archive appends share its
// per-run sequencing transaction. It completes the RunArchive interface.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return NewEventLog(s).AppendEvent(ctx, event)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return mustAffect(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- Helpers ---

// query accumulates WHERE clauses for the list endpoints.
type query struct {
	base    string
	clauses []string
	args    []any
	tail    string
}

func newQuery(base string) *query { return &query{base: base} }

func (q *query) where(clause string, args ...any) {
	q.clauses = append(q.clauses, clause)
	q.args = append(q.args, args...)
}

func (q *query) orderAndLimit(order string, limit int) {
	q.tail = " " + order
	if limit > 0 {
		q.tail += fmt.Sprintf(" LIMIT %d", limit)
	}
}

func (q *query) sql() string {
	s := q.base
	if len(q.clauses) > 0 {
		s += " WHERE " + strings.Join(q.clauses, " AND ")
	}
	return s + q.tail
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func mustAffect(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
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
