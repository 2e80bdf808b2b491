// Package store is the persistence layer the scheduler and executor
// read and write through. It supports both PostgreSQL and SQLite,
// selecting the driver from the connection string prefix, so a single
// binary can run against a local SQLite file in development and
// Postgres in production without a code change.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/weix2025/dagforge/internal/model"
)

// Sentinel errors surfaced to callers; infrastructure errors (dial
// failures, broken connections) are wrapped with %w and returned as-is.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrTerminal      = errors.New("store: workflow already in a terminal state")
)

// Store is the persistence surface the scheduler and executor depend
// on. It is implemented once, over database/sql, and works against
// either driver.
type Store struct {
	conn   *sql.DB
	driver string
}

// Open connects to connString, selecting "postgres" for a
// postgres(ql):// prefix and "sqlite3" otherwise, and ensures the
// schema exists.
func Open(connString string) (*Store, error) {
	var driver string
	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		driver = "postgres"
	} else {
		driver = "sqlite3"
	}

	conn, err := sql.Open(driver, connString)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}

	s := &Store{conn: conn, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// placeholder returns the driver-appropriate positional parameter marker.
func (s *Store) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) initSchema() error {
	var schema string
	if s.driver == "postgres" {
		schema = postgresSchema
	} else {
		schema = sqliteSchema
	}
	_, err := s.conn.Exec(schema)
	return err
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id BIGSERIAL PRIMARY KEY,
	type VARCHAR(32) NOT NULL,
	source_reference TEXT NOT NULL,
	input_schema JSONB,
	output_schema JSONB
);

CREATE TABLE IF NOT EXISTS dag_templates (
	id BIGSERIAL PRIMARY KEY,
	definition JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id BIGSERIAL PRIMARY KEY,
	template_id BIGINT NOT NULL,
	dag_definition JSONB NOT NULL,
	status VARCHAR(16) NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	inputs JSONB,
	outputs JSONB,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS task_instances (
	id BIGSERIAL PRIMARY KEY,
	workflow_instance_id BIGINT NOT NULL REFERENCES workflow_instances(id),
	node_id VARCHAR(255) NOT NULL,
	agent_id BIGINT NOT NULL,
	status VARCHAR(16) NOT NULL,
	input_params JSONB,
	outputs JSONB,
	logs TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	UNIQUE (workflow_instance_id, node_id)
);

CREATE INDEX IF NOT EXISTS idx_task_instances_workflow ON task_instances(workflow_instance_id);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	source_reference TEXT NOT NULL,
	input_schema TEXT,
	output_schema TEXT
);

CREATE TABLE IF NOT EXISTS dag_templates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	definition TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	template_id INTEGER NOT NULL,
	dag_definition TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	inputs TEXT,
	outputs TEXT,
	started_at DATETIME,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS task_instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_instance_id INTEGER NOT NULL REFERENCES workflow_instances(id),
	node_id TEXT NOT NULL,
	agent_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	input_params TEXT,
	outputs TEXT,
	logs TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME,
	completed_at DATETIME,
	UNIQUE (workflow_instance_id, node_id)
);

CREATE INDEX IF NOT EXISTS idx_task_instances_workflow ON task_instances(workflow_instance_id);
`

func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetAgent loads an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id int64) (*model.Agent, error) {
	q := fmt.Sprintf(`SELECT id, type, source_reference, input_schema, output_schema FROM agents WHERE id = %s`, s.placeholder(1))
	row := s.conn.QueryRowContext(ctx, q, id)

	var a model.Agent
	var in, out []byte
	if err := row.Scan(&a.ID, &a.Type, &a.SourceReference, &in, &out); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get agent %d: %w", id, err)
	}
	a.InputSchema = in
	a.OutputSchema = out
	return &a, nil
}

// GetDAGTemplate loads a template by ID.
func (s *Store) GetDAGTemplate(ctx context.Context, id int64) (*model.DAGTemplate, error) {
	q := fmt.Sprintf(`SELECT id, definition FROM dag_templates WHERE id = %s`, s.placeholder(1))
	row := s.conn.QueryRowContext(ctx, q, id)

	var t model.DAGTemplate
	var defJSON []byte
	if err := row.Scan(&t.ID, &defJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get template %d: %w", id, err)
	}
	if err := json.Unmarshal(defJSON, &t.DAGDefinition); err != nil {
		return nil, fmt.Errorf("store: decode template %d definition: %w", id, err)
	}
	return &t, nil
}

// CreateWorkflowInstance inserts a new instance in QUEUED status with
// its DAG definition snapshot taken from the template.
func (s *Store) CreateWorkflowInstance(ctx context.Context, wi *model.WorkflowInstance) (int64, error) {
	defJSON, err := json.Marshal(wi.DAGDefinition)
	if err != nil {
		return 0, err
	}
	inputs, err := marshalMap(wi.Inputs)
	if err != nil {
		return 0, err
	}

	q := fmt.Sprintf(`INSERT INTO workflow_instances (template_id, dag_definition, status, priority, inputs) VALUES (%s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	if s.driver == "postgres" {
		q += " RETURNING id"
		var id int64
		err := s.conn.QueryRowContext(ctx, q, wi.TemplateID, defJSON, model.WorkflowQueued, wi.Priority, inputs).Scan(&id)
		return id, err
	}

	res, err := s.conn.ExecContext(ctx, q, wi.TemplateID, defJSON, model.WorkflowQueued, wi.Priority, inputs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetWorkflowInstance loads a workflow instance by ID.
func (s *Store) GetWorkflowInstance(ctx context.Context, id int64) (*model.WorkflowInstance, error) {
	q := fmt.Sprintf(`SELECT id, template_id, dag_definition, status, priority, inputs, outputs, started_at, completed_at FROM workflow_instances WHERE id = %s`, s.placeholder(1))
	row := s.conn.QueryRowContext(ctx, q, id)
	return scanWorkflowInstance(row)
}

func scanWorkflowInstance(row *sql.Row) (*model.WorkflowInstance, error) {
	var wi model.WorkflowInstance
	var defJSON []byte
	var inputs, outputs []byte
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&wi.ID, &wi.TemplateID, &defJSON, &wi.Status, &wi.Priority, &inputs, &outputs, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan workflow instance: %w", err)
	}
	if err := json.Unmarshal(defJSON, &wi.DAGDefinition); err != nil {
		return nil, fmt.Errorf("store: decode workflow instance definition: %w", err)
	}
	var err error
	if wi.Inputs, err = unmarshalMap(inputs); err != nil {
		return nil, err
	}
	if wi.Outputs, err = unmarshalMap(outputs); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		wi.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		wi.CompletedAt = &completedAt.Time
	}
	return &wi, nil
}

// TransitionWorkflowStatus moves a workflow instance to newStatus only
// if its current status is not already terminal (I2). Returns
// ErrTerminal if the row is already in an absorbing state, so callers
// that see TASK_COMPLETED/TASK_FAILED after a terminal transition can
// treat the event as a no-op (I5) instead of raising an error.
func (s *Store) TransitionWorkflowStatus(ctx context.Context, id int64, newStatus model.WorkflowStatus, setStarted, setCompleted bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		q := fmt.Sprintf(`SELECT status FROM workflow_instances WHERE id = %s`, s.placeholder(1))
		var current model.WorkflowStatus
		if err := tx.QueryRowContext(ctx, q, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if current.IsTerminal() {
			return ErrTerminal
		}

		// Arguments follow the textual order of the placeholders, since
		// SQLite's "?" markers bind positionally.
		set := []string{fmt.Sprintf("status = %s", s.placeholder(1))}
		args := []interface{}{newStatus}
		n := 1
		now := time.Now().UTC()
		if setStarted {
			n++
			set = append(set, fmt.Sprintf("started_at = %s", s.placeholder(n)))
			args = append(args, now)
		}
		if setCompleted {
			n++
			set = append(set, fmt.Sprintf("completed_at = %s", s.placeholder(n)))
			args = append(args, now)
		}
		n++
		args = append(args, id)
		upd := fmt.Sprintf(`UPDATE workflow_instances SET %s WHERE id = %s`, strings.Join(set, ", "), s.placeholder(n))
		_, err := tx.ExecContext(ctx, upd, args...)
		return err
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// MaterializeTask inserts a PENDING TaskInstance for (workflowID,
// nodeID) unless one already exists, and returns the row along with
// whether this call created it. The unique constraint on
// (workflow_instance_id, node_id) is the backstop (I1): if two
// materializations race, the loser's insert conflicts and the existing
// row is returned with created=false, so the caller treats the node as
// already dispatched and skips it.
func (s *Store) MaterializeTask(ctx context.Context, workflowID int64, nodeID string, agentID int64, params map[string]interface{}) (*model.TaskInstance, bool, error) {
	selQ := fmt.Sprintf(`SELECT id, workflow_instance_id, node_id, agent_id, status, input_params, outputs, logs, retry_count, started_at, completed_at
		FROM task_instances WHERE workflow_instance_id = %s AND node_id = %s`, s.placeholder(1), s.placeholder(2))

	ti, err := scanTaskInstanceRow(s.conn.QueryRowContext(ctx, selQ, workflowID, nodeID))
	if err == nil {
		return ti, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("store: materialize task %d/%s: %w", workflowID, nodeID, err)
	}

	paramsJSON, err := marshalMap(params)
	if err != nil {
		return nil, false, err
	}
	insQ := fmt.Sprintf(`INSERT INTO task_instances (workflow_instance_id, node_id, agent_id, status, input_params, retry_count) VALUES (%s, %s, %s, %s, %s, 0)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	if _, err := s.conn.ExecContext(ctx, insQ, workflowID, nodeID, agentID, model.TaskPending, paramsJSON); err != nil {
		// A concurrent materialization won the insert; hand back its row.
		if ti, selErr := scanTaskInstanceRow(s.conn.QueryRowContext(ctx, selQ, workflowID, nodeID)); selErr == nil {
			return ti, false, nil
		}
		return nil, false, fmt.Errorf("store: materialize task %d/%s: %w", workflowID, nodeID, err)
	}

	ti, err = scanTaskInstanceRow(s.conn.QueryRowContext(ctx, selQ, workflowID, nodeID))
	if err != nil {
		return nil, false, fmt.Errorf("store: reload materialized task %d/%s: %w", workflowID, nodeID, err)
	}
	return ti, true, nil
}

// CreateAgent registers an agent row. The core only reads agents; this
// exists for the operator CLI and tests.
func (s *Store) CreateAgent(ctx context.Context, a *model.Agent) (int64, error) {
	q := fmt.Sprintf(`INSERT INTO agents (type, source_reference, input_schema, output_schema) VALUES (%s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	in := a.InputSchema
	out := a.OutputSchema
	if in == nil {
		in = []byte("{}")
	}
	if out == nil {
		out = []byte("{}")
	}
	if s.driver == "postgres" {
		q += " RETURNING id"
		var id int64
		err := s.conn.QueryRowContext(ctx, q, a.Type, a.SourceReference, in, out).Scan(&id)
		return id, err
	}
	res, err := s.conn.ExecContext(ctx, q, a.Type, a.SourceReference, in, out)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateDAGTemplate stores a template definition. Like CreateAgent,
// used by the operator CLI and tests rather than the core loop.
func (s *Store) CreateDAGTemplate(ctx context.Context, def model.DAGDefinition) (int64, error) {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`INSERT INTO dag_templates (definition) VALUES (%s)`, s.placeholder(1))
	if s.driver == "postgres" {
		q += " RETURNING id"
		var id int64
		err := s.conn.QueryRowContext(ctx, q, defJSON).Scan(&id)
		return id, err
	}
	res, err := s.conn.ExecContext(ctx, q, defJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetTaskInstancesByNodeIDs loads task instances for a set of node IDs
// within a workflow instance.
func (s *Store) GetTaskInstancesByNodeIDs(ctx context.Context, workflowID int64, nodeIDs []string) ([]*model.TaskInstance, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(nodeIDs))
	args := []interface{}{workflowID}
	for i, id := range nodeIDs {
		args = append(args, id)
		placeholders[i] = s.placeholder(i + 2)
	}
	q := fmt.Sprintf(`SELECT id, workflow_instance_id, node_id, agent_id, status, input_params, outputs, logs, retry_count, started_at, completed_at
		FROM task_instances WHERE workflow_instance_id = %s AND node_id IN (%s)`, s.placeholder(1), strings.Join(placeholders, ","))
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskInstances(rows)
}

// GetTaskInstance loads a single task instance by ID.
func (s *Store) GetTaskInstance(ctx context.Context, id int64) (*model.TaskInstance, error) {
	q := fmt.Sprintf(`SELECT id, workflow_instance_id, node_id, agent_id, status, input_params, outputs, logs, retry_count, started_at, completed_at
		FROM task_instances WHERE id = %s`, s.placeholder(1))
	row := s.conn.QueryRowContext(ctx, q, id)
	ti, err := scanTaskInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ti, err
}

// ListTaskInstances loads every task instance for a workflow.
func (s *Store) ListTaskInstances(ctx context.Context, workflowID int64) ([]*model.TaskInstance, error) {
	q := fmt.Sprintf(`SELECT id, workflow_instance_id, node_id, agent_id, status, input_params, outputs, logs, retry_count, started_at, completed_at
		FROM task_instances WHERE workflow_instance_id = %s`, s.placeholder(1))
	rows, err := s.conn.QueryContext(ctx, q, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskInstances(rows)
}

func scanTaskInstances(rows *sql.Rows) ([]*model.TaskInstance, error) {
	var out []*model.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskInstance(row *sql.Row) (*model.TaskInstance, error) {
	return scanTaskInstanceRow(row)
}

func scanTaskInstanceRow(row scanner) (*model.TaskInstance, error) {
	var ti model.TaskInstance
	var params, outputs []byte
	var logs sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&ti.ID, &ti.WorkflowInstanceID, &ti.NodeID, &ti.AgentID, &ti.Status, &params, &outputs, &logs, &ti.RetryCount, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	var err error
	if ti.InputParams, err = unmarshalMap(params); err != nil {
		return nil, err
	}
	if ti.Outputs, err = unmarshalMap(outputs); err != nil {
		return nil, err
	}
	ti.Logs = logs.String
	if startedAt.Valid {
		ti.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ti.CompletedAt = &completedAt.Time
	}
	return &ti, nil
}

// BulkMarkRunning transitions a set of task instances from PENDING (or
// QUEUED) to RUNNING in one statement, matching the executor's "mark
// the whole dispatched group running before doing any work" step.
func (s *Store) BulkMarkRunning(ctx context.Context, taskInstanceIDs []int64) error {
	if len(taskInstanceIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(taskInstanceIDs))
	args := []interface{}{model.TaskRunning, time.Now().UTC()}
	for i, id := range taskInstanceIDs {
		args = append(args, id)
		placeholders[i] = s.placeholder(i + 3)
	}
	q := fmt.Sprintf(`UPDATE task_instances SET status = %s, started_at = %s WHERE id IN (%s)`,
		s.placeholder(1), s.placeholder(2), strings.Join(placeholders, ","))
	_, err := s.conn.ExecContext(ctx, q, args...)
	return err
}

// CompleteTask persists a terminal outcome (COMPLETED or FAILED) for a
// single task instance, along with its outputs and log lines.
func (s *Store) CompleteTask(ctx context.Context, taskInstanceID int64, status model.TaskStatus, outputs map[string]interface{}, logs string) error {
	outJSON, err := marshalMap(outputs)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE task_instances SET status = %s, outputs = %s, logs = %s, completed_at = %s WHERE id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	_, err = s.conn.ExecContext(ctx, q, status, outJSON, logs, time.Now().UTC(), taskInstanceID)
	return err
}

// IncrementRetry bumps retry_count and resets the row to PENDING so it
// can be re-dispatched.
func (s *Store) IncrementRetry(ctx context.Context, taskInstanceID int64) error {
	q := fmt.Sprintf(`UPDATE task_instances SET status = %s, retry_count = retry_count + 1 WHERE id = %s`,
		s.placeholder(1), s.placeholder(2))
	_, err := s.conn.ExecContext(ctx, q, model.TaskPending, taskInstanceID)
	return err
}

// CountTasksByStatus reports how many task instances a workflow has in
// total and how many of them are COMPLETED and FAILED, used by the scheduler to detect
// whole-workflow completion (I4) without loading every row.
func (s *Store) CountTasksByStatus(ctx context.Context, workflowID int64) (total int, completed int, failed int, err error) {
	q := fmt.Sprintf(`SELECT status, COUNT(*) FROM task_instances WHERE workflow_instance_id = %s GROUP BY status`, s.placeholder(1))
	rows, err := s.conn.QueryContext(ctx, q, workflowID)
	if err != nil {
		return 0, 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var status model.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, 0, err
		}
		total += count
		switch status {
		case model.TaskCompleted:
			completed += count
		case model.TaskFailed:
			failed += count
		}
	}
	return total, completed, failed, rows.Err()
}
