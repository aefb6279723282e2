package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS stageflow_workflows (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    issue       TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    doc         JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stageflow_workflows_status ON stageflow_workflows(status);
CREATE INDEX IF NOT EXISTS idx_stageflow_workflows_issue ON stageflow_workflows(issue);
`

// PGStore keeps workflows in Postgres so several hosts or processes can
// share one view of workflow state. Each document is written in a single
// statement.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPG connects to dsn and ensures the schema exists.
func OpenPG(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the workflow table if needed.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) Create(ctx context.Context, wf *WorkflowExecution) error {
	if err := ValidateID(wf.WorkflowID); err != nil {
		return err
	}
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO stageflow_workflows (id, name, issue, status, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		wf.WorkflowID, wf.WorkflowName, wf.Issue, string(wf.Status), doc, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrExists, wf.WorkflowID)
		}
		return fmt.Errorf("insert workflow %s: %w", wf.WorkflowID, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*WorkflowExecution, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM stageflow_workflows WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow %s: %w", id, err)
	}
	return decodeWorkflow(id, doc)
}

func (s *PGStore) Save(ctx context.Context, wf *WorkflowExecution) error {
	wf.UpdatedAt = now()
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stageflow_workflows (id, name, issue, status, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, issue = EXCLUDED.issue, status = EXCLUDED.status,
		    doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		wf.WorkflowID, wf.WorkflowName, wf.Issue, string(wf.Status), doc, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.WorkflowID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save workflow %s: no rows written", wf.WorkflowID)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, status WorkflowStatus) ([]WorkflowExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, doc FROM stageflow_workflows
		WHERE $1 = '' OR status = $1
		ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []WorkflowExecution
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		wf, err := decodeWorkflow(id, doc)
		if err != nil {
			continue // skip broken entries
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stageflow_workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func decodeWorkflow(id string, doc []byte) (*WorkflowExecution, error) {
	var wf WorkflowExecution
	if err := json.Unmarshal(doc, &wf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	if wf.WorkflowID == "" {
		wf.WorkflowID = id
	}
	wf.normalize()
	return &wf, nil
}
