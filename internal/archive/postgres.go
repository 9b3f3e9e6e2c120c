package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresConfig configures the Postgres-backed store.
type PostgresConfig struct {
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore keeps one row per run with the task outcomes as a jsonb
// column, so task-shape changes never need a migration.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const runsSchema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
    workflow_id TEXT PRIMARY KEY,
    template    TEXT NOT NULL,
    status      TEXT NOT NULL,
    prompt      TEXT NOT NULL DEFAULT '',
    inferred    BOOLEAN NOT NULL DEFAULT FALSE,
    tasks       JSONB NOT NULL DEFAULT '[]',
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_runs_finished_at_idx
    ON workflow_runs (finished_at DESC);
`

// NewPostgresStore opens a pooled connection, verifies it, and ensures the
// schema exists.
func NewPostgresStore(cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN == "" {
		return nil, errors.New("archive: postgres dsn is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("archive: open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, logger: logger.Named("archive")}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Run archive using Postgres")
	return store, nil
}

// newPostgresStoreWithDB is the test seam; sqlmock hands us a db.
func newPostgresStoreWithDB(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger.Named("archive")}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, runsSchema); err != nil {
		return fmt.Errorf("archive: ensure schema: %w", err)
	}
	return nil
}

// runRow mirrors the workflow_runs table.
type runRow struct {
	WorkflowID string    `db:"workflow_id"`
	Template   string    `db:"template"`
	Status     string    `db:"status"`
	Prompt     string    `db:"prompt"`
	Inferred   bool      `db:"inferred"`
	Tasks      []byte    `db:"tasks"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
}

func (r runRow) record() (RunRecord, error) {
	rec := RunRecord{
		WorkflowID: r.WorkflowID,
		Template:   r.Template,
		Status:     r.Status,
		Prompt:     r.Prompt,
		Inferred:   r.Inferred,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if len(r.Tasks) > 0 {
		if err := json.Unmarshal(r.Tasks, &rec.Tasks); err != nil {
			return RunRecord{}, fmt.Errorf("archive: decode tasks for %s: %w", r.WorkflowID, err)
		}
	}
	return rec, nil
}

const saveRunQuery = `
INSERT INTO workflow_runs (workflow_id, template, status, prompt, inferred, tasks, started_at, finished_at)
VALUES (:workflow_id, :template, :status, :prompt, :inferred, :tasks, :started_at, :finished_at)
ON CONFLICT (workflow_id) DO UPDATE SET
    status = EXCLUDED.status,
    tasks = EXCLUDED.tasks,
    finished_at = EXCLUDED.finished_at`

// SaveRun upserts; a re-archived run (writer retry) overwrites cleanly.
func (s *PostgresStore) SaveRun(ctx context.Context, rec RunRecord) error {
	tasks, err := json.Marshal(rec.Tasks)
	if err != nil {
		return fmt.Errorf("archive: marshal tasks for %s: %w", rec.WorkflowID, err)
	}
	row := runRow{
		WorkflowID: rec.WorkflowID,
		Template:   rec.Template,
		Status:     rec.Status,
		Prompt:     rec.Prompt,
		Inferred:   rec.Inferred,
		Tasks:      tasks,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
	if _, err := s.db.NamedExecContext(ctx, saveRunQuery, row); err != nil {
		return fmt.Errorf("archive: save run %s: %w", rec.WorkflowID, err)
	}
	return nil
}

// GetRun fetches one row.
func (s *PostgresStore) GetRun(ctx context.Context, workflowID string) (RunRecord, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row,
		`SELECT workflow_id, template, status, prompt, inferred, tasks, started_at, finished_at
		 FROM workflow_runs WHERE workflow_id = $1`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("archive: get run %s: %w", workflowID, err)
	}
	return row.record()
}

// ListRecent returns up to limit rows, newest finish first.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT workflow_id, template, status, prompt, inferred, tasks, started_at, finished_at
		 FROM workflow_runs ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list recent: %w", err)
	}
	out := make([]RunRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			s.logger.Warn("Skipping undecodable archived run",
				zap.String("workflow_id", row.WorkflowID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
