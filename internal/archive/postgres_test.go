package archive

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newPostgresStoreWithDB(sqlx.NewDb(db, "sqlmock"), zaptest.NewLogger(t)), mock
}

func runColumns() []string {
	return []string{"workflow_id", "template", "status", "prompt", "inferred", "tasks", "started_at", "finished_at"}
}

func TestPostgresSaveRunUpserts(t *testing.T) {
	store, mock := newTestPostgresStore(t)

	mock.ExpectExec("INSERT INTO workflow_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SaveRun(context.Background(), sampleRun("wf-1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRunDecodesTasks(t *testing.T) {
	store, mock := newTestPostgresStore(t)
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tasks := []byte(`[{"task_id":"t1","type":"reasoning","state":"done","backend":"strong-reasoner","attempts":1}]`)
	mock.ExpectQuery("SELECT (.+) FROM workflow_runs WHERE workflow_id").
		WithArgs("wf-9").
		WillReturnRows(sqlmock.NewRows(runColumns()).
			AddRow("wf-9", "analysis", "failed", "why", false, tasks, started, started.Add(time.Second)))

	rec, err := store.GetRun(context.Background(), "wf-9")
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	require.Len(t, rec.Tasks, 1)
	assert.Equal(t, "strong-reasoner", rec.Tasks[0].Backend)
	assert.Equal(t, "reasoning", rec.Tasks[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRunNotFound(t *testing.T) {
	store, mock := newTestPostgresStore(t)

	mock.ExpectQuery("SELECT (.+) FROM workflow_runs WHERE workflow_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListRecentOrdersByFinish(t *testing.T) {
	store, mock := newTestPostgresStore(t)
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM workflow_runs ORDER BY finished_at DESC").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows(runColumns()).
			AddRow("wf-2", "pipeline", "completed", "", false, []byte(`[]`), started, started.Add(2*time.Second)).
			AddRow("wf-1", "pipeline", "completed", "", true, []byte(`[]`), started, started.Add(time.Second)))

	recent, err := store.ListRecent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "wf-2", recent[0].WorkflowID)
	assert.True(t, recent[1].Inferred)
	assert.NoError(t, mock.ExpectationsWereMet())
}
