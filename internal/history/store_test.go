package history

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlite3"), zap.NewNop()), mock
}

func TestAppendExecution(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO workflow_executions").
		WithArgs("wf-1", "market-timing", "graph", 1.5, 3, 2, 1, `{"ok":true}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Append(context.Background(), Entry{
		WorkflowID:      "wf-1",
		WorkflowName:    "market-timing",
		Mode:            "graph",
		DurationSeconds: 1.5,
		TaskCount:       3,
		SuccessfulTasks: 2,
		FailedTasks:     1,
		FinalResult:     `{"ok":true}`,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentExecutions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"workflow_id", "workflow_name", "mode", "duration_seconds",
		"task_count", "successful_tasks", "failed_tasks", "final_result", "executed_at",
	}).
		AddRow("wf-2", "later", "sequential", 0.3, 1, 1, 0, "", now).
		AddRow("wf-1", "earlier", "parallel", 2.0, 4, 4, 0, "", now.Add(-time.Hour))

	mock.ExpectQuery("SELECT (.+) FROM workflow_executions ORDER BY executed_at DESC").
		WithArgs(2).
		WillReturnRows(rows)

	entries, err := store.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "wf-2", entries[0].WorkflowID)
	assert.Equal(t, "wf-1", entries[1].WorkflowID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountExecutions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSurfacesDBErrors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO workflow_executions").
		WillReturnError(assert.AnError)

	err := store.Append(context.Background(), Entry{WorkflowID: "wf-1"})
	assert.Error(t, err)
}
