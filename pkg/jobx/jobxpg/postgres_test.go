package jobxpg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/WatchBeam/clock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockStore(t *testing.T) (sqlmock.Sqlmock, *Store, *clock.MockClock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewMockClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	return mock, NewStore(sqlx.NewDb(db, "sqlmock"), WithClock(clk), WithRetryBudget(time.Second)), clk
}

var jobCols = []string{
	"id", "owner", "backend_target", "shots", "circuit_payload", "priority_class", "state",
	"result", "error", "attempts", "version", "created_at", "started_at", "completed_at", "updated_at",
	"depends_on",
}

func TestCreateInsertsJobAndCheckpoint(t *testing.T) {
	mock, s, _ := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO job_checkpoints").
		WithArgs(sqlmock.AnyArg(), "created", "", 0.0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := s.Create(context.Background(), &jobx.Job{
		Owner: "acme", BackendTarget: "sim", Shots: 10, Priority: jobx.PriorityNormal,
	})
	require.NoError(t, err)
	assert.False(t, id.IsEmpty())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRetriesSerializationFailure(t *testing.T) {
	mock, s, _ := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO job_checkpoints").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err := s.Create(context.Background(), &jobx.Job{
		Owner: "acme", BackendTarget: "sim", Shots: 10, Priority: jobx.PriorityLow,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateStorageUnavailable(t *testing.T) {
	mock, s, _ := mockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"))

	_, err := s.Create(context.Background(), &jobx.Job{
		Owner: "acme", BackendTarget: "sim", Shots: 10, Priority: jobx.PriorityLow,
	})
	assert.True(t, errx.IsCode(err, jobx.ErrStorageUnavailable))
}

func TestGet(t *testing.T) {
	mock, s, clk := mockStore(t)
	now := clk.Now()

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(
			"j1", "acme", "sim", 100, []byte("OPENQASM"), 1, "completed",
			`{"counts":{"00":60,"11":40},"shots":100,"execution_time_ms":12}`, "", 0, 6,
			now, now, now, now, "{j0}",
		))

	job, err := s.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, jobx.StateCompleted, job.State)
	assert.Equal(t, jobx.PriorityNormal, job.Priority)
	require.NotNil(t, job.Result)
	assert.EqualValues(t, 60, job.Result.Counts["00"])
	assert.Equal(t, []kernel.JobID{"j0"}, job.DependsOn)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = s.Get(context.Background(), "missing")
	assert.True(t, errx.IsCode(err, jobx.ErrJobNotFound))
}

func TestUpdateStateLostRace(t *testing.T) {
	mock, s, _ := mockStore(t)

	mock.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT state FROM jobs").
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("canceled"))

	err := s.UpdateState(context.Background(), "j1", jobx.StateClaimed)
	require.Error(t, err)
	assert.True(t, errx.IsCode(err, jobx.ErrInvalidTransition))

	var e *errx.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "canceled", e.Detail("from"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStateUnknownJob(t *testing.T) {
	mock, s, _ := mockStore(t)

	mock.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT state FROM jobs").WillReturnError(sql.ErrNoRows)

	err := s.Fail(context.Background(), "nope", "boom")
	assert.True(t, errx.IsCode(err, jobx.ErrJobNotFound))
}

func TestStoreResultSucceeds(t *testing.T) {
	mock, s, _ := mockStore(t)

	mock.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.StoreResult(context.Background(), "j1", &jobx.Outcome{Shots: 4, Counts: map[string]int64{"1": 4}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestCheckpoint(t *testing.T) {
	mock, s, clk := mockStore(t)
	cols := []string{"id", "job_id", "kind", "backend_job_id", "progress", "outcome", "created_at"}

	mock.ExpectQuery("FROM job_checkpoints").
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(7), "j1", "submitted", "bk-9", 0.0, nil, clk.Now()))

	cp, err := s.LatestCheckpoint(context.Background(), "j1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, jobx.MilestoneSubmitted, cp.Milestone.Kind)
	assert.Equal(t, "bk-9", cp.Milestone.BackendJobID)

	mock.ExpectQuery("FROM job_checkpoints").WithArgs("j2").WillReturnError(sql.ErrNoRows)
	cp, err = s.LatestCheckpoint(context.Background(), "j2")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointUnknownJob(t *testing.T) {
	mock, s, _ := mockStore(t)

	mock.ExpectExec("INSERT INTO job_checkpoints").WillReturnError(&pq.Error{Code: "23503"})

	err := s.Checkpoint(context.Background(), "ghost", jobx.Submitted("bk-1"))
	assert.True(t, errx.IsCode(err, jobx.ErrJobNotFound))
}

func TestCountActive(t *testing.T) {
	mock, s, _ := mockStore(t)

	mock.ExpectQuery("SELECT count").
		WithArgs("acme", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.CountActive(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
