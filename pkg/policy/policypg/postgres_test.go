package policypg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/policy"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/WatchBeam/clock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockStore(t *testing.T) (sqlmock.Sqlmock, *Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewMockClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	return mock, NewStore(sqlx.NewDb(db, "sqlmock"), clk)
}

var policyCols = []string{
	"client_pattern", "allowed_operations", "allowed_backends", "max_queued_jobs",
	"rate_per_minute", "max_shots_per_job", "fair_share_weight", "priority_ceiling", "updated_at",
}

func TestLoad(t *testing.T) {
	mock, s := mockStore(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM client_policies").WillReturnRows(
		sqlmock.NewRows(policyCols).
			AddRow("acme", "{jobs:*,priority:high}", "{sim-*}", 100, 60, 8192, 0.5, "high", now).
			AddRow("team-*", "{jobs:submit}", "{*}", 10, 0, 0, 0.0, "normal", now),
	)

	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Policies, 2)

	acme := doc.Policies[0]
	assert.Equal(t, []string{"jobs:*", "priority:high"}, acme.AllowedOperations)
	assert.Equal(t, []string{"sim-*"}, acme.AllowedBackends)
	assert.Equal(t, 8192, acme.MaxShotsPerJob)
	assert.Equal(t, "high", acme.PriorityCeiling)
	assert.Nil(t, doc.Default)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadUnavailable(t *testing.T) {
	mock, s := mockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM client_policies").WillReturnError(errors.New("connection refused"))

	_, err := s.Load(context.Background())
	assert.True(t, errx.IsCode(err, policy.ErrSourceUnavailable))
}

func TestReplace(t *testing.T) {
	mock, s := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM client_policies").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO client_policies").
		WithArgs("acme", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(100), int64(60), int64(8192), 0.5, "high", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO client_policies").
		WithArgs("team-*", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(10), int64(0), int64(0), 0.0, "normal", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Replace(context.Background(), &policy.Document{Policies: []policy.ClientPolicy{
		{ClientPattern: "acme", AllowedOperations: []string{"jobs:*"}, AllowedBackends: []string{"sim-*"},
			MaxQueuedJobs: 100, RatePerMinute: 60, MaxShotsPerJob: 8192, FairShareWeight: 0.5, PriorityCeiling: "high"},
		{ClientPattern: "team-*", MaxQueuedJobs: 10},
	}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceRejectsInvalidDocument(t *testing.T) {
	_, s := mockStore(t)

	err := s.Replace(context.Background(), &policy.Document{Policies: []policy.ClientPolicy{{ClientPattern: ""}}})
	assert.True(t, errx.IsCode(err, policy.ErrInvalidPolicy))
}

func TestReplaceRollsBackOnFailure(t *testing.T) {
	mock, s := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM client_policies").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO client_policies").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.Replace(context.Background(), &policy.Document{Policies: []policy.ClientPolicy{{ClientPattern: "acme"}}})
	assert.True(t, errx.IsCode(err, policy.ErrSourceUnavailable))
	require.NoError(t, mock.ExpectationsWereMet())
}
