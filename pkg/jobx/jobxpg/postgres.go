// Package jobxpg implements the Job Store and Checkpoint Log on PostgreSQL.
package jobxpg

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/WatchBeam/clock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables used by the store and by policypg.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return jobx.StorageUnavailable(err)
	}
	return nil
}

// Store is the PostgreSQL implementation of jobx.Store.
type Store struct {
	db         *sqlx.DB
	clock      clock.Clock
	maxElapsed time.Duration
}

var _ jobx.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRetryBudget bounds how long a transaction is retried on serialization failures.
func WithRetryBudget(d time.Duration) Option {
	return func(s *Store) { s.maxElapsed = d }
}

// NewStore creates a store on db.
func NewStore(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		clock:      clock.C,
		maxElapsed: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

const insertJobQuery = `
	INSERT INTO jobs (` + jobColumns + `)
	VALUES (
		:id, :owner, :backend_target, :shots, :circuit_payload, :priority_class, :state,
		:result, :error, :attempts, :version, :created_at, :started_at, :completed_at, :updated_at,
		:depends_on
	)`

const insertCheckpointQuery = `
	INSERT INTO job_checkpoints (job_id, kind, backend_job_id, progress, outcome, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

func (s *Store) Create(ctx context.Context, job *jobx.Job) (kernel.JobID, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	now := s.clock.Now().UTC()
	stored := job.Clone()
	if stored.ID.IsEmpty() {
		stored.ID = kernel.NewJobID()
	}
	stored.State = jobx.StateCreated
	stored.Result = nil
	stored.Error = ""
	stored.Attempts = 0
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.StartedAt = nil
	stored.CompletedAt = nil

	row, err := toPersistence(stored)
	if err != nil {
		return "", jobx.InvalidJob(err.Error())
	}

	err = WithRetryTx(ctx, s.db, s.maxElapsed, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertJobQuery, row); err != nil {
			return err
		}
		return insertCheckpoint(ctx, tx, stored.ID, jobx.Created(), now)
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return "", jobx.InvalidJob("job id already exists")
		}
		return "", storageError(err).WithDetail("job_id", stored.ID.String())
	}
	return stored.ID, nil
}

func (s *Store) Get(ctx context.Context, id kernel.JobID) (*jobx.Job, error) {
	var row jobPersistence
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobx.NotFound(id)
		}
		return nil, storageError(err).WithDetail("job_id", id.String())
	}
	job, err := toDomain(row)
	if err != nil {
		return nil, jobx.CorruptRecord(id, err)
	}
	return job, nil
}

// transitionQuery moves a job to $2 only while its state is one of $9.
// Timestamps, attempts, error and result follow jobx.Job.Transition.
const transitionQuery = `
	UPDATE jobs SET
		state        = $2,
		version      = version + 1,
		updated_at   = $3,
		started_at   = CASE WHEN $4 AND started_at IS NULL THEN $3 ELSE started_at END,
		completed_at = CASE WHEN $5 THEN $3 ELSE completed_at END,
		attempts     = CASE WHEN $6 AND state <> 'created' THEN attempts + 1 ELSE attempts END,
		error        = COALESCE($7, error),
		result       = COALESCE($8::jsonb, result)
	WHERE id = $1 AND state = ANY($9)`

type transition struct {
	to      jobx.State
	from    []jobx.State
	reason  sql.NullString
	outcome sql.NullString
}

func (s *Store) transition(ctx context.Context, id kernel.JobID, t transition) error {
	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx, transitionQuery,
		id.String(),
		string(t.to),
		now,
		t.to == jobx.StateSubmitted,
		t.to.IsTerminal(),
		t.to == jobx.StateQueued,
		t.reason,
		t.outcome,
		pq.Array(statesToStrings(t.from)),
	)
	if err != nil {
		return storageError(err).WithDetail("job_id", id.String())
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageError(err)
	}
	if n == 1 {
		return nil
	}

	// Lost the compare-and-swap: report why.
	var current string
	err = s.db.GetContext(ctx, &current, `SELECT state FROM jobs WHERE id = $1`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return jobx.NotFound(id)
	}
	if err != nil {
		return storageError(err).WithDetail("job_id", id.String())
	}
	return jobx.InvalidTransition(id, jobx.State(current), t.to)
}

func (s *Store) UpdateState(ctx context.Context, id kernel.JobID, to jobx.State) error {
	return s.transition(ctx, id, transition{to: to, from: jobx.Sources(to)})
}

func (s *Store) StoreResult(ctx context.Context, id kernel.JobID, outcome *jobx.Outcome) error {
	encoded, err := encodeOutcome(outcome)
	if err != nil {
		return jobx.InvalidJob(err.Error())
	}
	return s.transition(ctx, id, transition{
		to:      jobx.StateCompleted,
		from:    jobx.Sources(jobx.StateCompleted),
		outcome: encoded,
	})
}

func (s *Store) Fail(ctx context.Context, id kernel.JobID, reason string) error {
	return s.transition(ctx, id, transition{
		to:     jobx.StateFailed,
		from:   jobx.Sources(jobx.StateFailed),
		reason: sql.NullString{String: reason, Valid: true},
	})
}

func (s *Store) Requeue(ctx context.Context, id kernel.JobID) error {
	return s.transition(ctx, id, transition{
		to:   jobx.StateQueued,
		from: []jobx.State{jobx.StateClaimed, jobx.StateSubmitted, jobx.StateRunning},
	})
}

var terminalStates = []string{string(jobx.StateCompleted), string(jobx.StateFailed), string(jobx.StateCanceled)}

func (s *Store) DeleteRetired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state = ANY($1) AND completed_at < $2`,
		pq.Array(terminalStates), cutoff.UTC())
	if err != nil {
		return 0, storageError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageError(err)
	}
	return n, nil
}

func (s *Store) ListByState(ctx context.Context, state jobx.State, limit int) ([]*jobx.Job, error) {
	if limit <= 0 {
		limit = 1000
	}

	var rows []jobPersistence
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE state = $1 ORDER BY created_at, id LIMIT $2`
	if err := s.db.SelectContext(ctx, &rows, query, string(state), limit); err != nil {
		return nil, storageError(err).WithDetail("state", string(state))
	}

	jobs := make([]*jobx.Job, 0, len(rows))
	for _, row := range rows {
		job, err := toDomain(row)
		if err != nil {
			return nil, jobx.CorruptRecord(kernel.JobID(row.ID), err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) CountActive(ctx context.Context, owner kernel.ClientID) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM jobs WHERE owner = $1 AND NOT (state = ANY($2))`,
		owner.String(), pq.Array(terminalStates))
	if err != nil {
		return 0, storageError(err).WithDetail("owner", owner.String())
	}
	return n, nil
}

func (s *Store) Checkpoint(ctx context.Context, id kernel.JobID, m jobx.Milestone) error {
	err := insertCheckpoint(ctx, s.db, id, m, s.clock.Now().UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
			return jobx.NotFound(id)
		}
		return storageError(err).WithDetail("job_id", id.String())
	}
	return nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, id kernel.JobID) (*jobx.Checkpoint, error) {
	var row checkpointPersistence
	err := s.db.GetContext(ctx, &row, `
		SELECT id, job_id, kind, backend_job_id, progress, outcome, created_at
		FROM job_checkpoints WHERE job_id = $1 ORDER BY id DESC LIMIT 1`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err).WithDetail("job_id", id.String())
	}

	cp, err := checkpointToDomain(row)
	if err != nil {
		return nil, jobx.CorruptRecord(id, err)
	}
	return cp, nil
}

func insertCheckpoint(ctx context.Context, db sqlx.ExecerContext, id kernel.JobID, m jobx.Milestone, now time.Time) error {
	outcome, err := encodeOutcome(m.Outcome)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, insertCheckpointQuery,
		id.String(), string(m.Kind), m.BackendJobID, m.Progress, outcome, now)
	return err
}

// storageError keeps domain errors intact and wraps everything else as
// StorageUnavailable.
func storageError(err error) *errx.Error {
	var e *errx.Error
	if errors.As(err, &e) {
		return e
	}
	return jobx.StorageUnavailable(err)
}
