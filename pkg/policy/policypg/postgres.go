// Package policypg stores client policies in PostgreSQL. The table is created
// by jobxpg.Migrate.
package policypg

import (
	"context"
	"time"

	"github.com/Abraxas-365/qorch/pkg/jobx/jobxpg"
	"github.com/Abraxas-365/qorch/pkg/policy"
	"github.com/WatchBeam/clock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const sourceName = "postgres:client_policies"

type policyPersistence struct {
	ClientPattern     string         `db:"client_pattern"`
	AllowedOperations pq.StringArray `db:"allowed_operations"`
	AllowedBackends   pq.StringArray `db:"allowed_backends"`
	MaxQueuedJobs     int            `db:"max_queued_jobs"`
	RatePerMinute     int            `db:"rate_per_minute"`
	MaxShotsPerJob    int            `db:"max_shots_per_job"`
	FairShareWeight   float64        `db:"fair_share_weight"`
	PriorityCeiling   string         `db:"priority_ceiling"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func toPersistence(p policy.ClientPolicy, now time.Time) policyPersistence {
	ceiling := p.PriorityCeiling
	if ceiling == "" {
		ceiling = p.Ceiling().String()
	}
	return policyPersistence{
		ClientPattern:     p.ClientPattern,
		AllowedOperations: pq.StringArray(nonNil(p.AllowedOperations)),
		AllowedBackends:   pq.StringArray(nonNil(p.AllowedBackends)),
		MaxQueuedJobs:     p.MaxQueuedJobs,
		RatePerMinute:     p.RatePerMinute,
		MaxShotsPerJob:    p.MaxShotsPerJob,
		FairShareWeight:   p.FairShareWeight,
		PriorityCeiling:   ceiling,
		UpdatedAt:         now,
	}
}

func (r policyPersistence) toDomain() policy.ClientPolicy {
	return policy.ClientPolicy{
		ClientPattern:     r.ClientPattern,
		AllowedOperations: []string(r.AllowedOperations),
		AllowedBackends:   []string(r.AllowedBackends),
		MaxQueuedJobs:     r.MaxQueuedJobs,
		RatePerMinute:     r.RatePerMinute,
		MaxShotsPerJob:    r.MaxShotsPerJob,
		FairShareWeight:   r.FairShareWeight,
		PriorityCeiling:   r.PriorityCeiling,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Store is a policy.Source backed by the client_policies table.
type Store struct {
	db    *sqlx.DB
	clock clock.Clock
}

var _ policy.Source = (*Store)(nil)

func NewStore(db *sqlx.DB, c clock.Clock) *Store {
	if c == nil {
		c = clock.C
	}
	return &Store{db: db, clock: c}
}

// Load returns every stored policy. The default policy is not stored.
func (s *Store) Load(ctx context.Context) (*policy.Document, error) {
	var rows []policyPersistence
	err := s.db.SelectContext(ctx, &rows, `
		SELECT client_pattern, allowed_operations, allowed_backends, max_queued_jobs,
		       rate_per_minute, max_shots_per_job, fair_share_weight, priority_ceiling, updated_at
		FROM client_policies ORDER BY client_pattern`)
	if err != nil {
		return nil, policy.SourceUnavailable(sourceName, err)
	}

	doc := &policy.Document{Policies: make([]policy.ClientPolicy, 0, len(rows))}
	for _, r := range rows {
		doc.Policies = append(doc.Policies, r.toDomain())
	}
	return doc, nil
}

// Replace atomically swaps the stored policies for doc.Policies.
func (s *Store) Replace(ctx context.Context, doc *policy.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	now := s.clock.Now().UTC()

	err := jobxpg.WithRetryTx(ctx, s.db, 5*time.Second, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM client_policies`); err != nil {
			return err
		}
		for _, p := range doc.Policies {
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO client_policies (
					client_pattern, allowed_operations, allowed_backends, max_queued_jobs,
					rate_per_minute, max_shots_per_job, fair_share_weight, priority_ceiling, updated_at
				) VALUES (
					:client_pattern, :allowed_operations, :allowed_backends, :max_queued_jobs,
					:rate_per_minute, :max_shots_per_job, :fair_share_weight, :priority_ceiling, :updated_at
				)`, toPersistence(p, now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return policy.SourceUnavailable(sourceName, err)
	}
	return nil
}

// Sync copies the document published by from into the table. The leader runs
// it so every node's reloader converges on the same policies.
func (s *Store) Sync(ctx context.Context, from policy.Source) error {
	doc, err := from.Load(ctx)
	if err != nil {
		return err
	}
	return s.Replace(ctx, doc)
}
