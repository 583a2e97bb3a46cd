package jobxpg

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/lib/pq"
)

const jobColumns = `id, owner, backend_target, shots, circuit_payload, priority_class, state,
	result, error, attempts, version, created_at, started_at, completed_at, updated_at, depends_on`

type jobPersistence struct {
	ID             string         `db:"id"`
	Owner          string         `db:"owner"`
	BackendTarget  string         `db:"backend_target"`
	Shots          int            `db:"shots"`
	CircuitPayload []byte         `db:"circuit_payload"`
	PriorityClass  int            `db:"priority_class"`
	State          string         `db:"state"`
	Result         sql.NullString `db:"result"`
	Error          string         `db:"error"`
	Attempts       int            `db:"attempts"`
	Version        int64          `db:"version"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      *time.Time     `db:"started_at"`
	CompletedAt    *time.Time     `db:"completed_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	DependsOn      pq.StringArray `db:"depends_on"`
}

func toPersistence(j *jobx.Job) (jobPersistence, error) {
	result, err := encodeOutcome(j.Result)
	if err != nil {
		return jobPersistence{}, err
	}
	return jobPersistence{
		ID:             j.ID.String(),
		Owner:          j.Owner.String(),
		BackendTarget:  j.BackendTarget,
		Shots:          j.Shots,
		CircuitPayload: j.CircuitPayload,
		PriorityClass:  int(j.Priority),
		State:          string(j.State),
		Result:         result,
		Error:          j.Error,
		Attempts:       j.Attempts,
		Version:        j.Version,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		UpdatedAt:      j.UpdatedAt,
		DependsOn:      jobIDsToStrings(j.DependsOn),
	}, nil
}

func toDomain(p jobPersistence) (*jobx.Job, error) {
	result, err := decodeOutcome(p.Result)
	if err != nil {
		return nil, err
	}
	return &jobx.Job{
		ID:             kernel.JobID(p.ID),
		Owner:          kernel.ClientID(p.Owner),
		BackendTarget:  p.BackendTarget,
		Shots:          p.Shots,
		CircuitPayload: p.CircuitPayload,
		Priority:       jobx.PriorityClass(p.PriorityClass),
		State:          jobx.State(p.State),
		Result:         result,
		Error:          p.Error,
		Attempts:       p.Attempts,
		Version:        p.Version,
		CreatedAt:      p.CreatedAt,
		StartedAt:      p.StartedAt,
		CompletedAt:    p.CompletedAt,
		UpdatedAt:      p.UpdatedAt,
		DependsOn:      stringsToJobIDs(p.DependsOn),
	}, nil
}

// jobIDsToStrings never returns nil; the column is NOT NULL.
func jobIDsToStrings(ids []kernel.JobID) pq.StringArray {
	out := make(pq.StringArray, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func stringsToJobIDs(ss []string) []kernel.JobID {
	if len(ss) == 0 {
		return nil
	}
	out := make([]kernel.JobID, 0, len(ss))
	for _, s := range ss {
		out = append(out, kernel.JobID(s))
	}
	return out
}

type checkpointPersistence struct {
	ID           int64          `db:"id"`
	JobID        string         `db:"job_id"`
	Kind         string         `db:"kind"`
	BackendJobID string         `db:"backend_job_id"`
	Progress     float64        `db:"progress"`
	Outcome      sql.NullString `db:"outcome"`
	CreatedAt    time.Time      `db:"created_at"`
}

func checkpointToDomain(p checkpointPersistence) (*jobx.Checkpoint, error) {
	outcome, err := decodeOutcome(p.Outcome)
	if err != nil {
		return nil, err
	}
	return &jobx.Checkpoint{
		ID:    p.ID,
		JobID: kernel.JobID(p.JobID),
		Milestone: jobx.Milestone{
			Kind:         jobx.MilestoneKind(p.Kind),
			BackendJobID: p.BackendJobID,
			Progress:     p.Progress,
			Outcome:      outcome,
		},
		CreatedAt: p.CreatedAt,
	}, nil
}

// encodeOutcome renders JSONB as text; lib/pq would send []byte as bytea.
func encodeOutcome(o *jobx.Outcome) (sql.NullString, error) {
	if o == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeOutcome(s sql.NullString) (*jobx.Outcome, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var o jobx.Outcome
	if err := json.Unmarshal([]byte(s.String), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func statesToStrings(states []jobx.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
