// Package leader elects one coordinator among nodes for cluster-wide duties.
// Leadership never gates job claiming.
package leader

import (
	"context"
	"net/http"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
)

// DefaultLease is the leadership lease when none is configured.
const DefaultLease = 30 * time.Second

// Elector is the shared leadership lease. All operations are single
// conditional writes on the shared store.
type Elector interface {
	// TryAcquire succeeds only if no unexpired lease exists or nodeID already holds it.
	TryAcquire(ctx context.Context, nodeID string) (bool, error)
	// Renew extends the lease only if nodeID holds it.
	Renew(ctx context.Context, nodeID string) (bool, error)
	IsLeader(ctx context.Context, nodeID string) (bool, error)
	// Release clears the lease only if nodeID still holds it.
	Release(ctx context.Context, nodeID string) error
	LeaseDuration() time.Duration
}

var leaderErrors = errx.NewRegistry("LEADER")

var (
	ErrStorageUnavailable = leaderErrors.Register("STORAGE_UNAVAILABLE", errx.TypeUnavailable, http.StatusServiceUnavailable, "Leadership store unavailable")
	ErrAlreadyRunning     = leaderErrors.Register("ALREADY_RUNNING", errx.TypeConflict, http.StatusConflict, "Selector is already running")
)

func StorageUnavailable(cause error) *errx.Error {
	return leaderErrors.NewWithCause(ErrStorageUnavailable, cause)
}
