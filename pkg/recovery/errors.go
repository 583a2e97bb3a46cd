package recovery

import (
	"net/http"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
)

var recoveryErrors = errx.NewRegistry("RECOVERY")

var (
	ErrReconcileFailed = recoveryErrors.Register("RECONCILE_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Job reconciliation failed")
	ErrScanFailed      = recoveryErrors.Register("SCAN_FAILED", errx.TypeUnavailable, http.StatusServiceUnavailable, "Could not list jobs to recover")
)

func reconcileFailed(id kernel.JobID, step string, cause error) *errx.Error {
	return recoveryErrors.NewWithCause(ErrReconcileFailed, cause).
		WithDetail("job_id", id.String()).
		WithDetail("step", step)
}

func scanFailed(state string, cause error) *errx.Error {
	return recoveryErrors.NewWithCause(ErrScanFailed, cause).WithDetail("state", state)
}
