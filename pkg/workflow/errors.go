package workflow

import (
	"net/http"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
)

var workflowErrors = errx.NewRegistry("WORKFLOW")

var (
	ErrReleaseFailed = workflowErrors.Register("RELEASE_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Held job could not be released")
	ErrScanFailed    = workflowErrors.Register("SCAN_FAILED", errx.TypeUnavailable, http.StatusServiceUnavailable, "Could not list held jobs")
)

func releaseFailed(id kernel.JobID, step string, cause error) *errx.Error {
	return workflowErrors.NewWithCause(ErrReleaseFailed, cause).
		WithDetail("job_id", id.String()).
		WithDetail("step", step)
}

func scanFailed(cause error) *errx.Error {
	return workflowErrors.NewWithCause(ErrScanFailed, cause)
}
