package backend

import (
	"net/http"

	"github.com/Abraxas-365/qorch/pkg/errx"
)

var backendErrors = errx.NewRegistry("BACKEND")

var (
	ErrUnavailable   = backendErrors.Register("UNAVAILABLE", errx.TypeUnavailable, http.StatusServiceUnavailable, "Backend unavailable")
	ErrJobNotFound   = backendErrors.Register("JOB_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Backend has no record of the job")
	ErrUnknown       = backendErrors.Register("UNKNOWN", errx.TypeNotFound, http.StatusNotFound, "Unknown backend")
	ErrRejected      = backendErrors.Register("REJECTED", errx.TypeValidation, http.StatusBadRequest, "Backend rejected the job")
	ErrResultMissing = backendErrors.Register("RESULT_MISSING", errx.TypeConflict, http.StatusConflict, "Backend result not available yet")
)

func Unavailable(name string, cause error) *errx.Error {
	return backendErrors.NewWithCause(ErrUnavailable, cause).WithDetail("backend", name)
}

func JobNotFound(name, backendJobID string) *errx.Error {
	return backendErrors.New(ErrJobNotFound).
		WithDetail("backend", name).
		WithDetail("backend_job_id", backendJobID)
}

func Unknown(name string) *errx.Error {
	return backendErrors.New(ErrUnknown).WithDetail("backend", name)
}

func Rejected(name, reason string) *errx.Error {
	return backendErrors.New(ErrRejected).
		WithDetail("backend", name).
		WithDetail("reason", reason)
}

// IsTransient reports whether err should send the job back to the queue
// rather than fail it.
func IsTransient(err error) bool {
	if errx.IsCode(err, ErrRejected) || errx.IsCode(err, ErrJobNotFound) || errx.IsCode(err, ErrUnknown) {
		return false
	}
	return true
}

func ResultMissing(name, backendJobID string, state State) *errx.Error {
	return backendErrors.New(ErrResultMissing).
		WithDetail("backend", name).
		WithDetail("backend_job_id", backendJobID).
		WithDetail("state", string(state))
}
