package jobx

import (
	"net/http"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
)

var jobxErrors = errx.NewRegistry("JOBX")

var (
	ErrJobNotFound        = jobxErrors.Register("JOB_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Job not found")
	ErrInvalidTransition  = jobxErrors.Register("INVALID_TRANSITION", errx.TypeConflict, http.StatusConflict, "Invalid job state transition")
	ErrInvalidJob         = jobxErrors.Register("INVALID_JOB", errx.TypeValidation, http.StatusBadRequest, "Invalid job definition")
	ErrStorageUnavailable = jobxErrors.Register("STORAGE_UNAVAILABLE", errx.TypeUnavailable, http.StatusServiceUnavailable, "Job store unavailable")
	ErrCorruptRecord      = jobxErrors.Register("CORRUPT_RECORD", errx.TypeInternal, http.StatusInternalServerError, "Stored record could not be decoded")
)

func NotFound(id kernel.JobID) *errx.Error {
	return jobxErrors.New(ErrJobNotFound).WithDetail("job_id", id.String())
}

func InvalidTransition(id kernel.JobID, from, to State) *errx.Error {
	return jobxErrors.New(ErrInvalidTransition).
		WithDetail("job_id", id.String()).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

func InvalidJob(reason string) *errx.Error {
	return jobxErrors.New(ErrInvalidJob).WithDetail("reason", reason)
}

func StorageUnavailable(cause error) *errx.Error {
	return jobxErrors.NewWithCause(ErrStorageUnavailable, cause)
}

func CorruptRecord(id kernel.JobID, cause error) *errx.Error {
	return jobxErrors.NewWithCause(ErrCorruptRecord, cause).WithDetail("job_id", id.String())
}
