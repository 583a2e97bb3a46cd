package queue

import (
	"net/http"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
)

var queueErrors = errx.NewRegistry("QUEUE")

var (
	ErrEmpty              = queueErrors.Register("EMPTY", errx.TypeNotFound, http.StatusNotFound, "Queue is empty")
	ErrStorageUnavailable = queueErrors.Register("STORAGE_UNAVAILABLE", errx.TypeUnavailable, http.StatusServiceUnavailable, "Queue store unavailable")
	ErrLeaseExpired       = queueErrors.Register("LEASE_EXPIRED", errx.TypeConflict, http.StatusConflict, "Claim lease expired")
	ErrMalformedReply     = queueErrors.Register("MALFORMED_REPLY", errx.TypeInternal, http.StatusInternalServerError, "Unexpected reply from queue store")
)

func Empty() *errx.Error {
	return queueErrors.New(ErrEmpty)
}

// IsEmpty reports whether err means there was nothing to claim.
func IsEmpty(err error) bool {
	return errx.IsCode(err, ErrEmpty)
}

func StorageUnavailable(cause error) *errx.Error {
	return queueErrors.NewWithCause(ErrStorageUnavailable, cause)
}

func LeaseExpired(id kernel.JobID, workerID string) *errx.Error {
	return queueErrors.New(ErrLeaseExpired).
		WithDetail("job_id", id.String()).
		WithDetail("worker_id", workerID)
}

func MalformedReply(op string, reply interface{}) *errx.Error {
	return queueErrors.New(ErrMalformedReply).
		WithDetail("op", op).
		WithDetail("reply", reply)
}
