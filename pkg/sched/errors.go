package sched

import (
	"net/http"

	"github.com/Abraxas-365/qorch/pkg/errx"
)

var schedErrors = errx.NewRegistry("SCHED")

var (
	ErrRejected           = schedErrors.Register("REJECTED", errx.TypeBusiness, http.StatusUnprocessableEntity, "Submission rejected")
	ErrRateLimited        = schedErrors.Register("RATE_LIMITED", errx.TypeBusiness, http.StatusTooManyRequests, "Submission rejected")
	ErrStorageUnavailable = schedErrors.Register("STORAGE_UNAVAILABLE", errx.TypeUnavailable, http.StatusServiceUnavailable, "Admission state unavailable")
)

// Rejection reasons.
const (
	ReasonOperationNotPermitted = "operation not permitted"
	ReasonBackendNotPermitted   = "backend not permitted"
	ReasonUnknownBackend        = "unknown backend"
	ReasonShotsExceedLimit      = "shots exceed limit"
	ReasonQueueFull             = "queue full"
	ReasonRateLimitExceeded     = "rate limit exceeded"
)

// Rejected builds an admission rejection carrying reason.
func Rejected(client, reason string) *errx.Error {
	code := ErrRejected
	if reason == ReasonRateLimitExceeded {
		code = ErrRateLimited
	}
	return schedErrors.NewWithMessage(code, "rejected: "+reason).
		WithDetail("client_id", client).
		WithDetail("reason", reason)
}

// IsRejected reports whether err is an admission rejection.
func IsRejected(err error) bool {
	return errx.IsCode(err, ErrRejected) || errx.IsCode(err, ErrRateLimited)
}

// Reason returns the rejection reason carried by err, or "".
func Reason(err error) string {
	for err != nil {
		var e *errx.Error
		if !errx.As(err, &e) {
			return ""
		}
		if e.Code == ErrRejected.Code || e.Code == ErrRateLimited.Code {
			return e.Detail("reason")
		}
		err = e.Err
	}
	return ""
}

func StorageUnavailable(op string, cause error) *errx.Error {
	return schedErrors.NewWithCause(ErrStorageUnavailable, cause).WithDetail("op", op)
}
