package policy

import (
	"net/http"

	"github.com/Abraxas-365/qorch/pkg/errx"
)

var policyErrors = errx.NewRegistry("POLICY")

var (
	ErrInvalidPolicy     = policyErrors.Register("INVALID", errx.TypeValidation, http.StatusBadRequest, "Invalid client policy")
	ErrSourceUnavailable = policyErrors.Register("SOURCE_UNAVAILABLE", errx.TypeUnavailable, http.StatusServiceUnavailable, "Policy source unavailable")
)

func InvalidPolicy(pattern, reason string) *errx.Error {
	return policyErrors.New(ErrInvalidPolicy).
		WithDetail("client_pattern", pattern).
		WithDetail("reason", reason)
}

func SourceUnavailable(source string, cause error) *errx.Error {
	return policyErrors.NewWithCause(ErrSourceUnavailable, cause).WithDetail("source", source)
}
