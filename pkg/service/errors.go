package service

import (
	"net/http"

	"github.com/Abraxas-365/qorch/pkg/errx"
)

var serviceErrors = errx.NewRegistry("SERVICE")

var (
	ErrUnauthenticated = serviceErrors.Register("UNAUTHENTICATED", errx.TypeAuthorization, http.StatusUnauthorized, "Client identity required")
	ErrForbidden       = serviceErrors.Register("FORBIDDEN", errx.TypeAuthorization, http.StatusForbidden, "Operation not allowed for this client")
	ErrInvalidRequest  = serviceErrors.Register("INVALID_REQUEST", errx.TypeValidation, http.StatusBadRequest, "Invalid request")
)

func Unauthenticated() *errx.Error {
	return serviceErrors.New(ErrUnauthenticated)
}

func Forbidden(scope string) *errx.Error {
	return serviceErrors.New(ErrForbidden).WithDetail("scope", scope)
}

func InvalidRequest(reason string) *errx.Error {
	return serviceErrors.NewWithMessage(ErrInvalidRequest, "invalid request: "+reason).WithDetail("reason", reason)
}
