package api

import (
	"net/http"

	"github.com/Abraxas-365/qorch/pkg/errx"
)

var apiErrors = errx.NewRegistry("API")

var (
	ErrMissingToken = apiErrors.Register("MISSING_TOKEN", errx.TypeAuthorization, http.StatusUnauthorized, "Bearer token required")
	ErrInvalidToken = apiErrors.Register("INVALID_TOKEN", errx.TypeAuthorization, http.StatusUnauthorized, "Invalid or expired token")
	ErrBadRequest   = apiErrors.Register("BAD_REQUEST", errx.TypeValidation, http.StatusBadRequest, "Malformed request")
)

func invalidToken(cause error) *errx.Error {
	return apiErrors.NewWithCause(ErrInvalidToken, cause)
}

func badRequest(reason string) *errx.Error {
	return apiErrors.NewWithMessage(ErrBadRequest, "malformed request: "+reason).WithDetail("reason", reason)
}

// errorBody renders err for a response that reports several outcomes.
func errorBody(err error) *errx.HTTPErrorResponse {
	var e *errx.Error
	if !errx.As(err, &e) {
		e = errx.Wrap(err, "Internal Server Error", errx.TypeInternal)
	}
	resp := e.ToHTTPResponse()
	return &resp
}
