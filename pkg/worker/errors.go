package worker

import (
	"net/http"

	"github.com/Abraxas-365/qorch/pkg/errx"
)

var workerErrors = errx.NewRegistry("WORKER")

var ErrAlreadyRunning = workerErrors.Register("ALREADY_RUNNING", errx.TypeConflict, http.StatusConflict, "Worker is already running")

// Failure reasons recorded on jobs.
const (
	ReasonRetriesExhausted = "retries exhausted"
	ReasonUnknownBackend   = "unknown backend"
	ReasonBackendFailed    = "backend reported failure"
	ReasonNoCheckpoint     = "no checkpoint"
)
