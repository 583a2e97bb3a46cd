// Package fsx reads documents from local disk or object storage behind one
// interface. Policy documents are loaded through it.
package fsx

import (
	"context"
	"net/http"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
)

// FileInfo describes a stored document.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time

	// Version changes whenever the content does: an mtime/size pair on disk,
	// the ETag in object storage.
	Version string
}

// FileReader provides read-only access to documents.
type FileReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
}

var fsErrors = errx.NewRegistry("FSX")

var (
	ErrNotFound    = fsErrors.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "File not found")
	ErrInvalidPath = fsErrors.Register("INVALID_PATH", errx.TypeValidation, http.StatusBadRequest, "Invalid file path")
	ErrUnavailable = fsErrors.Register("UNAVAILABLE", errx.TypeUnavailable, http.StatusServiceUnavailable, "File storage unavailable")
)

func NotFound(path string) *errx.Error {
	return fsErrors.New(ErrNotFound).WithDetail("path", path)
}

func InvalidPath(path string) *errx.Error {
	return fsErrors.New(ErrInvalidPath).WithDetail("path", path)
}

func Unavailable(path string, cause error) *errx.Error {
	return fsErrors.NewWithCause(ErrUnavailable, cause).WithDetail("path", path)
}
