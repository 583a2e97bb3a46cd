package fsxlocal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Abraxas-365/qorch/pkg/fsx"
)

// FileSystem implements fsx.FileReader on local disk below a base directory.
type FileSystem struct {
	basePath string
}

// New roots a reader at basePath. Paths are resolved relative to it and may
// not escape it.
func New(basePath string) *FileSystem {
	return &FileSystem{basePath: filepath.Clean(basePath)}
}

func (fs *FileSystem) BasePath() string { return fs.basePath }

func (fs *FileSystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := fs.fullPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fs.wrap(path, err)
	}
	return data, nil
}

func (fs *FileSystem) Stat(ctx context.Context, path string) (fsx.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return fsx.FileInfo{}, err
	}
	fullPath, err := fs.fullPath(path)
	if err != nil {
		return fsx.FileInfo{}, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		return fsx.FileInfo{}, fs.wrap(path, err)
	}
	if info.IsDir() {
		return fsx.FileInfo{}, fsx.InvalidPath(path)
	}
	return fsx.FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Version: fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()),
	}, nil
}

func (fs *FileSystem) fullPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fsx.InvalidPath(path)
	}
	full := filepath.Join(fs.basePath, path)
	rel, err := filepath.Rel(fs.basePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fsx.InvalidPath(path)
	}
	return full, nil
}

func (fs *FileSystem) wrap(path string, err error) error {
	if os.IsNotExist(err) {
		return fsx.NotFound(path)
	}
	return fsx.Unavailable(path, err)
}
