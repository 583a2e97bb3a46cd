package policy

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/Abraxas-365/qorch/pkg/fsx"
	"github.com/Abraxas-365/qorch/pkg/fsx/fsxlocal"
	"github.com/ghodss/yaml"
)

// Source publishes policy documents.
type Source interface {
	Load(ctx context.Context) (*Document, error)
}

// FileSource reads a YAML document through an fsx.FileReader, from local
// disk or a bucket:
//
//	default:
//	  allowed_operations: ["jobs:*"]
//	  allowed_backends: ["*"]
//	  max_queued_jobs: 10
//	policies:
//	  - client: "acme"
//	    priority_ceiling: high
//	  - client: "team-*"
//	    rate_per_minute: 30
type FileSource struct {
	Reader fsx.FileReader
	Path   string
}

// NewFileSource reads the document at a local path.
func NewFileSource(path string) *FileSource {
	return NewDocumentSource(fsxlocal.New(filepath.Dir(path)), filepath.Base(path))
}

// NewDocumentSource reads the document at path from reader.
func NewDocumentSource(reader fsx.FileReader, path string) *FileSource {
	return &FileSource{Reader: reader, Path: path}
}

func (s *FileSource) Load(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := s.Reader.ReadFile(ctx, s.Path)
	if err != nil {
		return nil, SourceUnavailable(s.Path, err)
	}
	return ParseDocument(raw)
}

// ParseDocument decodes and validates a YAML or JSON policy document.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, policyErrors.NewWithCause(ErrInvalidPolicy, err).WithDetail("reason", "malformed document")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// MarshalDocument encodes doc as YAML.
func MarshalDocument(doc *Document) ([]byte, error) {
	if doc == nil {
		return nil, errors.New("policy: nil document")
	}
	return yaml.Marshal(doc)
}
