package fsxs3

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/Abraxas-365/qorch/pkg/fsx"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// API is the subset of the S3 client the reader needs. *s3.Client satisfies it.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// FileSystem implements fsx.FileReader over one bucket.
type FileSystem struct {
	client API
	bucket string
	prefix string
}

// New reads objects from bucket. Paths are keys relative to prefix.
func New(client API, bucket, prefix string) *FileSystem {
	return &FileSystem{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (fs *FileSystem) ReadFile(ctx context.Context, p string) ([]byte, error) {
	key, err := fs.key(p)
	if err != nil {
		return nil, err
	}
	out, err := fs.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fs.wrap(p, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fsx.Unavailable(p, err)
	}
	return data, nil
}

func (fs *FileSystem) Stat(ctx context.Context, p string) (fsx.FileInfo, error) {
	key, err := fs.key(p)
	if err != nil {
		return fsx.FileInfo{}, err
	}
	out, err := fs.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fsx.FileInfo{}, fs.wrap(p, err)
	}
	return fsx.FileInfo{
		Name:    path.Base(key),
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: aws.ToTime(out.LastModified),
		Version: strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

func (fs *FileSystem) key(p string) (string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" || strings.Contains(p, "..") {
		return "", fsx.InvalidPath(p)
	}
	clean = strings.TrimPrefix(clean, "/")
	if fs.prefix == "" {
		return clean, nil
	}
	return fs.prefix + "/" + clean, nil
}

func (fs *FileSystem) wrap(p string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fsx.NotFound(p)
	}
	return fsx.Unavailable(p, err)
}
