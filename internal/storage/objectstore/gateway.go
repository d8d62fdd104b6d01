// Package objectstore hands result packages to S3-compatible storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	platformstore "github.com/hutch-labs/hutch-agent/internal/platform/objectstore"
	"github.com/minio/minio-go/v7"
)

var (
	ErrUnavailable    = errors.New("object store unavailable")
	ErrBucketNotFound = errors.New("bucket not found")
)

// Gateway is the storage seam used by the reconciler. Objects are keyed by
// the base name of the uploaded file.
type Gateway interface {
	Exists(ctx context.Context, name string) (bool, error)
	Upload(ctx context.Context, localPath string) error
}

// ObjectAPI is the subset of *minio.Client the gateway uses.
type ObjectAPI interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type MinioGateway struct {
	client ObjectAPI
	bucket string
	prefix string
}

var _ Gateway = (*MinioGateway)(nil)

func NewMinioGateway(cfg platformstore.Config) (*MinioGateway, error) {
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewMinioGatewayWithClient(client, cfg.Bucket, cfg.Prefix)
}

func NewMinioGatewayWithClient(client ObjectAPI, bucket, prefix string) (*MinioGateway, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &MinioGateway{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Key maps a file name or path to its object key.
func (g *MinioGateway) Key(name string) string {
	base := filepath.Base(name)
	if g.prefix == "" {
		return base
	}
	return path.Join(g.prefix, base)
}

func (g *MinioGateway) Exists(ctx context.Context, name string) (bool, error) {
	if g == nil || g.client == nil {
		return false, fmt.Errorf("minio gateway not initialized")
	}
	key := g.Key(name)
	_, err := g.client.StatObject(ctx, g.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, classify(err, "stat", g.bucket, key)
}

func (g *MinioGateway) Upload(ctx context.Context, localPath string) error {
	if g == nil || g.client == nil {
		return fmt.Errorf("minio gateway not initialized")
	}
	key := g.Key(localPath)
	opts := minio.PutObjectOptions{ContentType: contentType(localPath)}
	if _, err := g.client.FPutObject(ctx, g.bucket, key, localPath, opts); err != nil {
		return classify(err, "upload", g.bucket, key)
	}
	return nil
}

func contentType(name string) string {
	if strings.EqualFold(filepath.Ext(name), ".zip") {
		return "application/zip"
	}
	return "application/octet-stream"
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" {
		return true
	}
	return resp.Code == "" && resp.StatusCode == http.StatusNotFound
}

// classify maps a minio error onto the gateway's sentinels. Context errors
// pass through so callers can tell shutdown apart from an outage.
func classify(err error, op, bucket, key string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchBucket" {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	return fmt.Errorf("%w: %s %s/%s: %v", ErrUnavailable, op, bucket, key, err)
}
