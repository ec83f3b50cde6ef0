package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kalambet/tokdash/internal/storage"
)

// BucketConfig locates an S3-compatible bucket.
type BucketConfig struct {
	Endpoint  string
	Bucket    string
	UseSSL    bool
	AccessKey string
	SecretKey string
}

// ErrNoEndpoint is returned when no export endpoint is configured.
var ErrNoEndpoint = errors.New("export.endpoint is not configured")

// objectStore is the part of *minio.Client the uploader uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// BucketUploader puts exports into object storage.
type BucketUploader struct {
	client objectStore
	bucket string
	logger *slog.Logger
}

// NewBucketUploader connects to the configured endpoint.
func NewBucketUploader(cfg BucketConfig) (*BucketUploader, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if cfg.Bucket == "" {
		return nil, errors.New("export.bucket is not configured")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}
	return &BucketUploader{client: client, bucket: cfg.Bucket, logger: slog.Default()}, nil
}

// ObjectKey names an export taken at t on machine.
func ObjectKey(machine string, t time.Time, f Format) string {
	return fmt.Sprintf("tokdash/%s/%s.%s", machine, t.UTC().Format("20060102T150405Z"), f.Ext())
}

// Upload encodes entries and stores them under ObjectKey. The bucket is
// created if missing. It returns the object key.
func (u *BucketUploader) Upload(ctx context.Context, machine string, at time.Time, f Format, entries []storage.Entry) (string, error) {
	var buf bytes.Buffer
	if err := Write(&buf, f, entries); err != nil {
		return "", err
	}

	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return "", fmt.Errorf("checking bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("creating bucket %s: %w", u.bucket, err)
		}
		u.logger.Info("created export bucket", "bucket", u.bucket)
	}

	key := ObjectKey(machine, at, f)
	_, err = u.client.PutObject(ctx, u.bucket, key, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: f.ContentType(),
		UserMetadata: map[string]string{
			"machine-id": machine,
			"records":    fmt.Sprint(len(entries)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	return key, nil
}
