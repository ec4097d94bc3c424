// Package s3storage wraps MinIO/S3 for raw uploads and recognized-text
// artifacts. Raw objects are content-addressed under the owning tenant, so
// the object key itself can never leak across tenants.
package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/scanvault/scanvault/internal/config"
	"github.com/scanvault/scanvault/internal/model"
)

// Storage wraps MinIO interactions.
type Storage struct {
	client          *minio.Client
	rawBucket       string
	processedBucket string
	region          string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:          client,
		rawBucket:       cfg.RawBucket,
		processedBucket: cfg.ProcessedBucket,
		region:          cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the raw/processed buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.rawBucket, s.processedBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// RawKey is the content-addressed object key for an upload.
func RawKey(tenant model.TenantID, fingerprint string) string {
	return fmt.Sprintf("tenants/%s/%s", tenant, fingerprint)
}

// TextKey is the object key for the recognized-text artifact of a document.
func TextKey(tenant model.TenantID, documentID string) string {
	return fmt.Sprintf("tenants/%s/%s.txt", tenant, documentID)
}

// UploadRaw stores the original upload bytes.
func (s *Storage) UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.rawBucket, objectKey, reader, size, opts)
	if err != nil {
		return fmt.Errorf("upload raw object: %w", err)
	}
	return nil
}

// DownloadRaw fetches the original upload bytes for a worker.
func (s *Storage) DownloadRaw(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.rawBucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get raw object: %w", err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read raw object: %w", err)
	}
	return buf, nil
}

// DeleteRaw removes the original upload bytes after a document delete.
func (s *Storage) DeleteRaw(ctx context.Context, objectKey string) error {
	if err := s.client.RemoveObject(ctx, s.rawBucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove raw object: %w", err)
	}
	return nil
}

// UploadText stores the recognized text output.
func (s *Storage) UploadText(ctx context.Context, objectKey string, data []byte) error {
	reader := bytes.NewReader(data)
	opts := minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"}
	_, err := s.client.PutObject(ctx, s.processedBucket, objectKey, reader, int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("upload text object: %w", err)
	}
	return nil
}

// DeleteText removes the recognized text artifact.
func (s *Storage) DeleteText(ctx context.Context, objectKey string) error {
	if err := s.client.RemoveObject(ctx, s.processedBucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove text object: %w", err)
	}
	return nil
}

// PresignTextURL returns a signed GET URL for the recognized text.
func (s *Storage) PresignTextURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.processedBucket, objectKey, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign text object: %w", err)
	}
	return u.String(), nil
}
