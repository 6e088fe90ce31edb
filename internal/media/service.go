// Package media stores chat attachments in S3-compatible object storage.
package media

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fastemis/api/internal/util"
)

// Service wraps a MinIO client for attachment upload and retrieval. A nil
// *Service is valid and reports media storage as disabled.
type Service struct {
	client *minio.Client
	bucket string
}

// Options configures the object storage connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewService connects to object storage and ensures the bucket exists.
func NewService(ctx context.Context, opts Options) (*Service, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	svc := &Service{client: client, bucket: opts.Bucket}
	if err := svc.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	log.Printf("media: created bucket %q", s.bucket)
	return nil
}

// Enabled reports whether media storage is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.client != nil
}

// Upload stores an attachment and returns its object key.
func (s *Service) Upload(ctx context.Context, filename, contentType string, size int64, body io.Reader) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("media storage is not configured")
	}

	key := time.Now().UTC().Format("2006/01/02") + "/" + util.NewID("att")
	if ext := path.Ext(filename); ext != "" {
		key += ext
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}
	return key, nil
}

// PresignGet returns a time-limited download URL for an object key.
func (s *Service) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("media storage is not configured")
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign attachment: %w", err)
	}
	return u.String(), nil
}

// Remove deletes an object. Missing objects are not an error.
func (s *Service) Remove(ctx context.Context, key string) error {
	if !s.Enabled() {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove attachment: %w", err)
	}
	return nil
}
