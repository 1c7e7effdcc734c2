package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Compile-time check that S3 implements Storage.
var _ Storage = (*S3)(nil)

// S3Config holds the connection settings for an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
	UseSSL    bool
}

// object is the subset of *minio.Object that S3 reads through.
type object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// objectClient is the subset of the minio client used by S3.
type objectClient interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// minioObjects adapts *minio.Client to objectClient.
type minioObjects struct {
	*minio.Client
}

func (m minioObjects) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (object, error) {
	return m.Client.GetObject(ctx, bucket, key, opts)
}

// S3 implements Storage on an S3-compatible object store.
type S3 struct {
	client objectClient
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 creates an S3 storage backend for cfg.
func NewS3(cfg S3Config, logger *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	logger.Info("s3 storage initialized",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
		slog.String("prefix", cfg.Prefix),
	)
	return newS3WithClient(minioObjects{client}, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3WithClient(client objectClient, bucket, prefix string, logger *slog.Logger) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3) Store(ctx context.Context, key string, data io.Reader) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}
	objKey := s.objectKey(key)

	info, err := s.client.PutObject(ctx, s.bucket, objKey, data, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("put object %s: %w", objKey, err)
	}

	s.logger.Debug("stored object", slog.String("key", objKey), slog.Int64("size", info.Size))
	return info.Size, nil
}

func (s *S3) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	objKey := s.objectKey(key)

	obj, err := s.client.GetObject(ctx, s.bucket, objKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objKey, err)
	}

	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("stat object %s: %w", objKey, err)
	}
	return obj, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	objKey := s.objectKey(key)

	err := s.client.RemoveObject(ctx, s.bucket, objKey, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("remove object %s: %w", objKey, err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	objKey := s.objectKey(key)

	_, err := s.client.StatObject(ctx, s.bucket, objKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", objKey, err)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
