package media

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// minioAPI is the part of *minio.Client the store uses. It exists so tests
// can run without a MinIO server.
type minioAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	SetBucketPolicy(ctx context.Context, bucketName, policy string) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// minioClientWrapper adapts *minio.Client to minioAPI.
type minioClientWrapper struct{ c *minio.Client }

func (w minioClientWrapper) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return w.c.BucketExists(ctx, bucketName)
}
func (w minioClientWrapper) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	return w.c.MakeBucket(ctx, bucketName, opts)
}
func (w minioClientWrapper) SetBucketPolicy(ctx context.Context, bucketName, policy string) error {
	return w.c.SetBucketPolicy(ctx, bucketName, policy)
}
func (w minioClientWrapper) FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return w.c.FPutObject(ctx, bucketName, objectName, filePath, opts)
}
func (w minioClientWrapper) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return w.c.RemoveObject(ctx, bucketName, objectName, opts)
}

// StoreConfig describes the S3-compatible endpoint.
type StoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string // base for returned URLs; derived from Endpoint when empty
}

// MinioStore puts files into one public-read bucket.
type MinioStore struct {
	api       minioAPI
	bucket    string
	publicURL string
}

// NewMinioStore connects to the endpoint and prepares the bucket.
func NewMinioStore(ctx context.Context, cfg StoreConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("media: creating minio client: %w", err)
	}
	return NewMinioStoreWithAPI(ctx, minioClientWrapper{c: client}, cfg)
}

// NewMinioStoreWithAPI allows injecting a fake API (used in tests).
func NewMinioStoreWithAPI(ctx context.Context, api minioAPI, cfg StoreConfig) (*MinioStore, error) {
	base := cfg.PublicURL
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint
	}

	s := &MinioStore{
		api:       api,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(base, "/"),
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("media: failed to ensure bucket exists: %w", err)
	}
	return s, nil
}

// ensureBucket creates the bucket if missing and opens it for anonymous
// reads, so the URLs handed to clients work without signing.
func (s *MinioStore) ensureBucket(ctx context.Context) error {
	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	if err := s.api.SetBucketPolicy(ctx, s.bucket, publicReadPolicy(s.bucket)); err != nil {
		return fmt.Errorf("setting bucket policy: %w", err)
	}
	return nil
}

// Put uploads the file at path under key and returns its public URL.
func (s *MinioStore) Put(ctx context.Context, key, path string) (string, error) {
	opts := minio.PutObjectOptions{ContentType: mime.TypeByExtension(filepath.Ext(path))}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}

	if _, err := s.api.FPutObject(ctx, s.bucket, key, path, opts); err != nil {
		return "", fmt.Errorf("media: uploading %s: %w", key, err)
	}
	return s.publicURL + "/" + s.bucket + "/" + key, nil
}

// Delete removes the object stored under key.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.api.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("media: deleting %s: %w", key, err)
	}
	return nil
}

func publicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, bucket)
}
