package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	minioLib "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeMinio implements minioAPI for testing without network.
type fakeMinio struct {
	bucketExists    bool
	bucketExistsErr error
	makeBucketErr   error
	policyErr       error
	putErr          error
	removeErr       error

	madeBucket bool
	policy     string
	putKey     string
	putOpts    minioLib.PutObjectOptions
	removedKey string
}

func (f *fakeMinio) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.bucketExists, f.bucketExistsErr
}
func (f *fakeMinio) MakeBucket(_ context.Context, _ string, _ minioLib.MakeBucketOptions) error {
	f.madeBucket = true
	return f.makeBucketErr
}
func (f *fakeMinio) SetBucketPolicy(_ context.Context, _ string, policy string) error {
	f.policy = policy
	return f.policyErr
}
func (f *fakeMinio) FPutObject(_ context.Context, _ string, key string, _ string, opts minioLib.PutObjectOptions) (minioLib.UploadInfo, error) {
	f.putKey = key
	f.putOpts = opts
	return minioLib.UploadInfo{Key: key}, f.putErr
}
func (f *fakeMinio) RemoveObject(_ context.Context, _ string, key string, _ minioLib.RemoveObjectOptions) error {
	f.removedKey = key
	return f.removeErr
}

func stageFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG fake"), 0o600))
	return path
}

// =========================================================================
// STORE TESTS
// =========================================================================

func TestNewMinioStoreWithAPI_BucketExists(t *testing.T) {
	api := &fakeMinio{bucketExists: true}
	s, err := NewMinioStoreWithAPI(context.Background(), api, StoreConfig{Endpoint: "localhost:9000", Bucket: "b"})
	require.NoError(t, err)

	assert.False(t, api.madeBucket)
	assert.Equal(t, "http://localhost:9000", s.publicURL)
}

func TestNewMinioStoreWithAPI_CreatesPublicBucket(t *testing.T) {
	api := &fakeMinio{bucketExists: false}
	_, err := NewMinioStoreWithAPI(context.Background(), api, StoreConfig{Bucket: "user-media", PublicURL: "https://cdn.example.com/"})
	require.NoError(t, err)

	assert.True(t, api.madeBucket)
	assert.Contains(t, api.policy, "arn:aws:s3:::user-media/*")
	assert.Contains(t, api.policy, "s3:GetObject")
}

func TestNewMinioStoreWithAPI_Errors(t *testing.T) {
	tests := []struct {
		name string
		api  *fakeMinio
	}{
		{"bucket check fails", &fakeMinio{bucketExistsErr: errors.New("boom")}},
		{"make bucket fails", &fakeMinio{makeBucketErr: errors.New("fail")}},
		{"policy fails", &fakeMinio{policyErr: errors.New("denied")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewMinioStoreWithAPI(context.Background(), tt.api, StoreConfig{Bucket: "b"})
			assert.Nil(t, s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "failed to ensure bucket exists")
		})
	}
}

func TestMinioStore_Put(t *testing.T) {
	api := &fakeMinio{bucketExists: true}
	s, err := NewMinioStoreWithAPI(context.Background(), api, StoreConfig{Bucket: "user-media", PublicURL: "https://cdn.example.com"})
	require.NoError(t, err)

	url, err := s.Put(context.Background(), "users/abc.png", "/tmp/whatever.png")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/user-media/users/abc.png", url)
	assert.Equal(t, "image/png", api.putOpts.ContentType)
}

// =========================================================================
// SERVICE TESTS
// =========================================================================

func newTestService(t *testing.T, api *fakeMinio) *Service {
	t.Helper()
	api.bucketExists = true
	store, err := NewMinioStoreWithAPI(context.Background(), api, StoreConfig{Bucket: "user-media", PublicURL: "http://media.local"})
	require.NoError(t, err)
	return NewService(store, "users", testLogger)
}

func TestUpload_Success(t *testing.T) {
	api := &fakeMinio{}
	svc := newTestService(t, api)
	path := stageFile(t, "avatar.PNG")

	asset := svc.Upload(context.Background(), path)

	require.NotNil(t, asset)
	assert.True(t, strings.HasPrefix(asset.PublicID, "users/"))
	assert.True(t, strings.HasSuffix(asset.PublicID, ".png"))
	assert.Equal(t, "http://media.local/user-media/"+asset.PublicID, asset.URL)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "staged file must be removed after upload")
}

func TestUpload_FailureIsSoftAndCleansUp(t *testing.T) {
	api := &fakeMinio{putErr: errors.New("connection reset")}
	svc := newTestService(t, api)
	path := stageFile(t, "cover.jpg")

	asset := svc.Upload(context.Background(), path)

	assert.Nil(t, asset)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "staged file must be removed even when the upload fails")
}

func TestUpload_EmptyPath(t *testing.T) {
	api := &fakeMinio{}
	svc := newTestService(t, api)

	assert.Nil(t, svc.Upload(context.Background(), ""))
	assert.Empty(t, api.putKey, "store must not be touched")
}

func TestRemove(t *testing.T) {
	api := &fakeMinio{}
	svc := newTestService(t, api)

	svc.Remove(context.Background(), "users/abc.png")
	assert.Equal(t, "users/abc.png", api.removedKey)

	// Errors are swallowed.
	api.removeErr = errors.New("gone")
	svc.Remove(context.Background(), "users/def.png")

	api.removedKey = ""
	svc.Remove(context.Background(), "")
	assert.Empty(t, api.removedKey)
}
