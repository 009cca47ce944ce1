// Package media uploads user images to an object store.
//
// Uploads fail soft: Upload returns nil instead of an error and logs the
// cause. The caller decides whether a missing asset is fatal (a required
// avatar) or not. Either way the staged temp file is removed, so failed
// requests never leave files behind in the upload directory.
package media

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/xid"
)

// Asset is an uploaded file.
type Asset struct {
	URL      string
	PublicID string // object key, needed to delete the asset later
}

// ObjectStore is implemented by MinioStore.
type ObjectStore interface {
	Put(ctx context.Context, key, path string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Service is the fail-soft uploader used by the account service.
type Service struct {
	store  ObjectStore
	prefix string
	logger *slog.Logger
}

// NewService creates a Service that stores objects under prefix/.
func NewService(store ObjectStore, prefix string, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Upload sends the file at localPath to the store and returns the asset, or
// nil on any failure. An empty path returns nil without touching the store.
// The local file is always removed.
func (s *Service) Upload(ctx context.Context, localPath string) *Asset {
	if localPath == "" {
		return nil
	}
	defer s.removeLocal(localPath)

	key := xid.New().String() + strings.ToLower(filepath.Ext(localPath))
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}

	url, err := s.store.Put(ctx, key, localPath)
	if err != nil {
		s.logger.Error("media upload failed",
			slog.String("path", localPath),
			slog.String("error", err.Error()),
		)
		return nil
	}

	s.logger.Debug("media uploaded", slog.String("key", key))
	return &Asset{URL: url, PublicID: key}
}

// Remove deletes an uploaded asset. Errors are logged and swallowed; there
// is no retry.
func (s *Service) Remove(ctx context.Context, publicID string) {
	if publicID == "" {
		return
	}
	if err := s.store.Delete(ctx, publicID); err != nil {
		s.logger.Warn("media removal failed",
			slog.String("public_id", publicID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) removeLocal(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing staged file", slog.String("path", path), slog.String("error", err.Error()))
	}
}
