// Package upload stages multipart file uploads on local disk before a
// handler runs.
//
// Routes declare which file fields they accept and how many files each may
// carry. The middleware parses the multipart body, copies accepted files
// into the staging directory under unique names, and hands the staged paths
// to the handler through the request context. Ordinary form fields stay
// readable with r.FormValue.
//
// Whatever the handler does not consume (the media uploader deletes the
// files it sends) is removed after the handler returns.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/xid"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/response"
)

// memoryLimit is how much of a multipart body is held in memory before the
// standard library spills file parts to its own temp files.
const memoryLimit = 1 << 20

// Field declares an accepted file field.
type Field struct {
	Name     string
	MaxCount int
}

// File is a staged upload.
type File struct {
	Field        string
	OriginalName string
	Path         string
	Size         int64
	ContentType  string
}

type contextKey struct{}

// Stager builds upload middleware for one staging directory.
type Stager struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger
}

// NewStager creates the staging directory if needed.
func NewStager(dir string, maxBytes int64, logger *slog.Logger) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: creating staging dir: %w", err)
	}
	return &Stager{dir: dir, maxBytes: maxBytes, logger: logger}, nil
}

// Single accepts at most one file in the named field.
func (s *Stager) Single(name string) func(http.Handler) http.Handler {
	return s.Fields(Field{Name: name, MaxCount: 1})
}

// Fields accepts the declared file fields. A file in an undeclared field, or
// more files than a field allows, ends the request with 400.
// Requests that are not multipart pass through untouched.
func (s *Stager) Fields(fields ...Field) func(http.Handler) http.Handler {
	allowed := make(map[string]int, len(fields))
	for _, f := range fields {
		allowed[f.Name] = f.MaxCount
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
				next.ServeHTTP(w, r)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
			if err := r.ParseMultipartForm(memoryLimit); err != nil {
				var tooBig *http.MaxBytesError
				if errors.As(err, &tooBig) {
					response.Error(w, s.logger, apperror.ValidationFailed("", "File too large").WithStatus(http.StatusRequestEntityTooLarge))
					return
				}
				response.Error(w, s.logger, apperror.ValidationFailed("", "Malformed multipart body"))
				return
			}
			defer r.MultipartForm.RemoveAll()

			staged, err := s.stage(r.MultipartForm, allowed)
			defer s.cleanup(staged)
			if err != nil {
				response.Error(w, s.logger, err)
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, staged)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Stager) stage(form *multipart.Form, allowed map[string]int) (map[string][]File, error) {
	staged := make(map[string][]File)

	for field, headers := range form.File {
		limit, ok := allowed[field]
		if !ok {
			return staged, apperror.ValidationFailed(field, "Unexpected field "+field)
		}
		if len(headers) > limit {
			return staged, apperror.ValidationFailed(field, fmt.Sprintf("Too many files for field %s", field))
		}

		for _, fh := range headers {
			f, err := s.copyToDisk(field, fh)
			if err != nil {
				return staged, apperror.Internal("Failed to stage upload", err)
			}
			staged[field] = append(staged[field], f)
		}
	}
	return staged, nil
}

func (s *Stager) copyToDisk(field string, fh *multipart.FileHeader) (File, error) {
	src, err := fh.Open()
	if err != nil {
		return File{}, err
	}
	defer src.Close()

	// Only the extension of the client's name is kept; the rest is
	// untrusted and could contain path separators.
	ext := strings.ToLower(filepath.Ext(filepath.Base(fh.Filename)))
	path := filepath.Join(s.dir, xid.New().String()+ext)

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return File{}, err
	}
	n, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(path)
		return File{}, err
	}

	return File{
		Field:        field,
		OriginalName: fh.Filename,
		Path:         path,
		Size:         n,
		ContentType:  fh.Header.Get("Content-Type"),
	}, nil
}

// cleanup removes staged files the handler left behind.
func (s *Stager) cleanup(staged map[string][]File) {
	for _, files := range staged {
		for _, f := range files {
			if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("removing staged upload", slog.String("path", f.Path), slog.String("error", err.Error()))
			}
		}
	}
}

// FilesFromContext returns every staged file, keyed by field.
func FilesFromContext(ctx context.Context) map[string][]File {
	files, _ := ctx.Value(contextKey{}).(map[string][]File)
	return files
}

// PathFromContext returns the staged path of the first file in field, or ""
// when none was uploaded.
func PathFromContext(ctx context.Context, field string) string {
	files := FilesFromContext(ctx)[field]
	if len(files) == 0 {
		return ""
	}
	return files[0].Path
}
