// Package handler contains the HTTP handlers for the account API and the
// pages of the browser client.
//
// HANDLER RESPONSIBILITIES:
//  1. Parse the incoming request (path params, JSON or form body, staged files)
//  2. Call the account service
//  3. Write the response envelope and, where needed, the auth cookies
//
// Handlers hold no business rules. Every error is passed unchanged to
// response.Error, which owns the mapping to status codes.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/model"
	"github.com/sakif/user-api/internal/response"
	"github.com/sakif/user-api/internal/service"
	"github.com/sakif/user-api/internal/upload"
)

// AccountService is the slice of *service.UserService the handlers call.
// Tests substitute a fake.
type AccountService interface {
	ListUsers(ctx context.Context) ([]*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	CurrentUser(principal *model.User) *model.User
	Register(ctx context.Context, in service.RegisterInput) (*model.User, error)
	Login(ctx context.Context, in service.LoginInput) (*service.LoginResult, error)
	Logout(ctx context.Context, userID string) error
	Refresh(ctx context.Context, refreshToken string) (*service.TokenPair, error)
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error
	UpdateDetails(ctx context.Context, userID, fullname, email string) (*model.User, error)
	UpdateAvatar(ctx context.Context, userID, localPath string) (*model.User, error)
	UpdateCoverImage(ctx context.Context, userID, localPath string) (*model.User, error)
}

// UserHandler serves /api/v1/users.
type UserHandler struct {
	svc          AccountService
	secureCookie bool
	logger       *slog.Logger
}

// NewUserHandler creates a UserHandler. secureCookie marks the auth cookies
// Secure; turn it on whenever the site is served over HTTPS.
func NewUserHandler(svc AccountService, secureCookie bool, logger *slog.Logger) *UserHandler {
	return &UserHandler{svc: svc, secureCookie: secureCookie, logger: logger}
}

// empty renders as {} in the envelope's data field.
var empty = struct{}{}

// ListUsers handles GET /api/v1/users.
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListUsers(r.Context())
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, users, "Available Users")
}

// GetUser handles GET /api/v1/users/{id}.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, user, "User found")
}

// Register handles POST /api/v1/users/register.
//
// The body is multipart: text fields plus the avatar (required) and
// coverImage (optional) files, which the upload middleware has already
// staged on disk.
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(r)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	user, err := h.svc.Register(r.Context(), service.RegisterInput{
		Fullname:       form["fullname"],
		Email:          form["email"],
		Username:       form["username"],
		Password:       form["password"],
		AvatarPath:     upload.PathFromContext(r.Context(), "avatar"),
		CoverImagePath: upload.PathFromContext(r.Context(), "coverImage"),
	})
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, http.StatusCreated, user, "User has been registered successfully")
}

// Login handles POST /api/v1/users/login.
// Tokens are returned in the body and also set as HttpOnly cookies.
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(r)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	res, err := h.svc.Login(r.Context(), service.LoginInput{
		Email:    form["email"],
		Username: form["username"],
		Password: form["password"],
	})
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	h.setAuthCookies(w, res.AccessToken, res.RefreshToken)
	response.JSON(w, http.StatusOK, res, "User logged in successfully")
}

// Logout handles POST /api/v1/users/logout (auth required).
func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	if err := h.svc.Logout(r.Context(), principal.ID); err != nil {
		response.Error(w, h.logger, err)
		return
	}

	h.clearAuthCookies(w)
	response.JSON(w, http.StatusOK, empty, "User logged out successfully")
}

// RefreshToken handles POST /api/v1/users/refresh-token.
// The token comes from the refreshToken cookie, or the body for clients
// that do not keep cookies.
func (h *UserHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var incoming string
	if c, err := r.Cookie(auth.RefreshCookie); err == nil {
		incoming = c.Value
	}
	if incoming == "" {
		form, err := readForm(r)
		if err != nil {
			response.Error(w, h.logger, err)
			return
		}
		incoming = form["refreshToken"]
	}

	pair, err := h.svc.Refresh(r.Context(), incoming)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	h.setAuthCookies(w, pair.AccessToken, pair.RefreshToken)
	response.JSON(w, http.StatusOK, pair, "Access Token refreshed successfully")
}

// ChangePassword handles POST /api/v1/users/change-password (auth required).
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	form, err := readForm(r)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	if err := h.svc.ChangePassword(r.Context(), principal.ID, form["oldPassword"], form["newPassword"]); err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, empty, "Password changed successfully")
}

// CurrentUser handles GET /api/v1/users/current-user (auth required).
func (h *UserHandler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	response.JSON(w, http.StatusOK, h.svc.CurrentUser(principal), "Current user details")
}

// UpdateDetails handles PATCH /api/v1/users/update-account/details (auth required).
func (h *UserHandler) UpdateDetails(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	form, err := readForm(r)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	user, err := h.svc.UpdateDetails(r.Context(), principal.ID, form["fullname"], form["email"])
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, user, "Account details updated successfully")
}

// UpdateAvatar handles PATCH /api/v1/users/avatar (auth required, multipart).
func (h *UserHandler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	user, err := h.svc.UpdateAvatar(r.Context(), principal.ID, upload.PathFromContext(r.Context(), "avatar"))
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, user, "Avatar updated successfully")
}

// UpdateCoverImage handles PATCH /api/v1/users/cover-image (auth required, multipart).
func (h *UserHandler) UpdateCoverImage(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	user, err := h.svc.UpdateCoverImage(r.Context(), principal.ID, upload.PathFromContext(r.Context(), "coverImage"))
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, user, "Cover Image updated successfully")
}

// principal returns the user attached by auth.RequireAuth. A route wired
// without the gate answers 401 instead of panicking on a nil user.
func (h *UserHandler) principal(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		response.Error(w, h.logger, apperror.Unauthorized("Unauthorized user"))
		return nil, false
	}
	return user, true
}

// ============================================================
// COOKIES
// ============================================================

func (h *UserHandler) setAuthCookies(w http.ResponseWriter, accessToken, refreshToken string) {
	http.SetCookie(w, h.cookie(auth.AccessCookie, accessToken, 0))
	http.SetCookie(w, h.cookie(auth.RefreshCookie, refreshToken, 0))
}

func (h *UserHandler) clearAuthCookies(w http.ResponseWriter) {
	http.SetCookie(w, h.cookie(auth.AccessCookie, "", -1))
	http.SetCookie(w, h.cookie(auth.RefreshCookie, "", -1))
}

// cookie builds an auth cookie. HttpOnly keeps tokens away from page
// scripts; a negative maxAge deletes the cookie.
func (h *UserHandler) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}

// ============================================================
// BODY PARSING
// ============================================================

// readForm returns the request's fields as strings. JSON objects,
// urlencoded forms and multipart forms are all accepted; non-string JSON
// values are ignored. An empty body yields an empty map.
func readForm(r *http.Request) (map[string]string, error) {
	fields := make(map[string]string)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return fields, nil
			}
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return nil, apperror.ValidationFailed("", "Request body too large").WithStatus(http.StatusRequestEntityTooLarge)
			}
			return nil, apperror.ValidationFailed("", "Invalid JSON body")
		}
		for k, v := range raw {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		return fields, nil
	}

	// ParseMultipartForm has already run for upload routes; ParseForm is a
	// no-op for the multipart part and reads urlencoded bodies.
	if err := r.ParseForm(); err != nil {
		return nil, apperror.ValidationFailed("", "Invalid form body")
	}
	for k := range r.Form {
		fields[k] = r.Form.Get(k)
	}
	if r.MultipartForm != nil {
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				fields[k] = v[0]
			}
		}
	}
	return fields, nil
}
