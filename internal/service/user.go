// Package service holds the account business logic.
//
// UserService sits between the HTTP handlers and everything with side
// effects:
//
//	UserHandler (HTTP) → UserService (business rules) → UserRepository (DB)
//	                   ↘ PasswordService / TokenService (credentials)
//	                   ↘ MediaUploader (object store)
//	                   ↘ AccountSyncer (external system of record)
//
// KEY RESPONSIBILITIES:
//   - Enforce the account rules: validation, uniqueness, credential checks
//   - Issue and rotate token pairs, persisting the active refresh token
//   - Keep password hashes and refresh tokens inside this layer: every user
//     returned from here is sanitized
//   - Undo partial work when registration fails half-way
//
// Every error returned is an *apperror.AppError carrying the message the
// client sees. Infrastructure causes ride along in AppError.Cause and are
// logged by the response layer, never rendered.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/media"
	"github.com/sakif/user-api/internal/model"
	"github.com/sakif/user-api/internal/repository"
)

// Status overrides for the few account responses whose codes do not follow
// the error taxonomy. Existing clients branch on them.
const (
	statusNotFound = 404
	statusInternal = 500
)

// bcrypt ignores everything past 72 bytes.
const maxPasswordBytes = 72

const (
	msgRegisterFailed = "Something went wrong while registering a user"
	msgRefreshFailed  = "Something went wrong while refreshing access token"
	msgTokenFailed    = "Error generating access and refresh tokens"
)

// MediaUploader is implemented by *media.Service.
type MediaUploader interface {
	// Upload returns nil on failure; the local file is removed either way.
	Upload(ctx context.Context, localPath string) *media.Asset
	Remove(ctx context.Context, publicID string)
}

// AccountSyncer pushes a newly registered account to the external system of
// record. Implemented by *syncer.Client and syncer.Noop.
type AccountSyncer interface {
	Sync(ctx context.Context, user *model.User) error
}

// Deps bundles the collaborators of UserService.
type Deps struct {
	Users     repository.UserRepository
	Passwords *auth.PasswordService
	Access    *auth.TokenService // signs access tokens
	Refresh   *auth.TokenService // signs refresh tokens
	Media     MediaUploader
	Sync      AccountSyncer

	// RollbackUser also deletes the created account when registration fails
	// after the insert (for example a rejected sync). Uploaded media is
	// always removed.
	RollbackUser bool

	Logger *slog.Logger
}

// UserService implements the account operations.
type UserService struct {
	users        repository.UserRepository
	passwords    *auth.PasswordService
	access       *auth.TokenService
	refresh      *auth.TokenService
	media        MediaUploader
	sync         AccountSyncer
	rollbackUser bool
	logger       *slog.Logger
}

// NewUserService creates a UserService. Call it in main.go when wiring the
// dependency graph.
func NewUserService(d Deps) *UserService {
	return &UserService{
		users:        d.Users,
		passwords:    d.Passwords,
		access:       d.Access,
		refresh:      d.Refresh,
		media:        d.Media,
		sync:         d.Sync,
		rollbackUser: d.RollbackUser,
		logger:       d.Logger,
	}
}

// RegisterInput is the registration form. AvatarPath and CoverImagePath are
// staged local files; CoverImagePath may be empty.
type RegisterInput struct {
	Fullname       string
	Email          string
	Username       string
	Password       string
	AvatarPath     string
	CoverImagePath string
}

// LoginInput identifies a user by email or username.
type LoginInput struct {
	Email    string
	Username string
	Password string
}

// TokenPair is a freshly issued access and refresh token.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// LoginResult is the login response payload.
type LoginResult struct {
	User         *model.User `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
}

// ============================================================
// LOOKUPS
// ============================================================

// ListUsers returns every account, sanitized. There is no pagination.
func (s *UserService) ListUsers(ctx context.Context) ([]*model.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, apperror.Internal("Error fetching users", err)
	}

	out := make([]*model.User, 0, len(users))
	for i := range users {
		out = append(out, users[i].Sanitized())
	}
	return out, nil
}

// GetUser returns one account by id. Unknown and malformed ids are both 404.
func (s *UserService) GetUser(ctx context.Context, id string) (*model.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFound("User not found")
		}
		return nil, apperror.Internal("Error fetching user", err)
	}
	return user.Sanitized(), nil
}

// CurrentUser returns the principal attached by the auth gate.
func (s *UserService) CurrentUser(principal *model.User) *model.User {
	return principal.Sanitized()
}

// ============================================================
// REGISTRATION
// ============================================================

// Register creates an account.
//
// ORDER OF OPERATIONS:
//  1. validate input, normalise username and email
//  2. reject duplicates (username OR email)
//  3. require an avatar, upload it and the optional cover image
//  4. hash the password, insert, re-read the stored record
//  5. push the account to the external system of record
//
// Nothing is written before step 3, so validation failures leave no trace.
// If anything fails after the uploads, the uploaded media is removed before
// returning, and the inserted row too when RollbackUser is set.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	fullname := strings.TrimSpace(in.Fullname)
	if fullname == "" {
		return nil, apperror.ValidationFailed("fullname", "Fullname is empty")
	}
	email := normalize(in.Email)
	username := normalize(in.Username)
	if email == "" || username == "" || strings.TrimSpace(in.Password) == "" {
		return nil, apperror.ValidationFailed("", "All fields are required")
	}
	if len(in.Password) > maxPasswordBytes {
		return nil, apperror.ValidationFailed("password", "Password must be 72 bytes or fewer")
	}

	existing, err := s.users.FindOne(ctx, repository.LookupCriteria{Username: username, Email: email})
	switch {
	case err == nil && existing != nil:
		return nil, apperror.Conflict("User already exists")
	case err != nil && !errors.Is(err, apperror.ErrNotFound):
		return nil, apperror.Internal(msgRegisterFailed, err)
	}

	if in.AvatarPath == "" {
		return nil, apperror.Conflict("Avatar is required")
	}

	avatar := s.media.Upload(ctx, in.AvatarPath)
	var cover *media.Asset
	if in.CoverImagePath != "" {
		cover = s.media.Upload(ctx, in.CoverImagePath)
	}

	rb := &registration{svc: s, avatar: avatar, cover: cover}
	if avatar == nil || (in.CoverImagePath != "" && cover == nil) {
		rb.undo(ctx)
		return nil, apperror.Upstream("Failed to upload avatar or coverImage", nil)
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		rb.undo(ctx)
		return nil, apperror.Internal(msgRegisterFailed, err)
	}

	user := &model.User{
		Username: username,
		Email:    email,
		Fullname: fullname,
		Avatar:   avatar.URL,
		Password: hash,
	}
	if cover != nil {
		user.CoverImage = cover.URL
	}

	if err := s.users.Create(ctx, user); err != nil {
		rb.undo(ctx)
		// A concurrent registration can slip past the FindOne check; the
		// unique index catches it here.
		if errors.Is(err, apperror.ErrConflict) {
			return nil, apperror.Conflict("User already exists")
		}
		return nil, apperror.Internal(msgRegisterFailed, err)
	}
	rb.userID = user.ID

	created, err := s.users.GetByID(ctx, user.ID)
	if err != nil {
		rb.undo(ctx)
		return nil, apperror.Internal(msgRegisterFailed, err)
	}

	if err := s.sync.Sync(ctx, created); err != nil {
		rb.undo(ctx)
		return nil, apperror.Internal(msgRegisterFailed, err)
	}

	s.logger.Info("user registered",
		slog.String("user_id", created.ID),
		slog.String("username", created.Username),
	)
	return created.Sanitized(), nil
}

// registration tracks what a Register call has done so far, so a failure
// can undo it.
type registration struct {
	svc    *UserService
	avatar *media.Asset
	cover  *media.Asset
	userID string
}

func (r *registration) undo(ctx context.Context) {
	// The request context may already be cancelled; cleanup still has to run.
	ctx = context.WithoutCancel(ctx)

	if r.avatar != nil {
		r.svc.media.Remove(ctx, r.avatar.PublicID)
	}
	if r.cover != nil {
		r.svc.media.Remove(ctx, r.cover.PublicID)
	}
	if r.userID == "" || !r.svc.rollbackUser {
		return
	}
	if err := r.svc.users.Delete(ctx, r.userID); err != nil {
		r.svc.logger.Error("rolling back registered user",
			slog.String("user_id", r.userID),
			slog.String("error", err.Error()),
		)
	}
}

// ============================================================
// SESSIONS
// ============================================================

// Login verifies credentials and issues a token pair. The user is found by
// username OR email; the email field is required either way.
func (s *UserService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := normalize(in.Email)
	if email == "" {
		return nil, apperror.ValidationFailed("email", "Email is required")
	}

	user, err := s.users.FindOne(ctx, repository.LookupCriteria{
		Username: normalize(in.Username),
		Email:    email,
	})
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFound("User not found")
		}
		return nil, apperror.Internal("Error fetching user", err)
	}

	if err := s.passwords.Verify(user.Password, in.Password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, apperror.Unauthorized("Invalid Password").WithStatus(statusNotFound)
		}
		return nil, apperror.Internal("Error verifying password", err)
	}

	pair, err := s.issueTokens(ctx, user, "")
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", slog.String("user_id", user.ID))
	return &LoginResult{
		User:         user.Sanitized(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// Logout clears the stored refresh token, so the outstanding one can no
// longer be exchanged.
func (s *UserService) Logout(ctx context.Context, userID string) error {
	if err := s.users.SetRefreshToken(ctx, userID, ""); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.Unauthorized("Unauthorized user")
		}
		return apperror.Internal("Error logging out", err)
	}
	s.logger.Info("user logged out", slog.String("user_id", userID))
	return nil
}

// Refresh exchanges a refresh token for a new pair.
//
// The token must verify against the refresh secret AND equal the one stored
// on the user. The stored token is swapped with a compare-and-set on the old
// value, so when two requests race with the same token only one wins.
func (s *UserService) Refresh(ctx context.Context, incoming string) (*TokenPair, error) {
	if incoming == "" {
		return nil, apperror.Unauthorized("Refresh Token is required")
	}

	claims, err := s.refresh.Validate(incoming)
	if err != nil {
		return nil, apperror.Internal(msgRefreshFailed, err)
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthorized("Invalid Refresh Token")
		}
		return nil, apperror.Internal(msgRefreshFailed, err)
	}

	if subtle.ConstantTimeCompare([]byte(incoming), []byte(user.RefreshToken)) != 1 {
		s.logger.Warn("stale refresh token presented", slog.String("user_id", user.ID))
		return nil, apperror.Unauthorized("Invalid Refresh Token")
	}

	pair, err := s.issueTokens(ctx, user, incoming)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.logger.Warn("refresh token already rotated", slog.String("user_id", user.ID))
			return nil, apperror.Unauthorized("Invalid Refresh Token")
		}
		return nil, err
	}
	return pair, nil
}

// issueTokens signs a new pair and stores the refresh half on the user.
// With a non-empty previous token the store only accepts the new one while
// previous is still current; a lost race comes back as apperror.ErrNotFound.
func (s *UserService) issueTokens(ctx context.Context, user *model.User, previous string) (*TokenPair, error) {
	accessToken, err := s.access.Generate(user.ID, user.Email)
	if err != nil {
		return nil, apperror.Internal(msgTokenFailed, err)
	}
	refreshToken, err := s.refresh.Generate(user.ID, "")
	if err != nil {
		return nil, apperror.Internal(msgTokenFailed, err)
	}

	if previous == "" {
		err = s.users.SetRefreshToken(ctx, user.ID, refreshToken)
	} else {
		err = s.users.RotateRefreshToken(ctx, user.ID, previous, refreshToken)
	}
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) && previous != "" {
			return nil, err
		}
		return nil, apperror.Internal(msgTokenFailed, err)
	}
	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// ============================================================
// PROFILE
// ============================================================

// ChangePassword replaces the password after checking the old one.
func (s *UserService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if strings.TrimSpace(oldPassword) == "" || strings.TrimSpace(newPassword) == "" {
		return apperror.ValidationFailed("", "Old and new password are required")
	}
	if len(newPassword) > maxPasswordBytes {
		return apperror.ValidationFailed("newPassword", "Password must be 72 bytes or fewer")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.NotFound("User not found")
		}
		return apperror.Internal("Error fetching user", err)
	}

	if err := s.passwords.Verify(user.Password, oldPassword); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return apperror.Unauthorized("Invalid password").WithStatus(statusInternal)
		}
		return apperror.Internal("Error verifying password", err)
	}

	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return apperror.Internal("Error changing password", err)
	}
	if _, err := s.users.Update(ctx, userID, model.UserUpdate{Password: &hash}); err != nil {
		return passThrough(err, "Error changing password")
	}

	s.logger.Info("password changed", slog.String("user_id", userID))
	return nil
}

// UpdateDetails sets fullname and email. Both are required.
func (s *UserService) UpdateDetails(ctx context.Context, userID, fullname, email string) (*model.User, error) {
	fullname = strings.TrimSpace(fullname)
	email = normalize(email)
	if fullname == "" || email == "" {
		return nil, apperror.ValidationFailed("", "Fill in name and email").WithStatus(statusInternal)
	}

	user, err := s.users.Update(ctx, userID, model.UserUpdate{Fullname: &fullname, Email: &email})
	if err != nil {
		return nil, passThrough(err, "Error updating account details")
	}
	return user.Sanitized(), nil
}

// UpdateAvatar uploads a new avatar and points the account at it.
// The previous asset is left in the store.
func (s *UserService) UpdateAvatar(ctx context.Context, userID, localPath string) (*model.User, error) {
	return s.replaceImage(ctx, userID, localPath, imageField{
		missing: "Avatar file is required",
		failed:  "No avatar file url specified",
		update:  func(url string) model.UserUpdate { return model.UserUpdate{Avatar: &url} },
	})
}

// UpdateCoverImage is UpdateAvatar for the cover image.
func (s *UserService) UpdateCoverImage(ctx context.Context, userID, localPath string) (*model.User, error) {
	return s.replaceImage(ctx, userID, localPath, imageField{
		missing: "coverImage file is required",
		failed:  "No coverImage file url specified",
		update:  func(url string) model.UserUpdate { return model.UserUpdate{CoverImage: &url} },
	})
}

type imageField struct {
	missing string
	failed  string
	update  func(url string) model.UserUpdate
}

func (s *UserService) replaceImage(ctx context.Context, userID, localPath string, f imageField) (*model.User, error) {
	if localPath == "" {
		return nil, apperror.ValidationFailed("", f.missing).WithStatus(statusInternal)
	}

	asset := s.media.Upload(ctx, localPath)
	if asset == nil {
		return nil, apperror.Upstream(f.failed, nil)
	}

	user, err := s.users.Update(ctx, userID, f.update(asset.URL))
	if err != nil {
		s.media.Remove(context.WithoutCancel(ctx), asset.PublicID)
		return nil, passThrough(err, "Error updating image")
	}
	return user.Sanitized(), nil
}

// ============================================================
// HELPERS
// ============================================================

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// passThrough keeps store errors the client should see (not found,
// conflict) and turns everything else into a 500 with msg.
func passThrough(err error, msg string) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && !errors.Is(err, apperror.ErrInternal) {
		return err
	}
	return apperror.Internal(msg, err)
}
