// Package repository defines the storage contract for user accounts.
//
// Two adapters implement it: repository/mongo (the document store used in
// production) and repository/sqlite (embedded, for local runs and tests).
// The service layer depends only on this interface.
package repository

import (
	"context"

	"github.com/sakif/user-api/internal/model"
)

// LookupCriteria selects a user by username OR email. Empty fields are
// ignored; if both are empty nothing matches.
type LookupCriteria struct {
	Username string
	Email    string
}

// UserRepository is implemented by every user store.
//
// ERROR CONTRACT:
//   - a missing user (including a malformed id) → apperror.ErrNotFound
//   - a unique index violation on username or email → apperror.ErrConflict
//   - anything else is an infrastructure error, wrapped with the adapter prefix
//
// Records returned by the store are complete, hash and refresh token included.
// Sanitising is the service's job.
type UserRepository interface {
	// Create inserts the user and fills in ID, CreatedAt and UpdatedAt.
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	FindOne(ctx context.Context, by LookupCriteria) (*model.User, error)
	List(ctx context.Context) ([]model.User, error)
	// Update applies the non-nil fields and returns the updated record.
	Update(ctx context.Context, id string, upd model.UserUpdate) (*model.User, error)
	// SetRefreshToken stores the active refresh token; "" clears it.
	SetRefreshToken(ctx context.Context, id, token string) error
	// RotateRefreshToken swaps current for next only while current is still
	// the stored token. Otherwise it returns apperror.ErrNotFound.
	RotateRefreshToken(ctx context.Context, id, current, next string) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}
