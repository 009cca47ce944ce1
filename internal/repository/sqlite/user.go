package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/model"
	"github.com/sakif/user-api/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, username, email, fullname, avatar, cover_image, password, refresh_token, created_at, updated_at`

// Create inserts a new user. The ID is an xid: globally unique, sortable by
// creation time, and 20 characters long.
func (db *DB) Create(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.ID = xid.New().String()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Username,
		user.Email,
		user.Fullname,
		user.Avatar,
		user.CoverImage,
		user.Password,
		user.RefreshToken,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("User already exists").WithCause(err)
		}
		return fmt.Errorf("sqlite: inserting user %q: %w", user.Username, err)
	}
	return nil
}

// GetByID retrieves a user by ID. Any unknown id, including one that is not
// a valid xid, is reported as not found.
func (db *DB) GetByID(ctx context.Context, id string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFoundID("user", id)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}
	return u, nil
}

// FindOne returns the first user whose username OR email matches.
func (db *DB) FindOne(ctx context.Context, by repository.LookupCriteria) (*model.User, error) {
	var (
		clauses []string
		args    []any
	)
	if by.Username != "" {
		clauses = append(clauses, "username = ?")
		args = append(args, by.Username)
	}
	if by.Email != "" {
		clauses = append(clauses, "email = ?")
		args = append(args, by.Email)
	}
	if len(clauses) == 0 {
		return nil, apperror.NotFound("User not found")
	}

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+strings.Join(clauses, " OR ")+` ORDER BY created_at LIMIT 1`,
		args...)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("User not found")
		}
		return nil, fmt.Errorf("sqlite: finding user: %w", err)
	}
	return u, nil
}

// List returns every user, oldest first.
//
// ROWS MUST BE CLOSED:
// sql.Rows holds a connection from the pool until Close is called. With a
// single-connection pool (":memory:") a leaked Rows would block every other
// query, so defer rows.Close() right after the error check.
func (db *DB) List(ctx context.Context) ([]model.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating user rows: %w", err)
	}
	return users, nil
}

// Update applies the non-nil fields of upd and returns the fresh record.
func (db *DB) Update(ctx context.Context, id string, upd model.UserUpdate) (*model.User, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	add := func(column string, v *string) {
		if v != nil {
			sets = append(sets, column+" = ?")
			args = append(args, *v)
		}
	}
	add("fullname", upd.Fullname)
	add("email", upd.Email)
	add("avatar", upd.Avatar)
	add("cover_image", upd.CoverImage)
	add("password", upd.Password)

	args = append(args, id)
	result, err := db.conn.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperror.Conflict("User with this email already exists").WithCause(err)
		}
		return nil, fmt.Errorf("sqlite: updating user %s: %w", id, err)
	}

	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("sqlite: checking rows affected: %w", err)
	} else if n == 0 {
		return nil, apperror.NotFoundID("user", id)
	}

	return db.GetByID(ctx, id)
}

// SetRefreshToken replaces the stored refresh token. An empty token clears it.
func (db *DB) SetRefreshToken(ctx context.Context, id, token string) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE users SET refresh_token = ?, updated_at = ? WHERE id = ?`,
		token, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: setting refresh token for %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	} else if n == 0 {
		return apperror.NotFoundID("user", id)
	}
	return nil
}

// RotateRefreshToken replaces current with next in one conditional UPDATE,
// so of two racing refreshes only one matches the row.
func (db *DB) RotateRefreshToken(ctx context.Context, id, current, next string) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE users SET refresh_token = ?, updated_at = ? WHERE id = ? AND refresh_token = ?`,
		next, time.Now().UTC(), id, current)
	if err != nil {
		return fmt.Errorf("sqlite: rotating refresh token for %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	} else if n == 0 {
		return apperror.NotFound("Refresh token is no longer current")
	}
	return nil
}

// Delete removes a user. Only registration rollback calls this.
func (db *DB) Delete(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting user %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	} else if n == 0 {
		return apperror.NotFoundID("user", id)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*model.User, error) {
	var u model.User
	err := s.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.Fullname,
		&u.Avatar,
		&u.CoverImage,
		&u.Password,
		&u.RefreshToken,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// isUniqueViolation reports whether err is SQLite rejecting a duplicate
// value for a UNIQUE column.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(sqliteErr.Error(), "UNIQUE")
}
