// Package model holds the domain types shared across layers.
package model

import "time"

// User is an account. It is the only persistent entity.
//
// JSON TAGS:
// The id is serialised as "_id" so existing clients keep working. Password
// and RefreshToken carry omitempty: a sanitized copy has both cleared, and
// the fields then disappear from the response entirely.
type User struct {
	ID           string    `json:"_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Fullname     string    `json:"fullname"`
	Avatar       string    `json:"avatar"`
	CoverImage   string    `json:"coverImage,omitempty"`
	Password     string    `json:"password,omitempty"` // bcrypt hash, never plaintext
	RefreshToken string    `json:"refreshToken,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Sanitized returns a copy with the password hash and refresh token removed.
// Every user record that leaves the service layer goes through this.
func (u *User) Sanitized() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Password = ""
	c.RefreshToken = ""
	return &c
}

// UserUpdate is a partial update. Nil fields are left untouched.
type UserUpdate struct {
	Fullname   *string
	Email      *string
	Avatar     *string
	CoverImage *string
	Password   *string // must already be hashed
}

// Ptr is a small helper for building UserUpdate values.
func Ptr[T any](v T) *T {
	return &v
}
