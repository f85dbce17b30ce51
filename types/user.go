package types

import "time"

// User is the local mirror of an identity-provider account.
// It carries only what the gateway needs for membership checks.
type User struct {
	// ID is the provider-issued identifier. It is the join key with the
	// provider's subject claim and never changes after creation.
	ID string `json:"id" db:"id"`

	// Username is the unique login name chosen by the user.
	Username string `json:"username" db:"username"`

	// Email is the user's email address.
	Email string `json:"email" db:"email"`

	// PasswordHash is the optional bcrypt mirror of the provider credential.
	// It is empty unless the gateway runs with the hashed password policy,
	// and it is never exposed in API responses.
	PasswordHash string `json:"-" db:"password"`

	// EmailActivated flips to true once, when the provider confirms the email.
	EmailActivated bool `json:"is_email_activate" db:"is_email_activate"`

	// CreatedAt is set at insert and never modified.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is nil until the first mutation after creation.
	UpdatedAt *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}
