package user

import (
	"time"

	"github.com/google/uuid"
)

// User is created by the external registration collaborator and never mutated
// by the bid pipeline; it is referenced as bid owner and auction winner.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// New builds a user record with a pre-hashed password.
func New(username, email, passwordHash string) *User {
	return &User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
}
