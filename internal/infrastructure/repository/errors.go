package repository

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional update loses its guard,
	// typically because the auction's highest bid advanced concurrently.
	ErrConflict = errors.New("conditional update conflict")
)
