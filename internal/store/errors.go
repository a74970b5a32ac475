package store

import "errors"

// ErrNotFound is returned by getter methods when the requested record does
// not exist. Callers check it with errors.Is to distinguish missing records
// from other database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint, for
// example creating a user with an email that already exists or an API key
// whose hash collides with a stored one.
var ErrConflict = errors.New("record already exists")
