package storage

import "errors"

// ErrNotFound is returned when a row does not exist or is not owned by the caller.
var ErrNotFound = errors.New("record not found")
