package persistence

import "errors"

// ErrNotFound is returned when a record is not found in the store
var ErrNotFound = errors.New("record not found in store")
