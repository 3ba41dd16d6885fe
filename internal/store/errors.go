package store

import "errors"

// ErrNotFound is returned by Get/Delete when no row matches the given id.
var ErrNotFound = errors.New("store: not found")

// ErrConflict names a write that cannot be resolved. No Store method
// returns it: a session_key collision is always resolved as an UPSERT.
var ErrConflict = errors.New("store: conflict")
