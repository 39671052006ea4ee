package storage

import (
	"context"
	"errors"
)

// Sentinel errors for typed error checking.
var (
	ErrConflict = errors.New("model version already registered")
	ErrNotFound = errors.New("model not found")
)

// Store persists model records keyed by (name, version). Implementations
// must linearize concurrent Put calls for the same key so a duplicate
// registration race cannot produce two live records.
type Store interface {
	// Put inserts a new record. Returns ErrConflict if (name, version)
	// already exists — registration is never an update.
	Put(ctx context.Context, record *ModelRecord) error

	// Get returns the record for (name, version). The version "latest" (or
	// empty) resolves to the most recently registered version of name.
	// Returns ErrNotFound for unknown references.
	Get(ctx context.Context, name, version string) (*ModelRecord, error)

	// List returns the latest version of every registered name, or the full
	// version history when allVersions is set. Readme content is included;
	// API layers decide what to expose.
	List(ctx context.Context, allVersions bool) ([]ModelRecord, error)

	// Delete removes one (name, version). Returns ErrNotFound if absent.
	// The underlying image is never touched.
	Delete(ctx context.Context, name, version string) error

	// Healthy reports whether the store can serve requests.
	Healthy(ctx context.Context) bool

	Close()
}
