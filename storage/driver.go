// Package storage defines the blob persistence contract filters are saved
// to and reloaded from, plus a default filesystem-backed implementation.
// The driver's internals (compression, atomic rename, lock files) are a
// pluggable concern — only the contract is load-bearing for the rest of the
// module.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Driver.Load when no blob exists for name. It is
// not an error condition for callers: reloading with no prior blob leaves
// the filter empty, the normal case for a filter that has never been saved.
var ErrNotFound = errors.New("storage: blob not found")

// Driver is the persistence contract a filter name's blob is saved to and
// loaded from. Implementations should make Save atomic
// (write-temp-then-rename) and may apply compression and cooperative
// locking; none of that is visible to callers.
type Driver interface {
	// Save persists the bytes read from r as the blob for name, replacing
	// any prior blob atomically from a reader's perspective.
	Save(ctx context.Context, name string, r io.Reader) error

	// Load returns a readable stream for name's blob. It returns
	// ErrNotFound (wrapped) if no blob exists. The caller must close the
	// returned stream.
	Load(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes the blob(s) associated with name. Deleting a name
	// that doesn't exist is not an error.
	Delete(ctx context.Context, name string) error
}
