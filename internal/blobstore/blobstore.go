// Package blobstore holds the packed chunk archives referenced by chunk
// metadata. Blobs are content addressed: Store returns the id that Get and
// Delete later take.
package blobstore

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// Error is the class of blob store failures.
	Error = errs.Class("blobstore")
	// ErrNotFound is the class of failures for unknown blob ids.
	ErrNotFound = errs.Class("blob not found")
)

// Store is the capability the registry needs from the blob backend.
type Store interface {
	// Store saves data and returns its blob id.
	Store(ctx context.Context, data []byte) (string, error)
	// Get returns the blob stored under id.
	Get(ctx context.Context, id string) ([]byte, error)
	// Delete removes the blob, retrying transient failures up to retries
	// additional times.
	Delete(ctx context.Context, id string, retries int) error
}
