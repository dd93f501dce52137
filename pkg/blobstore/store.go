// Package blobstore provides the key/value object storage that baselines are
// persisted to. Keys are slash separated paths such as
// "baselines/req_count/<sha1>/<sha1>.json".
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("blobstore: object not found")

// Store is a minimal object store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the object stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put overwrites the object stored under key.
	Put(ctx context.Context, key string, data []byte) error
}
