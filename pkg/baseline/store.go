package baseline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/objones25/go-traffic-sentinel/pkg/blobstore"
)

// DefaultStoreTimeout bounds each blob store call
const DefaultStoreTimeout = 5 * time.Second

// StoreError reports a transport failure of the backing blob store
type StoreError struct {
	Op  string // "load" or "save"
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("baseline %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// StorageKey maps a tracked entity onto its object path:
// baselines/<metric>/<sha1(key)>/<sha1(subkey)>.json
func StorageKey(metric, key, subkey string) string {
	return "baselines/" + escapeSegment(metric) + "/" + hashHex(key) + "/" + hashHex(subkey) + ".json"
}

func hashHex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// escapeSegment encodes a metric name as a single path segment. The encoding
// is injective: PathEscape never emits a bare "%" or "%2E", so the
// replacements for "", "." and ".." cannot collide with other names.
func escapeSegment(s string) string {
	switch s {
	case "":
		return "%"
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(s)
}

// Store reads and writes baseline records through a blob store
type Store struct {
	blobs   blobstore.Store
	timeout time.Duration
}

// NewStore creates a store adapter. A non-positive timeout uses
// DefaultStoreTimeout.
func NewStore(blobs blobstore.Store, timeout time.Duration) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &Store{blobs: blobs, timeout: timeout}, nil
}

// Load fetches the record stored under storageKey. found is false when no
// object exists. Undecodable data returns an error wrapping ErrCorruptData;
// transport failures return a *StoreError.
func (s *Store) Load(ctx context.Context, storageKey string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.blobs.Get(ctx, storageKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, &StoreError{Op: "load", Key: storageKey, Err: err}
	}

	r, err := DecodeRecord(data)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode %s: %w", storageKey, err)
	}
	return r, true, nil
}

// Save overwrites the record stored under storageKey
func (s *Store) Save(ctx context.Context, storageKey string, r Record) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.blobs.Put(ctx, storageKey, data); err != nil {
		return &StoreError{Op: "save", Key: storageKey, Err: err}
	}
	return nil
}
