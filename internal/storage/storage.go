package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned when no blob is stored under a key.
var ErrNotFound = errors.New("blob not found")

// Storage defines the interface for schematic blob storage. Blobs are keyed
// by the record's download key.
type Storage interface {
	// Store writes data under key and returns the number of bytes written.
	Store(ctx context.Context, key string, data io.Reader) (int64, error)

	// Retrieve returns a ReadCloser for the stored data.
	Retrieve(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the stored data. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks whether data is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
}

// checkKey rejects keys that could escape the storage root.
func checkKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("invalid storage key %q", key)
	}
	return nil
}
