package database

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	downloadKeyColumn = "download_key"
	deleteKeyColumn   = "delete_key"
)

var keyPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NewKey returns a random 32 character lowercase hex key.
func NewKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidKey reports whether key has the shape of a generated key.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// keyTaken reports whether key is already present in column.
type keyTaken func(ctx context.Context, column, key string) (bool, error)

// generateKey draws candidates until one is free in column, giving up after
// maxIterations attempts.
func generateKey(ctx context.Context, newKey func() string, taken keyTaken, column string, maxIterations int) (string, error) {
	if maxIterations < 1 {
		maxIterations = 1
	}
	for i := 0; i < maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		key := newKey()
		exists, err := taken(ctx, column, key)
		if err != nil {
			return "", fmt.Errorf("check %s: %w", column, err)
		}
		if !exists {
			return key, nil
		}
	}
	return "", fmt.Errorf("%s after %d attempts: %w", column, maxIterations, ErrKeyGenerationExhausted)
}
