// Package storage provides the per-origin key-value capability the session store persists into.
//
// Every backend is scoped to one application origin at construction time. Writes are
// last-write-wins; independent processes sharing a backend never see a torn record.
package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// Storage is an origin-scoped string key-value store
type Storage interface {
	// Get returns the value and true, or "" and false when the key is absent
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Remove is idempotent
	Remove(ctx context.Context, key string) error
	// Clear removes every key of this origin
	Clear(ctx context.Context) error
}

// ErrInvalidKey is returned for empty keys or keys containing path separators
var ErrInvalidKey = errors.New("storage: invalid key")

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return ErrInvalidKey
	}
	return nil
}

// originScope turns an origin into a filesystem and redis safe token
func originScope(origin string) string {
	return url.PathEscape(strings.ToLower(strings.TrimRight(origin, "/")))
}
