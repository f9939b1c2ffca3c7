package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Store is a hierarchical key-value service addressed by slash-separated
// paths. All writes are last-write-wins per path; there is no transaction
// isolation across paths except for Update, which applies every listed
// path atomically. Subscribers observe writes in the order they were
// applied.
type Store interface {
	// Get decodes the subtree at path into dest. A missing path decodes
	// as JSON null.
	Get(ctx context.Context, path string, dest any) error
	// Set replaces the subtree at path. A nil value deletes it.
	Set(ctx context.Context, path string, value any) error
	// Update applies every path/value pair as a single atomic write.
	// A nil value deletes that sub-path. Other clients never observe a
	// partially-applied state.
	Update(ctx context.Context, values map[string]any) error
	// Remove deletes the subtree at path.
	Remove(ctx context.Context, path string) error
	// Push appends value under path with a generated unique key and
	// returns the key.
	Push(ctx context.Context, path string, value any) (string, error)
	// Subscribe registers fn for the subtree at path. fn is invoked once
	// with the current value, then after every write touching the
	// subtree. Callbacks for one store run sequentially in write order.
	Subscribe(path string, fn func(value json.RawMessage)) (Subscription, error)
}

// Subscription is a handle to a live listener. Cancel is idempotent and
// must be called on every teardown path to avoid leaked listeners.
type Subscription interface {
	Cancel()
}

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
	// ErrInvalidPath is returned for empty or malformed paths.
	ErrInvalidPath = errors.New("store: invalid path")
)

const illegalKeyChars = ".#$[]"

// SanitizeKey replaces the characters that are illegal in path segments
// with underscores. Raw entity identifiers must pass through this before
// being used as a path segment.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if strings.ContainsRune(illegalKeyChars, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Join builds a slash-separated path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

func splitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	segments := strings.Split(trimmed, "/")
	for _, seg := range segments {
		if seg == "" {
			return nil, ErrInvalidPath
		}
		if strings.ContainsAny(seg, illegalKeyChars) {
			return nil, ErrInvalidPath
		}
	}
	return segments, nil
}
