// Package store defines the hierarchical, path-addressable keyed store the
// reconciliation core persists into, plus a SQLite-backed implementation.
//
// Paths are slash separated ("payments/<id>"). Writing a path replaces the
// whole subtree under it; deleting a path removes the subtree. Update applies
// several path writes atomically.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when nothing is stored at the path.
var ErrNotFound = errors.New("store: path not found")

// Store is the persistence collaborator. Values are opaque JSON documents.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	// Children returns the direct children of path keyed by their last
	// segment. A missing path yields an empty map.
	Children(ctx context.Context, path string) (map[string][]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	Delete(ctx context.Context, path string) error
	// Update writes every entry in one atomic multi-path write. A nil value
	// deletes the subtree at that path.
	Update(ctx context.Context, updates map[string][]byte) error
	// NewKey returns a fresh unique key for a child of path.
	NewKey(path string) string
}

// Join builds a path from segments. Segments are used verbatim; escape user
// supplied values with EscapeKey first.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// EscapeKey makes an arbitrary string safe to use as one path segment.
func EscapeKey(key string) string {
	return url.PathEscape(key)
}

// UnescapeKey reverses EscapeKey.
func UnescapeKey(key string) (string, error) {
	return url.PathUnescape(key)
}

func newKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func validatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return fmt.Errorf("store: invalid path %q", path)
	}
	return nil
}

func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// checkUpdatePaths rejects a multi-path write where one path is an ancestor of
// another, since the outcome would depend on application order.
func checkUpdatePaths(updates map[string][]byte) error {
	for p := range updates {
		if err := validatePath(p); err != nil {
			return err
		}
		for anc := parentOf(p); anc != ""; anc = parentOf(anc) {
			if _, ok := updates[anc]; ok {
				return fmt.Errorf("store: update path %q is an ancestor of %q", anc, p)
			}
		}
	}
	return nil
}

// Batch accumulates a multi-path write from typed values.
type Batch struct {
	updates map[string][]byte
	err     error
}

func NewBatch() *Batch {
	return &Batch{updates: make(map[string][]byte)}
}

// Put JSON-encodes v at path.
func (b *Batch) Put(path string, v any) {
	if b.err != nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("encode %s: %w", path, err)
		return
	}
	b.updates[path] = raw
}

// Remove deletes the subtree at path.
func (b *Batch) Remove(path string) {
	b.updates[path] = nil
}

func (b *Batch) Len() int {
	return len(b.updates)
}

// Commit applies the batch through s.Update.
func (b *Batch) Commit(ctx context.Context, s Store) error {
	if b.err != nil {
		return b.err
	}
	if len(b.updates) == 0 {
		return nil
	}
	return s.Update(ctx, b.updates)
}

// GetJSON reads path into dest.
func GetJSON(ctx context.Context, s Store, path string, dest any) error {
	raw, err := s.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// SetJSON writes v at path.
func SetJSON(ctx context.Context, s Store, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return s.Set(ctx, path, raw)
}

// ListJSON decodes every child of path. Children are returned keyed by their
// (still escaped) key.
func ListJSON[T any](ctx context.Context, s Store, path string) (map[string]T, error) {
	children, err := s.Children(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(children))
	for key, raw := range children {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", path, key, err)
		}
		out[key] = v
	}
	return out, nil
}
