// Package blob stores image bytes by path and hands back URLs that
// clients can render directly.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store is the minimal surface the game needs: put bytes, get a URL,
// delete by the same path used to put.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (Handle, error)
	Delete(ctx context.Context, name string) error
}

// Handle refers to a stored blob.
type Handle interface {
	DownloadURL() string
}

// ErrInvalidName is returned for empty names or names escaping the root.
var ErrInvalidName = errors.New("blob: invalid name")

// Dir is a Store backed by a directory, with URLs rooted at a fixed
// prefix the serving layer mounts (the sync server serves the same
// directory under /blobs/).
type Dir struct {
	root    string
	baseURL string
}

// NewDir creates root if needed and returns a Dir store.
func NewDir(root, baseURL string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("blob: root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure blob directory: %w", err)
	}
	return &Dir{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Root returns the backing directory, for mounting a file server.
func (d *Dir) Root() string { return d.root }

func (d *Dir) Put(ctx context.Context, name string, data []byte) (Handle, error) {
	rel, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(d.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("ensure blob subdirectory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return nil, fmt.Errorf("write blob %q: %w", rel, err)
	}
	return dirHandle{url: d.baseURL + "/" + rel}, nil
}

func (d *Dir) Delete(ctx context.Context, name string) error {
	rel, err := cleanName(name)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(d.root, filepath.FromSlash(rel))); err != nil {
		return fmt.Errorf("delete blob %q: %w", rel, err)
	}
	return nil
}

type dirHandle struct {
	url string
}

func (h dirHandle) DownloadURL() string { return h.url }

func cleanName(name string) (string, error) {
	cleaned := path.Clean(strings.Trim(name, "/"))
	if cleaned == "" || cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", ErrInvalidName
	}
	return cleaned, nil
}

var _ Store = (*Dir)(nil)
