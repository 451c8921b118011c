// Package blob provides the attachment blob-store collaborator. Voice clips
// are written as opaque byte blobs and addressed by the returned ref.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pairchat/internal/domain"
)

// FileStore keeps blobs as content-addressed files under a directory.
type FileStore struct {
	dir string
}

var _ domain.BlobStore = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create blob directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Put writes data and returns a ref of the form "sha256/<hex>/<name>".
// Writing the same bytes twice yields the same ref.
func (f *FileStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	ref := "sha256/" + hex.EncodeToString(sum[:]) + "/" + sanitize(name)

	path := filepath.Join(f.dir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("cannot create blob subdirectory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("cannot write blob: %w", err)
	}
	return ref, nil
}

func (f *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validRef(ref) {
		return nil, fmt.Errorf("malformed blob ref %q", ref)
	}

	data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(ref)))
	if os.IsNotExist(err) {
		return nil, domain.ErrNotFound
	}
	return data, err
}

// validRef rejects refs that could escape the blob directory.
func validRef(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "..") {
		return false
	}
	return strings.HasPrefix(ref, "sha256/")
}

func sanitize(name string) string {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "blob"
	}
	return name
}
