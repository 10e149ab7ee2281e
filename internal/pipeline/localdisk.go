package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalDiskStore implements worker.ObjectStore on a local directory. Used in
// development and tests; production deployments mount shared storage at the
// same root.
type LocalDiskStore struct {
	root string
}

// NewLocalDiskStore creates the root directory if needed.
func NewLocalDiskStore(root string) (*LocalDiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store root: %w", err)
	}
	return &LocalDiskStore{root: root}, nil
}

// resolve maps a slash-separated key onto the root, refusing escapes.
func (s *LocalDiskStore) resolve(key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/"))), nil
}

// Put writes an object, replacing any existing content at the key.
func (s *LocalDiskStore) Put(ctx context.Context, key string, r io.Reader) error {
	dest, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create object %s: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	return f.Close()
}

// Get opens an object for reading.
func (s *LocalDiskStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	src, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}
	return f, nil
}

// Delete removes an object. Deleting a missing object is a no-op.
func (s *LocalDiskStore) Delete(ctx context.Context, key string) error {
	dest, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under the prefix and returns how many
// were deleted. A missing prefix deletes zero objects.
func (s *LocalDiskStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	dir, err := s.resolve(prefix)
	if err != nil {
		return 0, err
	}

	count := 0
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan prefix %s: %w", prefix, walkErr)
	}

	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("failed to delete prefix %s: %w", prefix, err)
	}
	return count, nil
}
