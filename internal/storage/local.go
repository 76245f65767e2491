package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// localStore writes blobs under a root directory on the local filesystem.
type localStore struct {
	root string
}

func newLocalStore(root string) (*localStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &localStore{root: abs}, nil
}

// resolve maps key to an absolute path, rejecting keys that escape the root.
func (s *localStore) resolve(key string) (string, error) {
	fname := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(key)))
	if !strings.HasPrefix(fname, s.root+string(os.PathSeparator)) {
		return "", ErrInvalidKey
	}
	return fname, nil
}

// Write stores the blob via a temp file and rename so readers never observe
// a partially written segment.
func (s *localStore) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	fname, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fname), 0750); err != nil {
		return fmt.Errorf("creating segment dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fname), ".upload-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing segment: %w", err)
	}
	if err := os.Rename(tmp.Name(), fname); err != nil {
		return fmt.Errorf("finalizing segment: %w", err)
	}
	return nil
}

func (s *localStore) Read(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	fname, err := s.resolve(key)
	if err != nil {
		return nil, 0, err
	}
	st, err := os.Stat(fname)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(fname)
	if err != nil {
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func (s *localStore) Delete(ctx context.Context, key string) error {
	fname, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fname); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *localStore) Exists(ctx context.Context, key string) (bool, error) {
	fname, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fname); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
