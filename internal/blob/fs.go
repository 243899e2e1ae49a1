package blob

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSBackend stores objects as files under a root directory, mapping key
// segments to path segments. Keys are constructed server-side from an
// allow-listed character set, so the mapping cannot escape the root.
type FSBackend struct {
	root string
}

// NewFSBackend creates the root directory if needed and returns the
// backend.
func NewFSBackend(root string) (*FSBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root %q: %w", root, err)
	}
	return &FSBackend{root: root}, nil
}

func (f *FSBackend) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// Put writes the object, creating intermediate directories. The write
// goes through a temp file and rename so readers never observe a
// partial object.
func (f *FSBackend) Put(_ context.Context, key string, data []byte) error {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("blob: mkdir for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("blob: temp file for %q: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("blob: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("blob: close %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("blob: rename %q: %w", key, err)
	}
	return nil
}

// Get reads the object at key.
func (f *FSBackend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("blob: read %q: %w", key, err)
	}
	return data, nil
}

// List walks the tree under prefix and returns the stored objects.
func (f *FSBackend) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	infos := []ObjectInfo{}
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, ObjectInfo{Key: key, Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: list %q: %w", prefix, err)
	}
	return infos, nil
}

// Delete removes the object at key.
func (f *FSBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return ErrObjectNotExist
	}
	if err != nil {
		return fmt.Errorf("blob: delete %q: %w", key, err)
	}
	return nil
}

// Copy duplicates srcKey to dstKey.
func (f *FSBackend) Copy(ctx context.Context, srcKey, dstKey string) error {
	data, err := f.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	return f.Put(ctx, dstKey, data)
}

// Ping verifies the root is writable by touching and removing a probe
// file.
func (f *FSBackend) Ping(context.Context) error {
	probe, err := os.CreateTemp(f.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("blob: backend not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}
