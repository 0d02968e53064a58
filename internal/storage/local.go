package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalProvider is a filesystem-backed Provider rooted at a directory.
// Paths use forward slashes regardless of platform.
type LocalProvider struct {
	id   string
	root string
}

// NewLocalProvider creates a provider rooted at root, creating the
// directory if necessary.
func NewLocalProvider(id, root string) (*LocalProvider, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create provider root: %w", err)
	}
	return &LocalProvider{id: id, root: root}, nil
}

// ID returns the provider identifier.
func (p *LocalProvider) ID() string { return p.id }

// validatePath rejects empty paths, null bytes, path traversal, and
// absolute paths. This runs at the storage layer regardless of what the
// caller already validated.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("%w: null bytes not allowed", ErrInvalidPath)
	}
	for _, sep := range []string{"/", "\\"} {
		for _, part := range strings.Split(path, sep) {
			if part == ".." {
				return fmt.Errorf("%w: path traversal not allowed", ErrInvalidPath)
			}
		}
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return fmt.Errorf("%w: absolute paths not allowed", ErrInvalidPath)
	}
	return nil
}

func (p *LocalProvider) fullPath(path string) string {
	return filepath.Join(p.root, filepath.FromSlash(path))
}

// Read returns the content of the file at path.
func (p *LocalProvider) Read(ctx context.Context, path string) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.fullPath(path))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
	}
	if os.IsPermission(err) {
		return nil, fmt.Errorf("%s: %w", path, ErrPermissionDeny)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Write stores data at path with an fsync so a crash cannot leave a
// partially visible file where a complete one is expected.
func (p *LocalProvider) Write(ctx context.Context, path string, data []byte) error {
	if err := validatePath(path); err != nil {
		return err
	}
	full := p.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	// fsync is skipped under test (temp dirs are discarded anyway)
	if os.Getenv("ASSETSHIFT_TEST") == "" {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", path, err)
		}
	}
	return nil
}

// Delete removes the file at path and prunes any parent directories the
// removal left empty, so a drained volume does not leave a husk of
// folders behind.
func (p *LocalProvider) Delete(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	full := p.fullPath(path)
	err := os.Remove(full)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", path, ErrFileNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}

	for dir := filepath.Dir(full); dir != p.root && strings.HasPrefix(dir, p.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break // not empty, or in use
		}
	}
	return nil
}

// Exists reports whether a file exists at path.
func (p *LocalProvider) Exists(ctx context.Context, path string) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}
	info, err := os.Stat(p.fullPath(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return !info.IsDir(), nil
}

// List streams files under prefix to fn. Directories themselves are not
// reported. The walk checks for context cancellation between entries so
// a scan over a large tree can be interrupted.
func (p *LocalProvider) List(ctx context.Context, prefix string, recursive bool, fn ListFunc) error {
	if prefix != "" {
		if err := validatePath(prefix); err != nil {
			return err
		}
	}

	startDir := p.root
	if prefix != "" {
		startDir = p.fullPath(prefix)
	}

	err := filepath.Walk(startDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if info.IsDir() {
			if !recursive && path != startDir {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return nil
		}

		return fn(FileRecord{
			ProviderID:   p.id,
			Path:         filepath.ToSlash(rel),
			Filename:     info.Name(),
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", prefix, err)
	}
	return nil
}
