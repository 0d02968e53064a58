package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemProvider is a map-backed Provider for tests and dry-run analysis.
type MemProvider struct {
	id    string
	mu    sync.RWMutex
	files map[string]memFile

	// FailWrites forces Write to return an error; used to exercise
	// retry and rollback paths in tests.
	FailWrites bool
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// NewMemProvider creates an empty in-memory provider.
func NewMemProvider(id string) *MemProvider {
	return &MemProvider{id: id, files: make(map[string]memFile)}
}

// ID returns the provider identifier.
func (p *MemProvider) ID() string { return p.id }

// Read returns the content of the file at path.
func (p *MemProvider) Read(ctx context.Context, filePath string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	f, ok := p.files[filePath]
	if !ok {
		return nil, fmt.Errorf("%s: %w", filePath, ErrFileNotFound)
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out, nil
}

// Write stores data at path.
func (p *MemProvider) Write(ctx context.Context, filePath string, data []byte) error {
	if err := validatePath(filePath); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailWrites {
		return fmt.Errorf("write %s: simulated failure", filePath)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	p.files[filePath] = memFile{data: stored, modTime: time.Now().UTC()}
	return nil
}

// WriteWithModTime stores data with an explicit modification time.
// Test helper for exercising tie-break ordering in the matcher.
func (p *MemProvider) WriteWithModTime(filePath string, data []byte, modTime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[filePath] = memFile{data: data, modTime: modTime}
}

// Delete removes the file at path.
func (p *MemProvider) Delete(ctx context.Context, filePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.files[filePath]; !ok {
		return fmt.Errorf("%s: %w", filePath, ErrFileNotFound)
	}
	delete(p.files, filePath)
	return nil
}

// Exists reports whether a file exists at path.
func (p *MemProvider) Exists(ctx context.Context, filePath string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.files[filePath]
	return ok, nil
}

// List streams files under prefix to fn in sorted path order.
func (p *MemProvider) List(ctx context.Context, prefix string, recursive bool, fn ListFunc) error {
	p.mu.RLock()
	paths := make([]string, 0, len(p.files))
	for fp := range p.files {
		paths = append(paths, fp)
	}
	p.mu.RUnlock()

	sort.Strings(paths)

	for _, fp := range paths {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if prefix != "" && !strings.HasPrefix(fp, prefix) {
			continue
		}
		if !recursive {
			rest := strings.TrimPrefix(fp, prefix)
			rest = strings.TrimPrefix(rest, "/")
			if strings.Contains(rest, "/") {
				continue
			}
		}

		p.mu.RLock()
		f, ok := p.files[fp]
		p.mu.RUnlock()
		if !ok {
			continue
		}

		err := fn(FileRecord{
			ProviderID:   p.id,
			Path:         fp,
			Filename:     path.Base(fp),
			Size:         int64(len(f.data)),
			LastModified: f.modTime,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of stored files. Test helper.
func (p *MemProvider) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.files)
}
