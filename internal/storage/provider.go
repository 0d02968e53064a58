// Package storage abstracts the object storage backends a migration moves
// files between. A Provider exposes uniform read/write/delete/list/exists
// over a bucket-like namespace.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage error types.
var (
	ErrFileNotFound   = errors.New("file not found")
	ErrInvalidPath    = errors.New("invalid path")
	ErrPermissionDeny = errors.New("permission denied")
)

// FileRecord describes a single file in a provider's namespace.
// Records are transient: rebuilt per phase via a scan, never persisted.
type FileRecord struct {
	ProviderID   string    `json:"provider_id"`
	Path         string    `json:"path"`
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListFunc is invoked once per file during a List scan.
// Returning an error aborts the scan and propagates the error.
type ListFunc func(FileRecord) error

// Provider is a uniform interface over an object storage backend.
type Provider interface {
	// ID returns a stable identifier for this provider instance.
	ID() string

	// Read returns the full content of the file at path.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write stores data at path, creating parent namespaces as needed.
	Write(ctx context.Context, path string, data []byte) error

	// Delete removes the file at path. Deleting a missing file returns
	// ErrFileNotFound.
	Delete(ctx context.Context, path string) error

	// Exists reports whether a file exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// List streams every file under prefix to fn. With recursive false only
	// the immediate level is visited. The scan never materializes the full
	// listing in memory.
	List(ctx context.Context, prefix string, recursive bool, fn ListFunc) error
}
