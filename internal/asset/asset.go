// Package asset defines the content-metadata collaborators of a migration:
// asset records and the repository that owns them. Concrete metadata stores
// live outside this module; the orchestrator only sees these interfaces.
package asset

import (
	"context"
	"errors"
	"path"
)

// Repository error types.
var (
	ErrNotFound       = errors.New("asset not found")
	ErrUpdateRejected = errors.New("asset update rejected")
)

// Record is a managed content item whose metadata points at a physical file.
type Record struct {
	ID         string `json:"id"`
	VolumeID   string `json:"volume_id"`
	FolderID   string `json:"folder_id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size,omitempty"`
	RefCount   int    `json:"ref_count"`
	FileExists bool   `json:"file_exists"`
}

// Path returns the storage path the record's metadata points at.
// FolderID doubles as the folder path within the volume; an empty FolderID
// places the file at the volume root.
func (r Record) Path() string {
	if r.FolderID == "" {
		return path.Join(r.VolumeID, r.Filename)
	}
	return path.Join(r.VolumeID, r.FolderID, r.Filename)
}

// Filter narrows Count queries.
type Filter struct {
	VolumeIDs  []string
	BrokenOnly bool // only records whose file could not be resolved
}

// Repository provides CRUD and paginated query over asset records.
// Update is transactional: either the whole record is persisted and true
// is returned, or nothing changed. No hidden side effects.
type Repository interface {
	FindByVolumes(ctx context.Context, volumeIDs []string, offset, limit int) ([]Record, error)
	Count(ctx context.Context, filter Filter) (int, error)
	Update(ctx context.Context, rec Record) (bool, error)
	FindByID(ctx context.Context, id string) (*Record, error)
}

// RefFieldScanner is an optional repository capability: enumerate the
// fields that may embed file references and rewrite their text. This
// replaces schema introspection with a statically declared contract, so
// the orchestrator stays decoupled from any concrete metadata schema.
type RefFieldScanner interface {
	// RefFields returns the names of fields that may embed file references.
	RefFields(ctx context.Context) ([]string, error)

	// FieldText returns the text of a field for an asset, or "" when unset.
	FieldText(ctx context.Context, assetID, field string) (string, error)

	// SetFieldText replaces the text of a field transactionally.
	SetFieldText(ctx context.Context, assetID, field, text string) error
}

// Snapshotter is an optional repository capability: dump and restore the
// full metadata state. Used for the whole-migration rollback path.
type Snapshotter interface {
	SnapshotAll(ctx context.Context) ([]Record, error)
	RestoreAll(ctx context.Context, records []Record) error
}
