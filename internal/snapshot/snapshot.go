// Package snapshot stores a zstd-compressed dump of every asset record
// taken before the first mutation. It backs the whole-migration rollback
// path: restoring the snapshot is all-or-nothing and cannot honor phase
// filtering, but it is fast and complete.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/assetshift/assetshift/internal/asset"
)

// Snapshot errors.
var (
	ErrNotFound = errors.New("snapshot not found")
)

// Store reads and writes snapshots under a data directory.
type Store struct {
	dir string
}

// NewStore creates the snapshot directory if needed.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json.zst")
}

// Exists reports whether a snapshot was already taken for a migration.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Save writes the record set compressed and atomically.
func (s *Store) Save(id string, records []asset.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	_ = enc.Close()

	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return fmt.Errorf("write snapshot temp: %w", err)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the record set for a migration.
func (s *Store) Load(id string) ([]asset.Record, error) {
	compressed, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}

	var records []asset.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return records, nil
}
