// Package checkpoint persists orchestrator progress so an interrupted
// migration resumes where it stopped. Persistence is two-tiered: a full
// checkpoint every few batches plus a lightweight quick-state written
// after every batch. All writes go to a temp path first and rename into
// place, so a crash mid-write never corrupts the prior valid checkpoint.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Checkpoint errors.
var (
	ErrNotFound = errors.New("checkpoint not found")
)

// Run status values.
const (
	StatusRunning     = "running"
	StatusInterrupted = "interrupted"
	StatusComplete    = "complete"
)

// Stats accumulates migration progress counters.
type Stats struct {
	AssetsTotal     int   `json:"assets_total"`
	AssetsProcessed int   `json:"assets_processed"`
	FilesMoved      int   `json:"files_moved"`
	BytesMoved      int64 `json:"bytes_moved"`
	LinksFixed      int   `json:"links_fixed"`
	LinksUnresolved int   `json:"links_unresolved"`
	InlineRefs      int   `json:"inline_refs_updated"`
	Quarantined     int   `json:"quarantined"`
	OrphanFiles     int   `json:"orphan_files"`
	Errors          int   `json:"errors"`
}

// State is the persisted orchestrator state.
type State struct {
	MigrationID  string          `json:"migration_id"`
	Phase        string          `json:"phase"`
	BatchIndex   int             `json:"batch_index"`
	ProcessedIDs map[string]bool `json:"processed_ids"`
	Stats        Stats           `json:"stats"`
	Status       string          `json:"status"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Summary describes a stored checkpoint without its processed-ID set.
type Summary struct {
	MigrationID string    `json:"migration_id"`
	Phase       string    `json:"phase"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Processed   int       `json:"processed"`
}

// Store reads and writes checkpoints under a data directory.
type Store struct {
	dir string
}

// NewStore creates the checkpoint directory if needed.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "checkpoints")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) fullPath(id string) string    { return filepath.Join(s.dir, id+".json") }
func (s *Store) quickPath(id string) string   { return filepath.Join(s.dir, id+".quick.json") }
func (s *Store) archivePath(id string) string { return filepath.Join(s.dir, id+".json.zst") }

// Save writes a full checkpoint atomically.
func (s *Store) Save(state *State) error {
	state.Timestamp = time.Now().UTC()
	return writeAtomic(s.fullPath(state.MigrationID), state)
}

// SaveQuick writes the lightweight quick-state. Called after every batch;
// cheap enough that the full checkpoint only needs to be rewritten every
// N batches.
func (s *Store) SaveQuick(state *State) error {
	state.Timestamp = time.Now().UTC()
	return writeAtomic(s.quickPath(state.MigrationID), state)
}

// LoadLatest returns the freshest state for a migration, preferring the
// quick-state over the full checkpoint. With an empty id the most
// recently written migration is returned.
func (s *Store) LoadLatest(id string) (*State, error) {
	if id == "" {
		summaries, err := s.List()
		if err != nil {
			return nil, err
		}
		if len(summaries) == 0 {
			return nil, ErrNotFound
		}
		id = summaries[0].MigrationID
	}

	quick, quickErr := readState(s.quickPath(id))
	full, fullErr := readState(s.fullPath(id))

	switch {
	case quickErr == nil && fullErr == nil:
		if quick.Timestamp.After(full.Timestamp) {
			return quick, nil
		}
		return full, nil
	case quickErr == nil:
		return quick, nil
	case fullErr == nil:
		return full, nil
	default:
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
}

// List returns a summary per migration, newest first.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	seen := make(map[string]bool)
	var summaries []Summary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		id = strings.TrimSuffix(id, ".quick")
		if seen[id] {
			continue
		}
		seen[id] = true

		state, err := s.LoadLatest(id)
		if err != nil {
			continue // skip unreadable checkpoints
		}
		summaries = append(summaries, Summary{
			MigrationID: state.MigrationID,
			Phase:       state.Phase,
			Status:      state.Status,
			Timestamp:   state.Timestamp,
			Processed:   len(state.ProcessedIDs),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Timestamp.After(summaries[j].Timestamp)
	})
	return summaries, nil
}

// Cleanup removes checkpoint files older than the cutoff and returns how
// many migrations were cleaned. Archives are removed on the same clock.
func (s *Store) Cleanup(olderThan time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint dir: %w", err)
	}

	cleaned := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(olderThan) {
			continue
		}
		id := entry.Name()
		for _, suffix := range []string{".quick.json", ".json.zst", ".json"} {
			if strings.HasSuffix(id, suffix) {
				id = strings.TrimSuffix(id, suffix)
				break
			}
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			cleaned[id] = true
		}
	}
	return len(cleaned), nil
}

// Archive compresses a finished migration's full checkpoint to zstd and
// drops the working files. The processed-ID set of a million-asset run
// compresses well and is only needed for audit after completion.
func (s *Store) Archive(id string) error {
	data, err := os.ReadFile(s.fullPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("read checkpoint: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	_ = enc.Close()

	tmp := s.archivePath(id) + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return fmt.Errorf("write archive temp: %w", err)
	}
	if err := os.Rename(tmp, s.archivePath(id)); err != nil {
		return fmt.Errorf("rename archive: %w", err)
	}

	_ = os.Remove(s.fullPath(id))
	_ = os.Remove(s.quickPath(id))
	return nil
}

// LoadArchived reads a compressed checkpoint back.
func (s *Store) LoadArchived(id string) (*State, error) {
	compressed, err := os.ReadFile(s.archivePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read archive: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &state, nil
}

func readState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return &state, nil
}

// writeAtomic marshals v, writes it to a temp file, fsyncs, and renames
// into place.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if os.Getenv("ASSETSHIFT_TEST") == "" {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync temp: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
