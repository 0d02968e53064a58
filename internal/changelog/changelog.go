// Package changelog records every reversible mutation a migration makes.
// Entries are line-delimited JSON, append-only, one file per migration,
// with a monotonic sequence that survives restarts: the counter is seeded
// from the entries already on disk when the log is opened.
package changelog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Change log errors.
var (
	ErrLogNotFound = errors.New("change log not found")
)

// Entry types.
const (
	TypeMovedAsset         = "moved_asset"
	TypeMovedFile          = "moved_file"
	TypeBrokenLinkFixed    = "broken_link_fixed"
	TypeBrokenLinkNotFixed = "broken_link_not_fixed"
	TypeInlineRefUpdated   = "inline_ref_updated"
	TypeQuarantinedFile    = "quarantined_file"
	TypeQuarantinedAsset   = "quarantined_asset"
	TypeAssetUpdated       = "asset_updated"
)

// Entry is one reversible mutation. Immutable once written.
type Entry struct {
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Phase     string         `json:"phase"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

// Summary describes one migration's log.
type Summary struct {
	MigrationID string    `json:"migration_id"`
	Entries     int       `json:"entries"`
	FirstAt     time.Time `json:"first_at"`
	LastAt      time.Time `json:"last_at"`
}

// Log buffers entries in memory and appends them durably on Flush.
type Log struct {
	dir         string
	migrationID string

	mu      sync.Mutex
	buffer  []Entry
	seq     uint64
	flushAt int // auto-flush threshold; 0 disables
}

// Open creates or reopens the change log for a migration. The sequence
// counter continues after the last entry already on disk.
func Open(dataDir, migrationID string, flushThreshold int) (*Log, error) {
	dir := filepath.Join(dataDir, "changelog")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create changelog dir: %w", err)
	}

	l := &Log{dir: dir, migrationID: migrationID, flushAt: flushThreshold}

	entries, err := l.readAll(migrationID)
	if err != nil && !errors.Is(err, ErrLogNotFound) {
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.seq = entries[n-1].Sequence
	}
	return l, nil
}

func (l *Log) path(id string) string {
	return filepath.Join(l.dir, id+".jsonl")
}

// Log buffers an entry, assigning the next sequence number. The entry is
// not durable until Flush. When the buffer reaches the flush threshold it
// is flushed synchronously.
func (l *Log) Log(phase, entryType string, payload map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := Entry{
		Sequence:  l.seq,
		Timestamp: time.Now().UTC(),
		Phase:     phase,
		Type:      entryType,
		Payload:   payload,
	}
	l.buffer = append(l.buffer, entry)

	if l.flushAt > 0 && len(l.buffer) >= l.flushAt {
		if err := l.flushLocked(); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// Flush durably appends all buffered entries.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	f, err := os.OpenFile(l.path(l.migrationID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open changelog: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	for _, entry := range l.buffer {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal entry %d: %w", entry.Sequence, err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("append entry %d: %w", entry.Sequence, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush changelog: %w", err)
	}
	if os.Getenv("ASSETSHIFT_TEST") == "" {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync changelog: %w", err)
		}
	}

	l.buffer = l.buffer[:0]
	return nil
}

// Pending returns the number of buffered, not yet durable entries.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// Sequence returns the last assigned sequence number.
func (l *Log) Sequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// LoadAll returns every durable entry for a migration in sequence order.
func (l *Log) LoadAll(migrationID string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAll(migrationID)
}

func (l *Log) readAll(migrationID string) ([]Entry, error) {
	f, err := os.Open(l.path(migrationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", migrationID, ErrLogNotFound)
		}
		return nil, fmt.Errorf("open changelog: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, fmt.Errorf("parse changelog line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan changelog: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Sequence < entries[j].Sequence
	})
	return entries, nil
}

// ListMigrations summarizes every change log on disk, newest last entry
// first.
func (l *Log) ListMigrations() ([]Summary, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read changelog dir: %w", err)
	}

	var summaries []Summary
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		entries, err := l.readAll(id)
		if err != nil || len(entries) == 0 {
			continue
		}
		summaries = append(summaries, Summary{
			MigrationID: id,
			Entries:     len(entries),
			FirstAt:     entries[0].Timestamp,
			LastAt:      entries[len(entries)-1].Timestamp,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastAt.After(summaries[j].LastAt)
	})
	return summaries, nil
}

// PayloadString extracts a string field from an entry payload, reporting
// whether it was present and non-empty.
func PayloadString(e Entry, key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
