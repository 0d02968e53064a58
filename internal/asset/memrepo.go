package asset

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemRepository is a map-backed Repository implementing all optional
// capabilities. Used by tests and local dry runs.
type MemRepository struct {
	mu      sync.RWMutex
	records map[string]Record
	fields  map[string]map[string]string // assetID -> field -> text

	refFields []string

	// FailUpdates forces Update to reject; exercises transactional
	// failure paths in tests.
	FailUpdates bool
}

// NewMemRepository creates an empty repository with the given embeddable
// reference fields declared.
func NewMemRepository(refFields ...string) *MemRepository {
	return &MemRepository{
		records:   make(map[string]Record),
		fields:    make(map[string]map[string]string),
		refFields: refFields,
	}
}

// Put inserts or replaces a record. Test and seeding helper.
func (m *MemRepository) Put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
}

// FindByVolumes returns a stable offset/limit page of records in the
// given volumes, ordered by ID.
func (m *MemRepository) FindByVolumes(ctx context.Context, volumeIDs []string, offset, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	volumes := make(map[string]bool, len(volumeIDs))
	for _, v := range volumeIDs {
		volumes[v] = true
	}

	ids := make([]string, 0, len(m.records))
	for id, rec := range m.records {
		if len(volumes) == 0 || volumes[rec.VolumeID] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}

	page := make([]Record, 0, end-offset)
	for _, id := range ids[offset:end] {
		page = append(page, m.records[id])
	}
	return page, nil
}

// Count returns the number of records matching the filter.
func (m *MemRepository) Count(ctx context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	volumes := make(map[string]bool, len(filter.VolumeIDs))
	for _, v := range filter.VolumeIDs {
		volumes[v] = true
	}

	count := 0
	for _, rec := range m.records {
		if len(volumes) > 0 && !volumes[rec.VolumeID] {
			continue
		}
		if filter.BrokenOnly && rec.FileExists {
			continue
		}
		count++
	}
	return count, nil
}

// Update replaces an existing record. Returns false with
// ErrUpdateRejected when the update cannot be applied; the stored record
// is untouched in that case.
func (m *MemRepository) Update(ctx context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpdates {
		return false, fmt.Errorf("update %s: %w", rec.ID, ErrUpdateRejected)
	}
	if _, ok := m.records[rec.ID]; !ok {
		return false, fmt.Errorf("update %s: %w", rec.ID, ErrNotFound)
	}
	m.records[rec.ID] = rec
	return true, nil
}

// FindByID returns the record with the given ID.
func (m *MemRepository) FindByID(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return &rec, nil
}

// RefFields returns the declared embeddable reference fields.
func (m *MemRepository) RefFields(ctx context.Context) ([]string, error) {
	out := make([]string, len(m.refFields))
	copy(out, m.refFields)
	return out, nil
}

// FieldText returns the text of a field for an asset.
func (m *MemRepository) FieldText(ctx context.Context, assetID, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fields[assetID][field], nil
}

// SetFieldText replaces the text of a field for an asset.
func (m *MemRepository) SetFieldText(ctx context.Context, assetID, field, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[assetID]; !ok {
		return fmt.Errorf("%s: %w", assetID, ErrNotFound)
	}
	if m.fields[assetID] == nil {
		m.fields[assetID] = make(map[string]string)
	}
	m.fields[assetID][field] = text
	return nil
}

// SnapshotAll returns a copy of every record, ordered by ID.
func (m *MemRepository) SnapshotAll(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RestoreAll replaces the full record set. All-or-nothing.
func (m *MemRepository) RestoreAll(ctx context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make(map[string]Record, len(records))
	for _, rec := range records {
		fresh[rec.ID] = rec
	}
	m.records = fresh
	return nil
}
