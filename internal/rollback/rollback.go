// Package rollback reverses a migration by replaying its change log in
// reverse sequence order, inverting each entry type. Phase filtering
// supports undoing only the tail of a run; the metadata snapshot offers
// an all-or-nothing alternative.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/assetshift/assetshift/internal/asset"
	"github.com/assetshift/assetshift/internal/changelog"
	"github.com/assetshift/assetshift/internal/config"
	"github.com/assetshift/assetshift/internal/lockmgr"
	"github.com/assetshift/assetshift/internal/migrate"
	"github.com/assetshift/assetshift/internal/retry"
	"github.com/assetshift/assetshift/internal/snapshot"
	"github.com/assetshift/assetshift/internal/storage"
)

// Rollback errors.
var (
	ErrUnrevertable  = errors.New("entry cannot be reverted")
	ErrUnknownMode   = errors.New("unknown rollback mode")
	ErrUnknownPhase  = errors.New("unknown phase")
	ErrNoSnapshotter = errors.New("repository has no snapshot capability")
	ErrNoRefScanner  = errors.New("repository has no ref field capability")
)

// Modes for phase filtering.
const (
	ModeFrom = "from" // named phase and everything after it
	ModeOnly = "only" // exactly the named phases
)

// perEntryCost is the rough unit used for dry-run time estimates.
const perEntryCost = 50 * time.Millisecond

// Options control a rollback run.
type Options struct {
	// Phases filters which phases to revert; empty means the whole log.
	Phases []string
	// Mode interprets Phases: ModeOnly or ModeFrom. Defaults to ModeOnly.
	Mode string
	// DryRun reports what would be reverted without mutating anything.
	DryRun bool
}

// Stats summarizes a rollback run.
type Stats struct {
	Total    int            // entries selected for rollback
	Reverted int            // entries successfully inverted
	Skipped  int            // entries with nothing to undo or missing prior state
	ByType   map[string]int // selected entries by type
	ByPhase  map[string]int // selected entries by phase

	// Estimate is a rough duration for the selected entries; dry run only.
	Estimate time.Duration
}

// Engine inverts change log entries against the live providers and
// repository.
type Engine struct {
	cfg    *config.Config
	source storage.Provider
	target storage.Provider
	repo   asset.Repository
	logger zerolog.Logger
}

// New creates a rollback engine over the same collaborators the
// migration used.
func New(cfg *config.Config, source, target storage.Provider, repo asset.Repository, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		source: source,
		target: target,
		repo:   repo,
		logger: logger.With().Str("component", "rollback").Logger(),
	}
}

// Rollback undoes a migration's logged mutations, newest first.
func (e *Engine) Rollback(ctx context.Context, migrationID string, opts Options) (*Stats, error) {
	clog, err := changelog.Open(e.cfg.DataDir, migrationID, 0)
	if err != nil {
		return nil, err
	}
	entries, err := clog.LoadAll(migrationID)
	if err != nil {
		return nil, err
	}

	selected, err := filterEntries(entries, opts)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Total:   len(selected),
		ByType:  make(map[string]int),
		ByPhase: make(map[string]int),
	}
	for _, entry := range selected {
		stats.ByType[entry.Type]++
		stats.ByPhase[entry.Phase]++
	}

	if opts.DryRun {
		stats.Estimate = time.Duration(len(selected)) * perEntryCost
		return stats, nil
	}

	ttl, err := e.cfg.LockTTL()
	if err != nil {
		return nil, fmt.Errorf("lock ttl: %w", err)
	}
	timeout, err := e.cfg.LockTimeout()
	if err != nil {
		return nil, fmt.Errorf("lock timeout: %w", err)
	}
	lock, err := lockmgr.New(e.cfg.DataDir, "migration", ttl, e.logger)
	if err != nil {
		return nil, err
	}
	if _, err := lock.Acquire(ctx, timeout, "", "rollback:"+migrationID); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() { _ = lock.Release() }()

	backoff, err := e.cfg.BaseBackoff()
	if err != nil {
		return nil, fmt.Errorf("retry backoff: %w", err)
	}
	// no failure budget: rollback should push through as far as it can
	retryer := retry.New(e.cfg.Retry.MaxAttempts, backoff, retry.NewBudget(0), e.logger)

	logger := e.logger.With().Str("migration_id", migrationID).Logger()
	logger.Info().Int("entries", len(selected)).Msg("rollback started")

	// newest mutation reverted first
	for i := len(selected) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		entry := selected[i]
		reverted, err := e.invert(ctx, retryer, entry)
		if err != nil {
			return stats, fmt.Errorf("entry %d (%s, phase %s): %w",
				entry.Sequence, entry.Type, entry.Phase, err)
		}
		if reverted {
			stats.Reverted++
		} else {
			stats.Skipped++
		}
	}

	logger.Info().
		Int("reverted", stats.Reverted).
		Int("skipped", stats.Skipped).
		Msg("rollback complete")
	return stats, nil
}

// filterEntries applies the phase selection.
func filterEntries(entries []changelog.Entry, opts Options) ([]changelog.Entry, error) {
	if len(opts.Phases) == 0 {
		return entries, nil
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeOnly
	}

	include := make(map[string]bool)
	switch mode {
	case ModeOnly:
		for _, p := range opts.Phases {
			if migrate.PhaseIndex(p) < 0 {
				return nil, fmt.Errorf("%q: %w", p, ErrUnknownPhase)
			}
			include[p] = true
		}
	case ModeFrom:
		// everything from the earliest named phase onward
		first := len(migrate.PhaseOrder)
		for _, p := range opts.Phases {
			idx := migrate.PhaseIndex(p)
			if idx < 0 {
				return nil, fmt.Errorf("%q: %w", p, ErrUnknownPhase)
			}
			if idx < first {
				first = idx
			}
		}
		for _, p := range migrate.PhaseOrder[first:] {
			include[p] = true
		}
	default:
		return nil, fmt.Errorf("%q: %w", mode, ErrUnknownMode)
	}

	var selected []changelog.Entry
	for _, entry := range entries {
		if include[entry.Phase] {
			selected = append(selected, entry)
		}
	}
	return selected, nil
}

// invert undoes a single entry. Returns false when there is nothing to
// undo or prior state is missing for a type that tolerates skipping.
func (e *Engine) invert(ctx context.Context, retryer *retry.Retryer, entry changelog.Entry) (bool, error) {
	switch entry.Type {
	case changelog.TypeMovedAsset:
		return e.invertMovedAsset(ctx, retryer, entry)
	case changelog.TypeMovedFile:
		return e.invertMovedFile(ctx, retryer, entry)
	case changelog.TypeBrokenLinkFixed:
		return e.invertBrokenLinkFixed(ctx, retryer, entry)
	case changelog.TypeInlineRefUpdated:
		return e.invertInlineRef(ctx, retryer, entry)
	case changelog.TypeQuarantinedFile:
		return e.invertQuarantinedFile(ctx, retryer, entry)
	case changelog.TypeQuarantinedAsset:
		return e.invertQuarantinedAsset(ctx, retryer, entry)
	case changelog.TypeAssetUpdated:
		return e.invertAssetUpdated(ctx, retryer, entry)
	case changelog.TypeBrokenLinkNotFixed:
		return false, nil // records a non-action; nothing to undo
	default:
		e.warnSkip(entry, "unknown entry type")
		return false, nil
	}
}

func (e *Engine) invertMovedAsset(ctx context.Context, retryer *retry.Retryer, entry changelog.Entry) (bool, error) {
	priorPath, okFrom := changelog.PayloadString(entry, "prior_path")
	newPath, okTo := changelog.PayloadString(entry, "new_path")
	assetID, okID := changelog.PayloadString(entry, "asset_id")
	priorVolume, okVol := changelog.PayloadString(entry, "prior_volume_id")
	if !okFrom || !okTo || !okID || !okVol {
		e.warnSkip(entry, "missing prior location")
		return false, nil
	}

	if err := e.transfer(ctx, retryer, e.target, newPath, e.source, priorPath); err != nil {
		return false, err
	}

	rec, err := e.findRecord(ctx, retryer, assetID)
	if err != nil {
		return false, err
	}
	rec.VolumeID = priorVolume
	rec.FolderID = payloadField(entry, "prior_folder_id")
	if err := e.updateRecord(ctx, retryer, *rec); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) invertMovedFile(ctx context.Context, retryer *retry.Retryer, entry changelog.Entry) (bool, error) {
	from, okFrom := changelog.PayloadString(entry, "from")
	to, okTo := changelog.PayloadString(entry, "to")
	if !okFrom || !okTo {
		e.warnSkip(entry, "missing move endpoints")
		return false, nil
	}
	if err := e.transfer(ctx, retryer, e.source, to, e.source, from); err != nil {
		return false, err
	}
	return true, nil
}

// invertBrokenLinkFixed restores the record's pre-repair placement.
// Entries written without prior-location fields make exact inversion
// impossible: that is a hard stop with a diagnostic, never a guess.
func (e *Engine) invertBrokenLinkFixed(ctx context.Context, retryer *retry.Retryer, entry changelog.Entry) (bool, error) {
	assetID, okID := changelog.PayloadString(entry, "asset_id")
	priorVolume, okVol := changelog.PayloadString(entry, "prior_volume_id")
	priorFilename, okName := changelog.PayloadString(entry, "prior_filename")
	if !okID || !okVol || !okName {
		return false, fmt.Errorf(
			"broken_link_fixed entry %d lacks prior location fields; "+
				"restore the metadata snapshot instead: %w",
			entry.Sequence, ErrUnrevertable)
	}

	rec, err := e.findRecord(ctx, retryer, assetID)
	if err != nil {
		return false, err
	}
	rec.VolumeID = priorVolume
	rec.FolderID = payloadField(entry, "prior_folder_id")
	rec.Filename = priorFilename
	rec.FileExists = false // the link was broken before the repair
	if err := e.updateRecord(ctx, retryer, *rec); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) invertInlineRef(ctx context.Context, retryer *retry.Retryer, entry changelog.Entry) (bool, error) {
	scanner, ok := e.repo.(asset.RefFieldScanner)
	if !ok {
		return false, fmt.Errorf("inline ref entry %d: %w", entry.Sequence, ErrNoRefScanner)
	}
	assetID, okID := changelog.PayloadString(entry, "asset_id")
	field, okField := changelog.PayloadString(entry, "field")
	prior, okPrior := changelog.PayloadString(entry, "prior_text")
	if !okID || !okField || !okPrior {
		e.warnSkip(entry, "missing prior text")
		return false, nil
	}
	if err := retryer.Do(ctx, "restore field "+field, func() error {
		return scanner.SetFieldText(ctx, assetID, field, prior)
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) invertQuarantinedFile(ctx context.Context, retryer *retry.Retryer, entry changelog.Entry) (bool, error) {
	origin, okOrigin := changelog.PayloadString(entry, "origin_path")
	qPath, okQ := changelog.PayloadString(entry, "quarantine_path")
	provID, okProv := changelog.PayloadString(entry, "origin_provider")
	if !okOrigin || !okQ || !okProv {
		e.warnSkip(entry, "missing quarantine origin")
		return false, nil
	}
	prov, err := e.providerByID(provID)
	if err != nil {
		e.warnSkip(entry, err.Error())
		return false, nil
	}
	if err := e.transfer(ctx, retryer, e.target, qPath, prov, origin); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) invertQuarantinedAsset(ctx context.Context, retryer *retry.Retryer, entry changelog.Entry) (bool, error) {
	reverted, err := e.invertQuarantinedFile(ctx, retryer, entry)
	if err != nil || !reverted {
		return reverted, err
	}

	assetID, ok := changelog.PayloadString(entry, "asset_id")
	if !ok {
		e.warnSkip(entry, "missing asset id")
		return false, nil
	}
	rec, err := e.findRecord(ctx, retryer, assetID)
	if err != nil {
		return false, err
	}
	rec.FileExists = payloadBool(entry, "prior_file_exists")
	if err := e.updateRecord(ctx, retryer, *rec); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) invertAssetUpdated(ctx context.Context, retryer *retry.Retryer, entry changelog.Entry) (bool, error) {
	assetID, okID := changelog.PayloadString(entry, "asset_id")
	priorVolume, okVol := changelog.PayloadString(entry, "prior_volume_id")
	priorFilename, okName := changelog.PayloadString(entry, "prior_filename")
	if !okID || !okVol || !okName {
		e.warnSkip(entry, "missing prior record fields")
		return false, nil
	}
	rec, err := e.findRecord(ctx, retryer, assetID)
	if err != nil {
		return false, err
	}
	rec.VolumeID = priorVolume
	rec.FolderID = payloadField(entry, "prior_folder_id")
	rec.Filename = priorFilename
	rec.FileExists = payloadBool(entry, "prior_file_exists")
	if err := e.updateRecord(ctx, retryer, *rec); err != nil {
		return false, err
	}
	return true, nil
}

// RestoreSnapshot replaces the full metadata state with the
// pre-migration snapshot. All-or-nothing: no phase filtering, and
// physical files are not touched.
func (e *Engine) RestoreSnapshot(ctx context.Context, migrationID string) error {
	snapper, ok := e.repo.(asset.Snapshotter)
	if !ok {
		return ErrNoSnapshotter
	}
	store, err := snapshot.NewStore(e.cfg.DataDir)
	if err != nil {
		return err
	}
	records, err := store.Load(migrationID)
	if err != nil {
		return err
	}
	if err := snapper.RestoreAll(ctx, records); err != nil {
		return fmt.Errorf("restore metadata: %w", err)
	}
	e.logger.Info().
		Str("migration_id", migrationID).
		Int("records", len(records)).
		Msg("metadata snapshot restored")
	return nil
}

// transfer moves a file back: read, write to the original home, verify,
// delete the migrated copy. A missing source file is tolerated when the
// destination already holds it (a rerun of a partly finished rollback).
func (e *Engine) transfer(ctx context.Context, retryer *retry.Retryer, from storage.Provider, fromPath string, to storage.Provider, toPath string) error {
	var data []byte
	err := retryer.Do(ctx, "read "+fromPath, func() error {
		var err error
		data, err = from.Read(ctx, fromPath)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			ok, exErr := to.Exists(ctx, toPath)
			if exErr == nil && ok {
				return nil // already reverted
			}
		}
		return err
	}

	if err := retryer.Do(ctx, "write "+toPath, func() error {
		return to.Write(ctx, toPath, data)
	}); err != nil {
		return err
	}
	if err := retryer.Do(ctx, "verify "+toPath, func() error {
		ok, err := to.Exists(ctx, toPath)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s not visible after write: %w", toPath, retry.ErrMissingState)
		}
		return nil
	}); err != nil {
		return err
	}
	return retryer.Do(ctx, "delete "+fromPath, func() error {
		return from.Delete(ctx, fromPath)
	})
}

func (e *Engine) findRecord(ctx context.Context, retryer *retry.Retryer, id string) (*asset.Record, error) {
	var rec *asset.Record
	err := retryer.Do(ctx, "find asset "+id, func() error {
		var err error
		rec, err = e.repo.FindByID(ctx, id)
		return err
	})
	return rec, err
}

func (e *Engine) updateRecord(ctx context.Context, retryer *retry.Retryer, rec asset.Record) error {
	return retryer.Do(ctx, "update asset "+rec.ID, func() error {
		ok, err := e.repo.Update(ctx, rec)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("asset %s: %w", rec.ID, asset.ErrUpdateRejected)
		}
		return nil
	})
}

func (e *Engine) providerByID(id string) (storage.Provider, error) {
	switch id {
	case e.source.ID():
		return e.source, nil
	case e.target.ID():
		return e.target, nil
	default:
		return nil, fmt.Errorf("no provider %q configured", id)
	}
}

func (e *Engine) warnSkip(entry changelog.Entry, reason string) {
	e.logger.Warn().
		Uint64("sequence", entry.Sequence).
		Str("type", entry.Type).
		Str("phase", entry.Phase).
		Str("reason", reason).
		Msg("entry skipped during rollback")
}

// payloadField reads a string payload field that may legitimately be
// empty, like a root-level folder ID.
func payloadField(entry changelog.Entry, key string) string {
	if v, ok := entry.Payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadBool(entry changelog.Entry, key string) bool {
	v, ok := entry.Payload[key].(bool)
	return ok && v
}
