package migrate

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/assetshift/assetshift/internal/asset"
	"github.com/assetshift/assetshift/internal/changelog"
	"github.com/assetshift/assetshift/internal/checkpoint"
	"github.com/assetshift/assetshift/internal/matcher"
	"github.com/assetshift/assetshift/internal/retry"
	"github.com/assetshift/assetshift/internal/storage"
)

var errProbeDone = errors.New("probe done")

// preparation counts the workload, probes both providers, and takes the
// pre-migration metadata snapshot that backs whole-migration rollback.
func (r *run) preparation(ctx context.Context) error {
	var total int
	if err := r.retry.Do(ctx, "count assets", func() error {
		var err error
		total, err = r.e.repo.Count(ctx, asset.Filter{VolumeIDs: r.vols})
		return err
	}); err != nil {
		return err
	}
	r.state.Stats.AssetsTotal = total

	if err := r.probe(ctx, r.e.source); err != nil {
		return err
	}
	if err := r.probe(ctx, r.e.target); err != nil {
		return err
	}

	if !r.dry && !r.resumed {
		snap, ok := r.e.repo.(asset.Snapshotter)
		if !ok {
			r.logger.Warn().Msg("repository has no snapshot capability, whole-migration rollback unavailable")
		} else if !r.snaps.Exists(r.state.MigrationID) {
			var records []asset.Record
			if err := r.retry.Do(ctx, "snapshot metadata", func() error {
				var err error
				records, err = snap.SnapshotAll(ctx)
				return err
			}); err != nil {
				return err
			}
			if err := r.snaps.Save(r.state.MigrationID, records); err != nil {
				return err
			}
			r.logger.Info().Int("records", len(records)).Msg("metadata snapshot saved")
		}
	}

	r.logger.Info().
		Int("assets_total", total).
		Str("source", r.e.source.ID()).
		Str("target", r.e.target.ID()).
		Msg("preparation done")
	return nil
}

// probe verifies a provider answers list calls before any phase depends
// on it. An empty tree is fine; an unreachable backend is not.
func (r *run) probe(ctx context.Context, p storage.Provider) error {
	err := p.List(ctx, "", false, func(storage.FileRecord) error { return errProbeDone })
	if err != nil && !errors.Is(err, errProbeDone) {
		return fmt.Errorf("probe provider %s: %w", p.ID(), err)
	}
	return nil
}

// discovery scans the source tree and classifies every asset as healthy
// or broken, and every in-scope file as referenced or orphaned. Stats
// only; the inventories are cheap to re-derive and never persisted.
func (r *run) discovery(ctx context.Context) error {
	idx, err := r.buildIndex(ctx, r.e.source)
	if err != nil {
		return err
	}

	inScope := make(map[string]bool, len(r.e.cfg.VolumeIDs))
	for _, v := range r.e.cfg.VolumeIDs {
		inScope[v] = true
	}

	refs := make(map[string]bool)
	healthy, broken := 0, 0
	if err := r.eachAsset(ctx, func(rec asset.Record) error {
		refs[rec.Path()] = true
		if _, ok := idx.Lookup(rec.Path()); ok {
			healthy++
		} else {
			broken++
		}
		return nil
	}); err != nil {
		return err
	}

	orphans := 0
	idx.Each(func(f storage.FileRecord) {
		vol, _, _ := splitPath(f.Path)
		if inScope[vol] && !refs[f.Path] {
			orphans++
		}
	})
	r.state.Stats.OrphanFiles = orphans

	r.logger.Info().
		Int("files_scanned", idx.Len()).
		Int("healthy", healthy).
		Int("broken_links", broken).
		Int("orphan_files", orphans).
		Msg("discovery done")
	return nil
}

// rootHandling moves files stranded at a volume root whose metadata
// places them in a subfolder, so later phases see a consistent tree.
func (r *run) rootHandling(ctx context.Context) error {
	idx, err := r.buildIndex(ctx, r.e.source)
	if err != nil {
		return err
	}
	return r.forEachAsset(ctx, func(ctx context.Context, rec asset.Record) error {
		return r.contain(r.rootHandleAsset(ctx, rec, idx), rec.ID)
	})
}

func (r *run) rootHandleAsset(ctx context.Context, rec asset.Record, idx *matcher.Index) error {
	if rec.FolderID == "" {
		return nil
	}
	if _, ok := idx.Lookup(rec.Path()); ok {
		return nil // already where the metadata says
	}
	rootPath := path.Join(rec.VolumeID, rec.Filename)
	if _, ok := idx.Lookup(rootPath); !ok {
		return nil
	}

	if err := r.change(changelog.TypeMovedFile, map[string]any{
		"asset_id": rec.ID,
		"from":     rootPath,
		"to":       rec.Path(),
	}); err != nil {
		return err
	}
	if r.dry {
		return nil
	}

	if _, err := r.moveFile(ctx, r.e.source, rootPath, r.e.source, rec.Path()); err != nil {
		return err
	}
	r.state.Stats.FilesMoved++
	return nil
}

// linkInline rewrites embedded source-URL references in asset text
// fields to their target equivalents. Requires the repository's ref
// field capability and configured URL prefixes; skipped otherwise.
func (r *run) linkInline(ctx context.Context) error {
	scanner, ok := r.e.repo.(asset.RefFieldScanner)
	if !ok {
		r.logger.Warn().Msg("repository has no ref field capability, skipping inline rewrite")
		return nil
	}
	srcPrefix := r.e.cfg.Source.URLPrefix
	dstPrefix := r.e.cfg.Target.URLPrefix
	if srcPrefix == "" || dstPrefix == "" {
		r.logger.Info().Msg("url prefixes not configured, skipping inline rewrite")
		return nil
	}

	var fields []string
	if err := r.retry.Do(ctx, "list ref fields", func() error {
		var err error
		fields, err = scanner.RefFields(ctx)
		return err
	}); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	return r.forEachAsset(ctx, func(ctx context.Context, rec asset.Record) error {
		return r.contain(r.inlineAsset(ctx, rec, scanner, fields, srcPrefix, dstPrefix), rec.ID)
	})
}

func (r *run) inlineAsset(ctx context.Context, rec asset.Record, scanner asset.RefFieldScanner, fields []string, srcPrefix, dstPrefix string) error {
	for _, field := range fields {
		var text string
		if err := r.retry.Do(ctx, "read field "+field, func() error {
			var err error
			text, err = scanner.FieldText(ctx, rec.ID, field)
			return err
		}); err != nil {
			return err
		}
		if text == "" || !strings.Contains(text, srcPrefix) {
			continue
		}
		updated := strings.ReplaceAll(text, srcPrefix, dstPrefix)

		if err := r.change(changelog.TypeInlineRefUpdated, map[string]any{
			"asset_id":   rec.ID,
			"field":      field,
			"prior_text": text,
			"new_text":   updated,
		}); err != nil {
			return err
		}
		if r.dry {
			continue
		}

		if err := r.retry.Do(ctx, "write field "+field, func() error {
			return scanner.SetFieldText(ctx, rec.ID, field, updated)
		}); err != nil {
			return err
		}
		r.state.Stats.InlineRefs++
	}
	return nil
}

// fixBrokenLinks runs the matcher cascade over every asset whose file
// cannot be resolved, repointing the record at the best candidate or
// recording the asset as unresolved.
func (r *run) fixBrokenLinks(ctx context.Context) error {
	idx, err := r.buildIndex(ctx, r.e.source, r.e.target)
	if err != nil {
		return err
	}
	m := matcher.New(r.e.cfg.TargetVolume)
	m.MinFuzzyConfidence = r.e.cfg.MinFuzzyConfidence

	return r.forEachAsset(ctx, func(ctx context.Context, rec asset.Record) error {
		return r.contain(r.fixAsset(ctx, rec, m, idx), rec.ID)
	})
}

func (r *run) fixAsset(ctx context.Context, rec asset.Record, m *matcher.Matcher, idx *matcher.Index) error {
	res := m.FindMatch(rec, idx)
	switch {
	case res.Found && res.Strategy == matcher.StrategySourceExact:
		return nil // file is where the metadata says; nothing to fix

	case res.Found:
		r.met.Matches.WithLabelValues(res.Strategy).Inc()
		if err := r.change(changelog.TypeBrokenLinkFixed, map[string]any{
			"asset_id":        rec.ID,
			"prior_volume_id": rec.VolumeID,
			"prior_folder_id": rec.FolderID,
			"prior_filename":  rec.Filename,
			"new_path":        res.File.Path,
			"strategy":        res.Strategy,
			"confidence":      res.Confidence,
		}); err != nil {
			return err
		}
		if r.dry {
			return nil
		}
		rec.VolumeID, rec.FolderID, rec.Filename = splitPath(res.File.Path)
		rec.FileExists = true
		if err := r.updateRecord(ctx, rec); err != nil {
			return err
		}
		r.state.Stats.LinksFixed++
		return nil

	case res.NeedsReview:
		// Sub-gate candidate: never auto-applied, surfaced for review.
		if !r.dry {
			r.state.Stats.LinksUnresolved++
		}
		return r.change(changelog.TypeBrokenLinkNotFixed, map[string]any{
			"asset_id":       rec.ID,
			"reason":         "below_confidence_gate",
			"candidate_path": res.File.Path,
			"strategy":       res.Strategy,
			"confidence":     res.Confidence,
		})

	default:
		if !r.dry {
			r.state.Stats.LinksUnresolved++
		}
		return r.change(changelog.TypeBrokenLinkNotFixed, map[string]any{
			"asset_id": rec.ID,
			"reason":   "no_candidate",
		})
	}
}

// consolidate moves every asset's file from the source provider to the
// target volume on the target provider and repoints the record.
func (r *run) consolidate(ctx context.Context) error {
	return r.forEachAsset(ctx, func(ctx context.Context, rec asset.Record) error {
		return r.contain(r.consolidateAsset(ctx, rec), rec.ID)
	})
}

func (r *run) consolidateAsset(ctx context.Context, rec asset.Record) error {
	destPath := path.Join(r.e.cfg.TargetVolume, rec.FolderID, rec.Filename)
	srcPath := rec.Path()

	if rec.VolumeID == r.e.cfg.TargetVolume {
		ok, err := r.e.target.Exists(ctx, destPath)
		if err == nil && ok {
			return nil // already consolidated, resume no-op
		}
	}

	if r.dry {
		ok, err := r.e.source.Exists(ctx, srcPath)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return r.change(changelog.TypeMovedAsset, map[string]any{
			"asset_id":        rec.ID,
			"prior_volume_id": rec.VolumeID,
			"prior_folder_id": rec.FolderID,
			"prior_path":      srcPath,
			"new_path":        destPath,
		})
	}

	var data []byte
	if err := r.retry.Do(ctx, "read "+srcPath, func() error {
		var err error
		data, err = r.e.source.Read(ctx, srcPath)
		return err
	}); err != nil {
		return err
	}

	if max := r.e.cfg.MaxFileBytes(); max > 0 && int64(len(data)) > max {
		r.logger.Warn().
			Str("asset_id", rec.ID).
			Str("path", srcPath).
			Int("size", len(data)).
			Msg("file exceeds size cap, skipped")
		return nil
	}

	// Entry queued before the mutation it describes.
	if err := r.change(changelog.TypeMovedAsset, map[string]any{
		"asset_id":        rec.ID,
		"prior_volume_id": rec.VolumeID,
		"prior_folder_id": rec.FolderID,
		"prior_path":      srcPath,
		"new_path":        destPath,
		"size":            len(data),
	}); err != nil {
		return err
	}

	if err := r.retry.Do(ctx, "write "+destPath, func() error {
		return r.e.target.Write(ctx, destPath, data)
	}); err != nil {
		return err
	}
	if err := r.retry.Do(ctx, "verify "+destPath, func() error {
		ok, err := r.e.target.Exists(ctx, destPath)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s not visible after write: %w", destPath, retry.ErrMissingState)
		}
		return nil
	}); err != nil {
		return err
	}

	rec.VolumeID = r.e.cfg.TargetVolume
	rec.FileExists = true
	if err := r.updateRecord(ctx, rec); err != nil {
		return err
	}

	if err := r.retry.Do(ctx, "delete "+srcPath, func() error {
		return r.e.source.Delete(ctx, srcPath)
	}); err != nil {
		return err
	}

	r.state.Stats.FilesMoved++
	r.state.Stats.BytesMoved += int64(len(data))
	r.met.BytesMoved.Add(float64(len(data)))
	return nil
}

// quarantine moves zero-reference assets and unowned orphan files into
// the quarantine area on the target provider. Irreversible enough that
// live runs require confirmation, with the change log flushed first so
// a crash during the prompt loses nothing.
func (r *run) quarantine(ctx context.Context) error {
	if !r.dry && !r.opts.AssumeYes {
		if err := r.clog.Flush(); err != nil {
			return fmt.Errorf("flush change log before confirmation: %w", err)
		}
		prompt := fmt.Sprintf("migration %s: quarantine unreferenced assets and orphan files?", r.state.MigrationID)
		if r.e.Confirm == nil || !r.e.Confirm(prompt) {
			return ErrConfirmDeclined
		}
	}

	if err := r.forEachAsset(ctx, func(ctx context.Context, rec asset.Record) error {
		return r.contain(r.quarantineAsset(ctx, rec), rec.ID)
	}); err != nil {
		return err
	}

	return r.quarantineOrphans(ctx)
}

func (r *run) quarantineAsset(ctx context.Context, rec asset.Record) error {
	if rec.RefCount != 0 {
		return nil
	}
	origin := rec.Path()

	prov := r.e.target
	ok, err := prov.Exists(ctx, origin)
	if err != nil {
		return err
	}
	if !ok {
		prov = r.e.source
		if ok, err = prov.Exists(ctx, origin); err != nil {
			return err
		}
		if !ok {
			return nil // no physical file to quarantine
		}
	}

	qPath := path.Join(r.e.cfg.QuarantinePrefix, r.state.MigrationID, prov.ID(), origin)
	if err := r.change(changelog.TypeQuarantinedAsset, map[string]any{
		"asset_id":          rec.ID,
		"origin_path":       origin,
		"origin_provider":   prov.ID(),
		"quarantine_path":   qPath,
		"prior_file_exists": rec.FileExists,
	}); err != nil {
		return err
	}
	if r.dry {
		return nil
	}

	if _, err := r.moveFile(ctx, prov, origin, r.e.target, qPath); err != nil {
		return err
	}
	rec.FileExists = false
	if err := r.updateRecord(ctx, rec); err != nil {
		return err
	}
	r.state.Stats.Quarantined++
	return nil
}

// quarantineOrphans sweeps both providers' in-scope volumes for files no
// asset references. The orphan list is collected before any move so the
// scan never observes its own mutations.
func (r *run) quarantineOrphans(ctx context.Context) error {
	refs := make(map[string]bool)
	if err := r.eachAsset(ctx, func(rec asset.Record) error {
		refs[rec.Path()] = true
		return nil
	}); err != nil {
		return err
	}

	type orphan struct {
		prov storage.Provider
		path string
	}
	var orphans []orphan

	scan := func(prov storage.Provider, volumes []string) error {
		for _, vol := range volumes {
			err := prov.List(ctx, vol, true, func(f storage.FileRecord) error {
				if strings.HasPrefix(f.Path, r.e.cfg.QuarantinePrefix+"/") {
					return nil
				}
				if !refs[f.Path] {
					orphans = append(orphans, orphan{prov: prov, path: f.Path})
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("scan %s on %s: %w", vol, prov.ID(), err)
			}
		}
		return nil
	}
	if err := scan(r.e.source, r.e.cfg.VolumeIDs); err != nil {
		return err
	}
	if err := scan(r.e.target, []string{r.e.cfg.TargetVolume}); err != nil {
		return err
	}

	for _, o := range orphans {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		qPath := path.Join(r.e.cfg.QuarantinePrefix, r.state.MigrationID, o.prov.ID(), o.path)
		if err := r.change(changelog.TypeQuarantinedFile, map[string]any{
			"origin_path":     o.path,
			"origin_provider": o.prov.ID(),
			"quarantine_path": qPath,
		}); err != nil {
			return err
		}
		if r.dry {
			continue
		}
		if _, err := r.moveFile(ctx, o.prov, o.path, r.e.target, qPath); err != nil {
			if cerr := r.contain(err, o.path); cerr != nil {
				return cerr
			}
			continue
		}
		r.state.Stats.Quarantined++
		if err := r.maybeRefreshLock(); err != nil {
			return err
		}
	}
	return nil
}

// cleanup finalizes the run: flush the log, write the completed
// checkpoint, archive it, and purge checkpoints past retention.
func (r *run) cleanup(ctx context.Context) error {
	if r.dry {
		return nil
	}

	if err := r.clog.Flush(); err != nil {
		return fmt.Errorf("final change log flush: %w", err)
	}

	r.state.Phase = PhaseComplete
	r.state.Status = checkpoint.StatusComplete
	if err := r.ckpts.Save(r.state); err != nil {
		return fmt.Errorf("final checkpoint: %w", err)
	}
	if err := r.ckpts.Archive(r.state.MigrationID); err != nil {
		r.logger.Warn().Err(err).Msg("checkpoint archive failed")
	}

	retention, err := r.e.cfg.Retention()
	if err != nil {
		return err
	}
	if n, err := r.ckpts.Cleanup(time.Now().Add(-retention)); err != nil {
		r.logger.Warn().Err(err).Msg("checkpoint cleanup failed")
	} else if n > 0 {
		r.logger.Info().Int("migrations", n).Msg("old checkpoints purged")
	}
	return nil
}
