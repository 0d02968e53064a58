// Package migrate drives the migration state machine: a fixed sequence
// of phases executed batch by batch, checkpointed after every batch, so
// a crash or cancellation at any point resumes without repeating work.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/assetshift/assetshift/internal/asset"
	"github.com/assetshift/assetshift/internal/changelog"
	"github.com/assetshift/assetshift/internal/checkpoint"
	"github.com/assetshift/assetshift/internal/config"
	"github.com/assetshift/assetshift/internal/lockmgr"
	"github.com/assetshift/assetshift/internal/matcher"
	"github.com/assetshift/assetshift/internal/metrics"
	"github.com/assetshift/assetshift/internal/retry"
	"github.com/assetshift/assetshift/internal/snapshot"
	"github.com/assetshift/assetshift/internal/storage"
)

// Phase names, in execution order.
const (
	PhasePreparation    = "preparation"
	PhaseDiscovery      = "discovery"
	PhaseRootHandling   = "root_handling"
	PhaseLinkInline     = "link_inline"
	PhaseFixBrokenLinks = "fix_broken_links"
	PhaseConsolidate    = "consolidate"
	PhaseQuarantine     = "quarantine"
	PhaseCleanup        = "cleanup"
	PhaseComplete       = "complete"
)

// PhaseOrder is the fixed forward sequence. Resume jumps into it; the
// rollback engine walks it to expand "from" phase selections.
var PhaseOrder = []string{
	PhasePreparation,
	PhaseDiscovery,
	PhaseRootHandling,
	PhaseLinkInline,
	PhaseFixBrokenLinks,
	PhaseConsolidate,
	PhaseQuarantine,
	PhaseCleanup,
	PhaseComplete,
}

// PhaseIndex returns the position of a phase in PhaseOrder, or -1.
func PhaseIndex(phase string) int {
	for i, p := range PhaseOrder {
		if p == phase {
			return i
		}
	}
	return -1
}

// Orchestrator errors.
var (
	ErrInterrupted     = errors.New("migration interrupted")
	ErrAlreadyComplete = errors.New("migration already complete")
	ErrConfirmDeclined = errors.New("quarantine not confirmed")
)

// Options control a single Run.
type Options struct {
	// DryRun performs full discovery and analysis with zero mutation:
	// no lock, no checkpoints, no change log writes.
	DryRun bool

	// Resume continues an interrupted migration instead of starting a
	// new one. With an empty MigrationID the most recent run is picked.
	Resume      bool
	MigrationID string

	// AssumeYes skips the confirmation prompt before quarantine.
	AssumeYes bool
}

// Result summarizes a finished or halted run.
type Result struct {
	MigrationID string
	DryRun      bool
	Phase       string
	Stats       checkpoint.Stats
	Planned     map[string]int // dry run: planned change log entries by type
	Duration    time.Duration
}

// Engine wires the orchestrator's collaborators together.
type Engine struct {
	cfg    *config.Config
	source storage.Provider
	target storage.Provider
	repo   asset.Repository
	logger zerolog.Logger

	// Confirm is called before the quarantine phase in live runs. A nil
	// hook or a false return aborts unless AssumeYes is set.
	Confirm func(prompt string) bool
}

// New creates an engine over the given providers and repository.
func New(cfg *config.Config, source, target storage.Provider, repo asset.Repository, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		source: source,
		target: target,
		repo:   repo,
		logger: logger.With().Str("component", "migrate").Logger(),
	}
}

// run holds the state of one Run invocation.
type run struct {
	e     *Engine
	opts  Options
	dry   bool
	state *checkpoint.State

	ckpts *checkpoint.Store
	clog  *changelog.Log
	snaps *snapshot.Store
	lock  *lockmgr.Manager
	retry *retry.Retryer
	met   *metrics.MigrationMetrics

	resumed bool
	planned map[string]int

	// vols is the query scope: the configured volumes plus the target
	// volume, so records repointed during consolidation stay visible to
	// later phases.
	vols []string

	lastRefresh  time.Time
	refreshEvery time.Duration

	logger zerolog.Logger
}

// Run executes the migration from its current phase to completion. On
// any failure the state is checkpointed as interrupted, the change log
// flushed, and the lock released, so the run stays resumable.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()

	ckpts, err := checkpoint.NewStore(e.cfg.DataDir)
	if err != nil {
		return nil, err
	}

	var state *checkpoint.State
	if opts.Resume {
		state, err = ckpts.LoadLatest(opts.MigrationID)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if state.Status == checkpoint.StatusComplete {
			return nil, fmt.Errorf("%s: %w", state.MigrationID, ErrAlreadyComplete)
		}
		state.Status = checkpoint.StatusRunning
	} else {
		state = &checkpoint.State{
			MigrationID: uuid.New().String(),
			Phase:       PhasePreparation,
			Status:      checkpoint.StatusRunning,
		}
	}
	if state.ProcessedIDs == nil {
		state.ProcessedIDs = make(map[string]bool)
	}

	logger := e.logger.With().Str("migration_id", state.MigrationID).Logger()

	clog, err := changelog.Open(e.cfg.DataDir, state.MigrationID, e.cfg.ChangelogBuffer)
	if err != nil {
		return nil, err
	}
	snaps, err := snapshot.NewStore(e.cfg.DataDir)
	if err != nil {
		return nil, err
	}

	ttl, err := e.cfg.LockTTL()
	if err != nil {
		return nil, fmt.Errorf("lock ttl: %w", err)
	}
	lock, err := lockmgr.New(e.cfg.DataDir, "migration", ttl, e.logger)
	if err != nil {
		return nil, err
	}

	backoff, err := e.cfg.BaseBackoff()
	if err != nil {
		return nil, fmt.Errorf("retry backoff: %w", err)
	}
	budget := retry.NewBudget(e.cfg.Retry.ErrorThreshold)

	r := &run{
		e:            e,
		opts:         opts,
		dry:          opts.DryRun,
		state:        state,
		ckpts:        ckpts,
		clog:         clog,
		snaps:        snaps,
		lock:         lock,
		retry:        retry.New(e.cfg.Retry.MaxAttempts, backoff, budget, e.logger),
		met:          metrics.New(state.MigrationID),
		resumed:      opts.Resume,
		planned:      make(map[string]int),
		vols:         scopeVolumes(e.cfg.VolumeIDs, e.cfg.TargetVolume),
		refreshEvery: refreshInterval(ttl),
		logger:       logger,
	}

	if !r.dry {
		timeout, err := e.cfg.LockTimeout()
		if err != nil {
			return nil, fmt.Errorf("lock timeout: %w", err)
		}
		resumeID := ""
		if opts.Resume {
			resumeID = state.MigrationID
		}
		if _, err := lock.Acquire(ctx, timeout, resumeID, state.MigrationID); err != nil {
			return nil, fmt.Errorf("acquire migration lock: %w", err)
		}
		r.lastRefresh = time.Now()
	}

	if e.cfg.MetricsListen != "" && !r.dry {
		srv := &http.Server{Addr: e.cfg.MetricsListen, Handler: r.met.Handler()}
		go func() { _ = srv.ListenAndServe() }()
		defer func() { _ = srv.Close() }()
	}

	logger.Info().
		Str("phase", state.Phase).
		Bool("dry_run", r.dry).
		Bool("resume", opts.Resume).
		Msg("migration started")

	runErr := r.execute(ctx)

	result := &Result{
		MigrationID: state.MigrationID,
		DryRun:      r.dry,
		Phase:       state.Phase,
		Stats:       state.Stats,
		Planned:     r.planned,
		Duration:    time.Since(start),
	}

	if runErr != nil {
		if !r.dry {
			r.halt(runErr)
		}
		if errors.Is(runErr, context.Canceled) {
			return result, fmt.Errorf("migration %s: %w", state.MigrationID, ErrInterrupted)
		}
		return result, runErr
	}

	if !r.dry {
		if err := lock.Release(); err != nil {
			logger.Warn().Err(err).Msg("lock release failed")
		}
	}
	logger.Info().
		Dur("duration", result.Duration).
		Int("assets_processed", state.Stats.AssetsProcessed).
		Msg("migration complete")
	return result, nil
}

// execute runs phases from the checkpointed one forward.
func (r *run) execute(ctx context.Context) error {
	phases := map[string]func(context.Context) error{
		PhasePreparation:    r.preparation,
		PhaseDiscovery:      r.discovery,
		PhaseRootHandling:   r.rootHandling,
		PhaseLinkInline:     r.linkInline,
		PhaseFixBrokenLinks: r.fixBrokenLinks,
		PhaseConsolidate:    r.consolidate,
		PhaseQuarantine:     r.quarantine,
		PhaseCleanup:        r.cleanup,
	}

	start := PhaseIndex(r.state.Phase)
	if start < 0 {
		return fmt.Errorf("unknown phase %q in checkpoint", r.state.Phase)
	}

	for i := start; PhaseOrder[i] != PhaseComplete; i++ {
		phase := PhaseOrder[i]
		r.state.Phase = phase
		r.met.PhaseIndex.Set(float64(i))
		r.logger.Info().Str("phase", phase).Msg("phase started")

		if err := phases[phase](ctx); err != nil {
			return fmt.Errorf("phase %s: %w", phase, err)
		}

		if phase == PhaseCleanup {
			// cleanup finalizes and archives its own checkpoint
			break
		}

		r.state.BatchIndex = 0
		r.state.ProcessedIDs = make(map[string]bool)
		if !r.dry {
			if err := r.clog.Flush(); err != nil {
				return fmt.Errorf("flush change log after %s: %w", phase, err)
			}
			next := PhaseOrder[i+1]
			r.state.Phase = next
			if err := r.ckpts.Save(r.state); err != nil {
				return fmt.Errorf("checkpoint after %s: %w", phase, err)
			}
		}
		r.logger.Info().Str("phase", phase).Msg("phase complete")
	}

	r.state.Phase = PhaseComplete
	r.state.Status = checkpoint.StatusComplete
	return nil
}

// halt persists the interrupted state. Errors here are logged, not
// returned: the original failure matters more.
func (r *run) halt(cause error) {
	r.state.Status = checkpoint.StatusInterrupted
	if err := r.ckpts.Save(r.state); err != nil {
		r.logger.Error().Err(err).Msg("interrupted checkpoint save failed")
	}
	if err := r.clog.Flush(); err != nil {
		r.logger.Error().Err(err).Msg("change log flush failed during halt")
	}
	if err := r.lock.Release(); err != nil {
		r.logger.Error().Err(err).Msg("lock release failed during halt")
	}
	r.logger.Warn().
		Err(cause).
		Str("phase", r.state.Phase).
		Int("batch", r.state.BatchIndex).
		Msg("migration halted, resumable")
}

// forEachAsset pages through the in-scope volumes applying fn to every
// asset not yet processed in the current phase. After each batch the
// quick-state is saved, the full checkpoint rewritten on interval, and
// the lock refreshed when due. Memory stays bounded by the batch size.
func (r *run) forEachAsset(ctx context.Context, fn func(context.Context, asset.Record) error) error {
	batchSize := r.e.cfg.BatchSize
	offset := r.state.BatchIndex * batchSize

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		recs, err := r.e.repo.FindByVolumes(ctx, r.vols, offset, batchSize)
		if err != nil {
			return fmt.Errorf("page assets at offset %d: %w", offset, err)
		}
		if len(recs) == 0 {
			return nil
		}

		for _, rec := range recs {
			if r.state.ProcessedIDs[rec.ID] {
				continue
			}
			if err := fn(ctx, rec); err != nil {
				return err
			}
			r.state.ProcessedIDs[rec.ID] = true
			r.state.Stats.AssetsProcessed++
			r.met.AssetsProcessed.WithLabelValues(r.state.Phase).Inc()
		}

		offset += len(recs)
		r.state.BatchIndex++
		r.met.BatchIndex.Set(float64(r.state.BatchIndex))

		if !r.dry {
			if err := r.ckpts.SaveQuick(r.state); err != nil {
				return fmt.Errorf("save quick-state: %w", err)
			}
			if r.state.BatchIndex%r.e.cfg.CheckpointInterval == 0 {
				if err := r.ckpts.Save(r.state); err != nil {
					return fmt.Errorf("save checkpoint: %w", err)
				}
			}
			if err := r.maybeRefreshLock(); err != nil {
				return err
			}
		}
	}
}

// eachAsset pages through the in-scope volumes without processed-ID
// tracking. Used by read-only passes that are cheap to redo in full.
func (r *run) eachAsset(ctx context.Context, fn func(asset.Record) error) error {
	batchSize := r.e.cfg.BatchSize
	offset := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		recs, err := r.e.repo.FindByVolumes(ctx, r.vols, offset, batchSize)
		if err != nil {
			return fmt.Errorf("page assets at offset %d: %w", offset, err)
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
		}
		offset += len(recs)
	}
}

func (r *run) maybeRefreshLock() error {
	if time.Since(r.lastRefresh) < r.refreshEvery {
		return nil
	}
	if _, err := r.lock.Refresh(); err != nil {
		return fmt.Errorf("refresh migration lock: %w", err)
	}
	r.lastRefresh = time.Now()
	return nil
}

// change queues a change log entry, or counts it as planned in dry run.
// Callers queue the entry before performing the mutation it describes.
func (r *run) change(entryType string, payload map[string]any) error {
	if r.dry {
		r.planned[entryType]++
		return nil
	}
	if _, err := r.clog.Log(r.state.Phase, entryType, payload); err != nil {
		return fmt.Errorf("log %s: %w", entryType, err)
	}
	r.met.ChangelogWrites.WithLabelValues(entryType).Inc()
	return nil
}

// contain decides whether a per-asset failure aborts the phase. Fatal
// and threshold errors propagate; everything else is logged, counted,
// and skipped so one bad asset cannot sink the run.
func (r *run) contain(err error, assetID string) error {
	if err == nil {
		return nil
	}
	class := retry.Classify(err)
	r.met.Errors.WithLabelValues(class.String()).Inc()
	switch class {
	case retry.ClassFatal, retry.ClassThreshold:
		return err
	default:
		r.state.Stats.Errors++
		r.logger.Warn().
			Err(err).
			Str("asset_id", assetID).
			Str("class", class.String()).
			Msg("asset skipped after error")
		return nil
	}
}

// buildIndex stream-scans the given providers into a matcher index.
func (r *run) buildIndex(ctx context.Context, providers ...storage.Provider) (*matcher.Index, error) {
	idx := matcher.NewIndex()
	for _, p := range providers {
		if err := p.List(ctx, "", true, func(f storage.FileRecord) error {
			idx.Add(f)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("scan provider %s: %w", p.ID(), err)
		}
	}
	return idx, nil
}

// moveFile moves one file between providers: read, write, verify the
// copy exists, then delete the original. Every step goes through the
// retryer. Returns the number of bytes moved.
func (r *run) moveFile(ctx context.Context, src storage.Provider, from string, dst storage.Provider, to string) (int64, error) {
	var data []byte
	if err := r.retry.Do(ctx, "read "+from, func() error {
		var err error
		data, err = src.Read(ctx, from)
		return err
	}); err != nil {
		return 0, err
	}
	if err := r.retry.Do(ctx, "write "+to, func() error {
		return dst.Write(ctx, to, data)
	}); err != nil {
		return 0, err
	}
	if err := r.retry.Do(ctx, "verify "+to, func() error {
		ok, err := dst.Exists(ctx, to)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s not visible after write: %w", to, retry.ErrMissingState)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if err := r.retry.Do(ctx, "delete "+from, func() error {
		return src.Delete(ctx, from)
	}); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// updateRecord persists a record change through the retryer, mapping a
// rejected transactional update to its sentinel.
func (r *run) updateRecord(ctx context.Context, rec asset.Record) error {
	return r.retry.Do(ctx, "update asset "+rec.ID, func() error {
		ok, err := r.e.repo.Update(ctx, rec)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("asset %s: %w", rec.ID, asset.ErrUpdateRejected)
		}
		return nil
	})
}

// splitPath decomposes a storage path into volume, folder, and filename.
func splitPath(p string) (volume, folder, filename string) {
	parts := strings.Split(p, "/")
	switch len(parts) {
	case 1:
		return "", "", parts[0]
	case 2:
		return parts[0], "", parts[1]
	default:
		return parts[0], strings.Join(parts[1:len(parts)-1], "/"), parts[len(parts)-1]
	}
}

// scopeVolumes appends the target volume to the configured set unless
// already present.
func scopeVolumes(volumeIDs []string, target string) []string {
	for _, v := range volumeIDs {
		if v == target {
			return volumeIDs
		}
	}
	out := make([]string, 0, len(volumeIDs)+1)
	out = append(out, volumeIDs...)
	return append(out, target)
}

// refreshInterval picks a lock refresh cadence well inside the TTL.
func refreshInterval(ttl time.Duration) time.Duration {
	every := ttl / 4
	if every < 30*time.Second {
		every = 30 * time.Second
	}
	if every > 5*time.Minute {
		every = 5 * time.Minute
	}
	return every
}
