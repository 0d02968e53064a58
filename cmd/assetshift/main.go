// assetshift migrates managed assets and their backing files between
// storage providers, resumably and reversibly.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/assetshift/assetshift/internal/asset"
	"github.com/assetshift/assetshift/internal/changelog"
	"github.com/assetshift/assetshift/internal/checkpoint"
	"github.com/assetshift/assetshift/internal/config"
	"github.com/assetshift/assetshift/internal/migrate"
	"github.com/assetshift/assetshift/internal/retry"
	"github.com/assetshift/assetshift/internal/rollback"
	"github.com/assetshift/assetshift/internal/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// run / resume flags
	dryRun    bool
	assumeYes bool

	// rollback flags
	rbPhases   []string
	rbMode     string
	rbSnapshot bool

	// checkpoints flags
	cleanupOlderThan time.Duration
)

// exit code 3 marks a halt that a resume (or rollback) can recover from
const exitResumable = 3

func main() {
	rootCmd := &cobra.Command{
		Use:   "assetshift",
		Short: "AssetShift - resumable asset migration between storage providers",
		Long: `AssetShift moves managed assets and their backing files from one
storage provider to another while keeping metadata references intact.

Runs are checkpointed after every batch and every mutation is recorded
in an append-only change log, so an interrupted migration resumes where
it stopped and any finished one can be rolled back, wholly or by phase.

Typical session:

  # see what would happen
  assetshift run --dry-run

  # run it
  assetshift run

  # after an interrupt
  assetshift resume <migration-id>

  # undo the quarantine phase only
  assetshift rollback <migration-id> --phases quarantine --mode only`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "assetshift.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(migrate.Options{DryRun: dryRun, AssumeYes: assumeYes})
		},
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "analyze without mutating anything")
	runCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the quarantine confirmation prompt")
	rootCmd.AddCommand(runCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume [migration-id]",
		Short: "Resume an interrupted migration",
		Long:  "Resume an interrupted migration from its last checkpoint. Without an ID the most recent migration is resumed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runMigration(migrate.Options{Resume: true, MigrationID: id, AssumeYes: assumeYes})
		},
	}
	resumeCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the quarantine confirmation prompt")
	rootCmd.AddCommand(resumeCmd)

	rollbackCmd := &cobra.Command{
		Use:   "rollback <migration-id>",
		Short: "Undo a migration's logged mutations",
		Long: `Replay a migration's change log in reverse, undoing each mutation.

Phase filtering: --phases quarantine --mode only undoes just the named
phases; --mode from undoes the named phase and everything after it.
--snapshot restores the pre-migration metadata snapshot instead:
all-or-nothing, metadata only, no phase filtering.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(args[0])
		},
	}
	rollbackCmd.Flags().StringSliceVar(&rbPhases, "phases", nil, "phases to roll back")
	rollbackCmd.Flags().StringVar(&rbMode, "mode", rollback.ModeOnly, "phase filter mode: only | from")
	rollbackCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be reverted")
	rollbackCmd.Flags().BoolVar(&rbSnapshot, "snapshot", false, "restore the metadata snapshot instead of replaying the log")
	rootCmd.AddCommand(rollbackCmd)

	statusCmd := &cobra.Command{
		Use:   "status [migration-id]",
		Short: "Show a migration's checkpointed progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runStatus(id)
		},
	}
	rootCmd.AddCommand(statusCmd)

	checkpointsCmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List stored checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoints()
		},
	}
	checkpointsCmd.Flags().DurationVar(&cleanupOlderThan, "cleanup-older-than", 0, "remove checkpoints older than this (e.g. 720h)")
	rootCmd.AddCommand(checkpointsCmd)

	changelogCmd := &cobra.Command{
		Use:   "changelog [migration-id]",
		Short: "Inspect change logs",
		Long:  "Without an ID, list every migration's change log. With an ID, print its entries in sequence order.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runChangelog(id)
		},
	}
	rootCmd.AddCommand(changelogCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("assetshift %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		switch {
		case errors.Is(err, migrate.ErrInterrupted),
			errors.Is(err, migrate.ErrConfirmDeclined),
			errors.Is(err, retry.ErrBudgetExhausted):
			os.Exit(exitResumable)
		default:
			os.Exit(1)
		}
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// wiring bundles the collaborators every mutating command needs.
type wiring struct {
	cfg    *config.Config
	source storage.Provider
	target storage.Provider
	repo   *asset.MemRepository
}

func buildWiring() (*wiring, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Source.Root == "" || cfg.Target.Root == "" {
		return nil, fmt.Errorf("source.root and target.root are required for filesystem-backed providers")
	}
	if cfg.AssetManifest == "" {
		return nil, fmt.Errorf("asset_manifest is required")
	}

	source, err := storage.NewLocalProvider(cfg.Source.ID, cfg.Source.Root)
	if err != nil {
		return nil, err
	}
	target, err := storage.NewLocalProvider(cfg.Target.ID, cfg.Target.Root)
	if err != nil {
		return nil, err
	}
	repo, err := loadManifest(cfg.AssetManifest, cfg.RefFields)
	if err != nil {
		return nil, err
	}
	return &wiring{cfg: cfg, source: source, target: target, repo: repo}, nil
}

func runMigration(opts migrate.Options) error {
	setupLogging()

	w, err := buildWiring()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := migrate.New(w.cfg, w.source, w.target, w.repo, log.Logger)
	eng.Confirm = confirmPrompt

	res, err := eng.Run(ctx, opts)

	if res != nil && !res.DryRun {
		if mErr := saveManifest(w.cfg.AssetManifest, w.repo); mErr != nil {
			log.Error().Err(mErr).Msg("asset manifest save failed")
		}
	}

	if err != nil {
		if res != nil {
			fmt.Fprintf(os.Stderr, "\nmigration halted in phase %s\n", res.Phase)
			fmt.Fprintf(os.Stderr, "  resume:   assetshift resume %s --config %s\n", res.MigrationID, cfgFile)
			fmt.Fprintf(os.Stderr, "  rollback: assetshift rollback %s --config %s\n", res.MigrationID, cfgFile)
		}
		return err
	}

	printRunResult(res)
	return nil
}

func printRunResult(res *migrate.Result) {
	if res.DryRun {
		fmt.Printf("dry run of migration %s finished in %s\n", res.MigrationID, res.Duration.Round(time.Millisecond))
		fmt.Printf("  assets in scope: %d\n", res.Stats.AssetsTotal)
		if len(res.Planned) == 0 {
			fmt.Println("  nothing to do")
			return
		}
		fmt.Println("  planned operations:")
		types := make([]string, 0, len(res.Planned))
		for t := range res.Planned {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Printf("    %-24s %d\n", t, res.Planned[t])
		}
		return
	}

	fmt.Printf("migration %s complete in %s\n", res.MigrationID, res.Duration.Round(time.Millisecond))
	fmt.Printf("  assets:        %d/%d processed\n", res.Stats.AssetsProcessed, res.Stats.AssetsTotal)
	fmt.Printf("  files moved:   %d (%d bytes)\n", res.Stats.FilesMoved, res.Stats.BytesMoved)
	fmt.Printf("  links fixed:   %d (%d unresolved)\n", res.Stats.LinksFixed, res.Stats.LinksUnresolved)
	fmt.Printf("  inline refs:   %d\n", res.Stats.InlineRefs)
	fmt.Printf("  quarantined:   %d\n", res.Stats.Quarantined)
	if res.Stats.Errors > 0 {
		fmt.Printf("  errors:        %d (skipped items, see log)\n", res.Stats.Errors)
	}
}

func runRollback(migrationID string) error {
	setupLogging()

	w, err := buildWiring()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := rollback.New(w.cfg, w.source, w.target, w.repo, log.Logger)

	if rbSnapshot {
		if err := eng.RestoreSnapshot(ctx, migrationID); err != nil {
			return err
		}
		if err := saveManifest(w.cfg.AssetManifest, w.repo); err != nil {
			return err
		}
		fmt.Printf("metadata snapshot for %s restored\n", migrationID)
		return nil
	}

	stats, err := eng.Rollback(ctx, migrationID, rollback.Options{
		Phases: rbPhases,
		Mode:   rbMode,
		DryRun: dryRun,
	})
	if stats != nil && !dryRun {
		if mErr := saveManifest(w.cfg.AssetManifest, w.repo); mErr != nil {
			log.Error().Err(mErr).Msg("asset manifest save failed")
		}
	}
	if err != nil {
		return err
	}

	if dryRun {
		fmt.Printf("rollback of %s would revert %d entries (estimate %s)\n",
			migrationID, stats.Total, stats.Estimate.Round(time.Second))
		types := make([]string, 0, len(stats.ByType))
		for t := range stats.ByType {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Printf("    %-24s %d\n", t, stats.ByType[t])
		}
		return nil
	}

	fmt.Printf("rollback of %s: %d reverted, %d skipped\n", migrationID, stats.Reverted, stats.Skipped)
	return nil
}

func runStatus(migrationID string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	store, err := checkpoint.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	state, err := store.LoadLatest(migrationID)
	if err != nil && migrationID != "" {
		// finished runs keep only the compressed archive
		state, err = store.LoadArchived(migrationID)
	}
	if err != nil {
		return err
	}

	fmt.Printf("migration %s\n", state.MigrationID)
	fmt.Printf("  status:     %s\n", state.Status)
	fmt.Printf("  phase:      %s (batch %d)\n", state.Phase, state.BatchIndex)
	fmt.Printf("  processed:  %d/%d assets\n", len(state.ProcessedIDs), state.Stats.AssetsTotal)
	fmt.Printf("  updated:    %s\n", state.Timestamp.Format(time.RFC3339))
	if state.Status == checkpoint.StatusInterrupted {
		fmt.Printf("\n  resume with: assetshift resume %s --config %s\n", state.MigrationID, cfgFile)
	}
	return nil
}

func runCheckpoints() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	store, err := checkpoint.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}

	if cleanupOlderThan > 0 {
		n, err := store.Cleanup(time.Now().Add(-cleanupOlderThan))
		if err != nil {
			return err
		}
		fmt.Printf("removed checkpoints for %d migrations\n", n)
		return nil
	}

	summaries, err := store.List()
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%s  %-12s %-16s %6d processed  %s\n",
			s.MigrationID, s.Status, s.Phase, s.Processed, s.Timestamp.Format(time.RFC3339))
	}
	return nil
}

func runChangelog(migrationID string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	clog, err := changelog.Open(cfg.DataDir, migrationID, 0)
	if err != nil {
		return err
	}

	if migrationID == "" {
		summaries, err := clog.ListMigrations()
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("no change logs")
			return nil
		}
		for _, s := range summaries {
			fmt.Printf("%s  %6d entries  %s .. %s\n",
				s.MigrationID, s.Entries,
				s.FirstAt.Format(time.RFC3339), s.LastAt.Format(time.RFC3339))
		}
		return nil
	}

	entries, err := clog.LoadAll(migrationID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%6d  %-18s %-22s %s\n",
			e.Sequence, e.Phase, e.Type, summarizePayload(e))
	}
	return nil
}

// summarizePayload renders the most useful payload fields on one line.
func summarizePayload(e changelog.Entry) string {
	var parts []string
	for _, key := range []string{"asset_id", "from", "to", "prior_path", "new_path", "origin_path", "quarantine_path", "reason"} {
		if v, ok := changelog.PayloadString(e, key); ok {
			parts = append(parts, key+"="+v)
		}
	}
	return strings.Join(parts, " ")
}

func confirmPrompt(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
