package main

import (
	"fmt"
	"os"
	"time"

	"camera-server/internal/platform/config"
	"camera-server/internal/platform/logger"
	"camera-server/internal/recorder"

	"github.com/spf13/cobra"
)

func main() {
	_ = config.Load()

	baseDir := config.GetEnv("RECORDING_DIR", "./recordings")
	maxAgeDays := 7
	dryRun := false

	var rootCommand = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired continuous recordings",
		Long: `
Walks the recording tree and deletes continuous segments older than the
retention window. Event recordings and anything marked "keep" in its sidecar
are never deleted. Empty camera/date/hour directories are pruned afterwards.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "text"))

			if _, err := os.Stat(baseDir); err != nil {
				return fmt.Errorf("recording dir: %w", err)
			}

			store := recorder.NewFileStore(baseDir)
			maxAge := time.Duration(maxAgeDays) * 24 * time.Hour

			res, err := store.Sweep(maxAge, dryRun)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}

			log.Info("sweep complete",
				"base_dir", baseDir,
				"max_age_days", maxAgeDays,
				"dry_run", dryRun,
				"deleted", res.Deleted,
				"kept", res.Kept,
				"bytes_freed", res.BytesFreed,
				"invalid_files", res.InvalidFiles,
			)
			return nil
		},
	}
	rootCommand.Flags().StringVar(&baseDir, "base-dir", baseDir, "Recording tree to sweep")
	rootCommand.Flags().IntVar(&maxAgeDays, "max-age", maxAgeDays, "Retention window in days for continuous segments")
	rootCommand.Flags().BoolVar(&dryRun, "dry-run", dryRun, "Report what would be deleted without deleting")

	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
