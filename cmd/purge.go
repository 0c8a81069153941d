package cmd

import (
	"fmt"
	"time"

	"github.com/caseworks/fieldsync/internal/config"
	"github.com/caseworks/fieldsync/internal/db"
	"github.com/caseworks/fieldsync/internal/logger"
	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/caseworks/fieldsync/internal/retention"
	"github.com/caseworks/fieldsync/migrations"
	"github.com/spf13/cobra"
)

var purgeMaxAge time.Duration

// purgeCmd is the operator's escape hatch: run the retention purge once,
// optionally with a tighter age cutoff, and exit.
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Run the retention purge once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)

		dbx, err := db.NewSQLiteConnection(cfg.Store.Path, db.SQLiteOpts{
			BusyTimeout: cfg.Store.BusyTimeout,
			PingTimeout: cfg.Store.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer dbx.Close()

		if err := db.Migrate(cmd.Context(), dbx, migrations.FS); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		gov := retention.NewGovernor(
			dbx,
			repository.NewRecordsRepository(dbx),
			repository.NewOutboxRepository(dbx),
			repository.NewReplayRepository(dbx),
		)

		n, err := gov.PurgeExpired(cmd.Context(), purgeMaxAge)
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}

		fmt.Printf(">> Purged %d record(s)\n", n)
		return nil
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeMaxAge, "max-age", 0,
		"also purge sensitive records older than this, regardless of stamped expiry")
}
