package cmd

import (
	"fmt"

	"github.com/caseworks/fieldsync/internal/config"
	"github.com/caseworks/fieldsync/internal/db"
	"github.com/caseworks/fieldsync/migrations"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

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

		fmt.Println(">> Migration complete")
		return nil
	},
}
