package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caseworks/fieldsync/internal/agent"
	"github.com/caseworks/fieldsync/internal/config"
	"github.com/caseworks/fieldsync/internal/db"
	"github.com/caseworks/fieldsync/internal/logger"
	"github.com/caseworks/fieldsync/internal/metrics"
	"github.com/caseworks/fieldsync/internal/netwatch"
	"github.com/caseworks/fieldsync/internal/remote"
	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/caseworks/fieldsync/internal/retention"
	"github.com/caseworks/fieldsync/internal/syncer"
	"github.com/caseworks/fieldsync/migrations"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runCmd hosts the replay agent in its own process: it shares nothing with
// the foreground but the store file. SIGHUP acts as the platform wake signal
// for schedulers that cannot keep the agent resident.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the replay agent (shares the store with serve, nothing else)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		defer func() { _ = logger.Log.Sync() }()

		metrics.MustRegister(prometheus.DefaultRegisterer)

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

		recordsRepo := repository.NewRecordsRepository(dbx)
		outboxRepo := repository.NewOutboxRepository(dbx)
		replayRepo := repository.NewReplayRepository(dbx)
		metaRepo := repository.NewMetaRepository(dbx)

		client := remote.NewClient(
			cfg.Remote.BaseURL, cfg.Remote.HealthPath, cfg.Remote.Timeout,
			cfg.Remote.Breaker.FailThreshold, cfg.Remote.Breaker.OpenFor,
		)
		applier := syncer.NewApplier(dbx, recordsRepo, outboxRepo, replayRepo, metaRepo)
		replayer := agent.NewReplayer(replayRepo, client, applier)

		// the agent also drains the outbox: it is the second racing consumer,
		// and the one still alive when no page is open
		lease := syncer.NewLease(dbx, "agent-"+uuid.NewString(), cfg.Sync.LeaseTTL)
		disp := syncer.NewDispatcher(outboxRepo, client, applier, lease, cfg.Sync.MaxAttempts)

		gov := retention.NewGovernor(dbx, recordsRepo, outboxRepo, replayRepo)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		trigger := make(chan struct{}, 1)
		nudge := func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		}

		// connectivity restoration wakes the replayer
		watcher := netwatch.NewWatcher(client, cfg.Replay.Interval/2)
		online := watcher.Subscribe()
		go watcher.Run(ctx)

		// platform wake signal
		wake := make(chan os.Signal, 1)
		signal.Notify(wake, syscall.SIGHUP)
		defer signal.Stop(wake)

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-online:
					nudge()
				case <-wake:
					logger.Log.Info("wake signal received")
					nudge()
				}
			}
		}()

		go gov.Run(ctx, cfg.Retention.Interval, nil)
		go disp.Run(ctx, cfg.Sync.Interval, nil)

		logger.Log.Info("replay agent started",
			zap.String("store", cfg.Store.Path),
			zap.String("remote", cfg.Remote.BaseURL))

		replayer.Run(ctx, cfg.Replay.Interval, trigger)
		return nil
	},
}
