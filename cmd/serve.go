package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caseworks/fieldsync/internal/config"
	"github.com/caseworks/fieldsync/internal/db"
	httpSrv "github.com/caseworks/fieldsync/internal/http"
	"github.com/caseworks/fieldsync/internal/logger"
	"github.com/caseworks/fieldsync/internal/netwatch"
	"github.com/caseworks/fieldsync/internal/remote"
	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/caseworks/fieldsync/internal/retention"
	"github.com/caseworks/fieldsync/internal/service/intake"
	"github.com/caseworks/fieldsync/internal/syncer"
	"github.com/caseworks/fieldsync/migrations"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the foreground device API and sync dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		defer func() { _ = logger.Log.Sync() }()

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

		// repositories
		recordsRepo := repository.NewRecordsRepository(dbx)
		outboxRepo := repository.NewOutboxRepository(dbx)
		replayRepo := repository.NewReplayRepository(dbx)
		metaRepo := repository.NewMetaRepository(dbx)

		// remote + engine components
		client := remote.NewClient(
			cfg.Remote.BaseURL, cfg.Remote.HealthPath, cfg.Remote.Timeout,
			cfg.Remote.Breaker.FailThreshold, cfg.Remote.Breaker.OpenFor,
		)
		applier := syncer.NewApplier(dbx, recordsRepo, outboxRepo, replayRepo, metaRepo)
		lease := syncer.NewLease(dbx, "serve-"+uuid.NewString(), cfg.Sync.LeaseTTL)
		disp := syncer.NewDispatcher(outboxRepo, client, applier, lease, cfg.Sync.MaxAttempts)
		gov := retention.NewGovernor(dbx, recordsRepo, outboxRepo, replayRepo)
		intakeSvc := intake.New(dbx, recordsRepo, outboxRepo, replayRepo, metaRepo, client, cfg.Retention.MaxAge)
		intercept := remote.NewInterceptingSender(client, replayRepo)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// connectivity signal feeds the drain trigger
		watcher := netwatch.NewWatcher(client, cfg.Sync.Interval/2)
		online := watcher.Subscribe()
		syncTrigger := make(chan struct{}, 1)
		go watcher.Run(ctx)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-online:
					select {
					case syncTrigger <- struct{}{}:
					default:
					}
				}
			}
		}()

		go disp.Run(ctx, cfg.Sync.Interval, syncTrigger)
		go gov.Run(ctx, cfg.Retention.Interval, nil)

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Intake:      intakeSvc,
			Records:     recordsRepo,
			Outbox:      outboxRepo,
			Applier:     applier,
			Governor:    gov,
			Intercept:   intercept,
			SyncTrigger: syncTrigger,
		})

		errCh := make(chan error, 1)
		go func() {
			logger.Log.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			logger.Log.Info("shutting down")
		case err := <-errCh:
			if err != nil {
				logger.Log.Error("http server exited", zap.Error(err))
			}
		}

		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shCtx)

		return nil
	},
}
