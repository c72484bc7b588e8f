package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvidlabs/beacon/internal/audit"
	"github.com/corvidlabs/beacon/internal/config"
	"github.com/corvidlabs/beacon/internal/connectivity"
	"github.com/corvidlabs/beacon/internal/db"
	"github.com/corvidlabs/beacon/internal/directory"
	"github.com/corvidlabs/beacon/internal/filter"
	"github.com/corvidlabs/beacon/internal/intake"
	"github.com/corvidlabs/beacon/internal/metrics"
	"github.com/corvidlabs/beacon/internal/notify"
	"github.com/corvidlabs/beacon/internal/orchestrator"
	"github.com/corvidlabs/beacon/internal/prefs"
	"github.com/corvidlabs/beacon/internal/provider"
	"github.com/corvidlabs/beacon/internal/queue"
	"github.com/corvidlabs/beacon/internal/ratelimit"
	"github.com/corvidlabs/beacon/internal/receipts"
	"github.com/corvidlabs/beacon/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the beacon delivery service",
	Long: `Starts the delivery pipeline: the HTTP/websocket server, the queue
sweeper, and (when brokers are configured) the Kafka command consumer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger := newLogger()
		metrics.Init()

		database, err := db.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		tracker := connectivity.New()
		availabilityTTL := time.Duration(cfg.Providers.AvailabilityTTLSeconds) * time.Second
		realtime := provider.NewRealtimeProvider(tracker,
			time.Duration(cfg.Providers.RealtimeTimeoutSeconds)*time.Second, logger)

		var chain []provider.Provider
		for _, name := range cfg.Providers.Order {
			switch name {
			case "push":
				chain = append(chain, provider.NewPushProvider(
					cfg.Providers.Push.Endpoint, cfg.Providers.Push.APIKey,
					time.Duration(cfg.Providers.Push.TimeoutSeconds)*time.Second,
					availabilityTTL, logger))
			case "realtime":
				chain = append(chain, realtime)
			case "altpush":
				chain = append(chain, provider.NewAltPushProvider(
					cfg.Providers.AltPush.Endpoint, cfg.Providers.AltPush.APIKey,
					time.Duration(cfg.Providers.AltPush.TimeoutSeconds)*time.Second,
					availabilityTTL, logger))
			case "mock":
				chain = append(chain, provider.NewMockProvider("mock"))
			}
		}

		attemptTimeout := time.Duration(cfg.Providers.Push.TimeoutSeconds) * time.Second
		selector := provider.NewSelector(chain, attemptTimeout, logger)

		auditStore := audit.NewStore(database)
		recorder := audit.NewRecorder(auditStore, cfg.Audit.BufferSize, logger)
		defer recorder.Close()

		limiter := ratelimit.New(cfg.RateLimit, ratelimit.NewViolations(database), logger)
		queueStore := queue.NewStore(database, time.Duration(cfg.Queue.TTLHours)*time.Hour)
		prefsStore := prefs.NewStore(database)
		receiptStore := receipts.NewStore(database)
		userLocks := notify.NewKeyedMutex()

		orch := orchestrator.New(orchestrator.Deps{
			Filter:    filter.New(),
			Limiter:   limiter,
			Selector:  selector,
			Queue:     queueStore,
			Audit:     auditStore,
			Recorder:  recorder,
			Directory: directory.NewPermissive(),
			Prefs:     prefsStore,
			UserLocks: userLocks,
			Logger:    logger,
		})

		sweeper := queue.NewSweeper(queueStore, tracker, orch, userLocks,
			time.Duration(cfg.Queue.SweepIntervalSeconds)*time.Second, logger)

		srv := server.New(cfg.Server, server.Deps{
			DB:       database,
			Tracker:  tracker,
			Realtime: realtime,
			Selector: selector,
			Limiter:  limiter,
			Queue:    queueStore,
			Sweeper:  sweeper,
			Audit:    auditStore,
			Recorder: recorder,
			Logger:   logger,
		})

		r := srv.Router()
		audit.RegisterRoutes(r, auditStore)
		prefs.RegisterRoutes(r, prefsStore)
		receipts.RegisterRoutes(r, receiptStore, recorder)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go sweeper.Run(ctx)
		go retentionLoop(ctx, auditStore, cfg.Audit.RetentionDays, logger)

		if len(cfg.Kafka.Brokers) > 0 {
			consumer := intake.NewConsumer(cfg.Kafka, orch, logger)
			go func() {
				if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("command consumer stopped", "error", err)
				}
			}()
		} else {
			logger.Warn("no kafka brokers configured, command intake disabled")
		}

		go func() {
			<-ctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		logger.Info("beacon starting",
			"version", Version,
			"port", cfg.Server.Port,
			"database", cfg.DatabasePath,
			"providers", cfg.Providers.Order)

		if err := srv.Start(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

// retentionLoop prunes audit entries past the retention window once a
// day. A zero retention disables pruning.
func retentionLoop(ctx context.Context, store *audit.Store, retentionDays int, logger *slog.Logger) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			n, err := store.DeleteBefore(ctx, cutoff)
			if err != nil {
				logger.Warn("audit retention cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("audit retention cleanup", "deleted", n)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
