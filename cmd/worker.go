package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/storefront/services/dispatch/config"
	"example.com/storefront/services/dispatch/internal/cache"
	"example.com/storefront/services/dispatch/internal/database"
	"example.com/storefront/services/dispatch/internal/messaging"
	"example.com/storefront/services/dispatch/internal/metrics"
	"example.com/storefront/services/dispatch/internal/models"
	"example.com/storefront/services/dispatch/internal/notifier"
	"example.com/storefront/services/dispatch/internal/repositories"
	"example.com/storefront/services/dispatch/internal/services"
	"example.com/storefront/services/dispatch/internal/tracing"
	"example.com/storefront/services/dispatch/internal/watcher"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background worker",
	Long: `Runs the order-events consumer, the dispatch reconciliation job and
the account audit watcher in one process.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}

	if err := models.SetupModels(db); err != nil {
		return err
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return err
	}
	defer tracer.Close()

	collector := metrics.NewMetrics()
	collector.SetHealth("database", true)

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, running without user cache")
	}
	defer redisCache.Close()
	collector.SetHealth("redis", redisCache.Enabled())

	dispatchService := services.NewDispatchService(db, collector, tracer)
	directoryService := services.NewDirectoryService(db, redisCache)

	consumer, err := messaging.NewConsumer(cfg.Azure)
	if err != nil {
		return err
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing queue consumer")
		}
	}()
	processor := messaging.NewProcessor(dispatchService)

	sinks := []notifier.Sink{notifier.LogSink{}}
	if emailSink := notifier.NewEmailSink(cfg.SMTP); emailSink != nil {
		sinks = append(sinks, emailSink)
	}

	auditWatcher := watcher.New(
		watcher.Config{
			PollInterval:    cfg.Watcher.PollInterval,
			BatchLimit:      cfg.Watcher.BatchLimit,
			DeliveryTimeout: cfg.Watcher.DeliveryTimeout,
		},
		repositories.NewAuditEventRepository(db),
		repositories.NewCheckpointRepository(db),
		directoryService,
		sinks,
		collector,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return consumer.Run(groupCtx, processor)
	})

	group.Go(func() error {
		return auditWatcher.Run(groupCtx)
	})

	group.Go(func() error {
		return runReconciliation(groupCtx, cfg.Reconcile, dispatchService)
	})

	log.Info().Msg("Worker started")

	if err := group.Wait(); err != nil {
		return err
	}

	log.Info().Msg("Worker shut down")
	return nil
}

// runReconciliation periodically sweeps confirmed orders that missed their
// dispatch trigger.
func runReconciliation(ctx context.Context, cfg config.ReconcileConfig, dispatchService *services.DispatchService) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create reconciliation scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(func() {
			if err := dispatchService.ReconcileConfirmedOrders(ctx, cfg.BatchLimit); err != nil {
				log.Error().Err(err).Msg("Reconciliation sweep failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule reconciliation job")
	}

	log.Info().Dur("interval", cfg.Interval).Msg("Starting dispatch reconciliation job")

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}
