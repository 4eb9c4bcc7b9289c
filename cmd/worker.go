package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/ingest/config"
	"example.com/backstage/ingest/internal/messaging"
	"example.com/backstage/ingest/internal/metrics"
	"example.com/backstage/ingest/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to consume raw events from the configured queue and reconcile events stuck in processing`,
	RunE:  runWorker,
}

// consumer is a queue intake loop
type consumer interface {
	Run(ctx context.Context) error
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := initDependencies(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	intake, closeIntake, err := newConsumer(cfg, deps.processor, deps.metrics)
	if err != nil {
		return err
	}
	defer closeIntake()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return intake.Run(ctx)
	})

	if cfg.Reconciler.Enabled {
		reconciler := services.NewReconciler(deps.store, cfg.Reconciler.StaleAfter, cfg.Reconciler.BatchSize)
		g.Go(func() error {
			return runReconciler(ctx, cfg.Reconciler, reconciler)
		})
	}

	// metrics only; the worker serves no API
	metricsServer := &http.Server{Addr: cfg.Server.Address, Handler: deps.metrics.Handler()}
	g.Go(func() error {
		log.Info().Str("address", cfg.Server.Address).Msg("Serving worker metrics")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server error")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return metricsServer.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

func newConsumer(cfg config.Config, handler messaging.EventHandler, m *metrics.Metrics) (consumer, func(), error) {
	switch cfg.Messaging.Driver {
	case "kafka":
		c, err := messaging.NewKafkaConsumer(cfg.Kafka, cfg.Messaging, handler, m)
		if err != nil {
			return nil, nil, err
		}
		m.SetHealth(metrics.ComponentQueue, true)
		return c, func() {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close Kafka consumer")
			}
		}, nil
	case "azure", "":
		c, err := messaging.NewAzureConsumer(cfg.Azure, cfg.Messaging, handler, m)
		if err != nil {
			return nil, nil, err
		}
		m.SetHealth(metrics.ComponentQueue, true)
		return c, func() {
			if err := c.Close(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to close Service Bus consumer")
			}
		}, nil
	default:
		return nil, nil, errors.Errorf("unknown messaging driver %q", cfg.Messaging.Driver)
	}
}

func runReconciler(ctx context.Context, cfg config.ReconcilerConfig, reconciler *services.Reconciler) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(func() {
			if _, err := reconciler.Reconcile(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to reconcile stuck events")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule reconciler")
	}

	log.Info().Dur("interval", cfg.Interval).Dur("stale_after", cfg.StaleAfter).Msg("Starting reconciler")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}
