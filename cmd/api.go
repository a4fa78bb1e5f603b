package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/storefront/services/dispatch/config"
	"example.com/storefront/services/dispatch/internal/api"
	"example.com/storefront/services/dispatch/internal/database"
	"example.com/storefront/services/dispatch/internal/metrics"
	"example.com/storefront/services/dispatch/internal/models"
	"example.com/storefront/services/dispatch/internal/services"
	"example.com/storefront/services/dispatch/internal/tracing"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the HTTP API server",
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	metaService := services.NewMetaService(db, collector, tracer)
	server := api.NewServer(cfg, metaService, collector, tracer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	return server.Shutdown(context.Background())
}
