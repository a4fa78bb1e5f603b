package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/storefront/services/dispatch/config"
	"example.com/storefront/services/dispatch/internal/database"
	"example.com/storefront/services/dispatch/internal/models"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
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

	log.Info().Msg("Migrations completed successfully")
	return nil
}
