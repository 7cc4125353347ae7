package main

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mailloft/mailloft/internal/app"
	"github.com/mailloft/mailloft/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the delivery server",
	Long:  `Start the Mailloft API server and the recurring campaign scheduler.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	// Secrets like MAILGUN_API_KEY come from the environment; a local
	// .env is a convenience for development.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}
