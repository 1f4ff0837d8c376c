package main

import (
	"context"
	"fmt"

	"github.com/SmartOrange/porter/internal/app"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "write a static dest tree and exit",
	RunE:  runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	a, err := app.New(cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	log.Info().Str("dest", cfg.Dest).Msg("building static dest tree")
	if err := a.Build(context.Background()); err != nil {
		return fmt.Errorf("build: %w", err)
	}

	log.Info().Msg("build complete")
	return nil
}
