package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SmartOrange/porter/internal/app"
	"github.com/SmartOrange/porter/internal/config"
	"github.com/SmartOrange/porter/internal/server"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the asset server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("starting porter")

	a, err := app.New(cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	ctx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()

	if _, err := a.ParseEntries(ctx); err != nil {
		return fmt.Errorf("parse entries: %w", err)
	}

	srv, err := server.New(cfg, a, log.Logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	srv.MarkReady()

	janitor := startJanitor(cfg, a, srv)
	defer janitor.Stop()

	go func() {
		log.Info().Str("component", "watch").Msg("watching for source changes")
		if err := a.StartWatch(ctx); err != nil {
			log.Warn().Err(err).Msg("watcher stopped")
		}
	}()

	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("listening")
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancelWatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info().Msg("porter exited")
	return nil
}

// startJanitor drives the cache's orphaned-temp-file sweep and the metrics
// uptime gauge off a single cron scheduler, so both periodic maintenance
// tasks share one ticking goroutine instead of each rolling its own timer.
func startJanitor(cfg *config.Config, a *app.App, srv *server.Server) *cron.Cron {
	c := cron.New()

	if cfg.Cache.JanitorInterval > 0 {
		spec := "@every " + cfg.Cache.JanitorInterval.String()
		_, err := c.AddFunc(spec, func() {
			removed, err := a.Cache.SweepTemp(cfg.Cache.JanitorInterval)
			if err != nil {
				log.Warn().Err(err).Msg("cache janitor sweep failed")
				return
			}
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("cache janitor swept orphaned temp files")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("could not schedule cache janitor")
		}
	}

	if m := srv.Metrics(); m != nil {
		startedAt := srv.StartedAt()
		_, err := c.AddFunc("@every 15s", func() {
			m.UpdateUptime(startedAt)
		})
		if err != nil {
			log.Warn().Err(err).Msg("could not schedule uptime metric tick")
		}
	}

	c.Start()
	return c
}
