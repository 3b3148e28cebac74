// Package main is the entry point for the Clarity financial-health monitor.
// It ingests raw provider events, projects them into a posted ledger, runs
// the detector battery, and serves the casework API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clarityhq/clarity/internal/config"
	"github.com/clarityhq/clarity/internal/di"
	actionshandlers "github.com/clarityhq/clarity/internal/modules/actions/handlers"
	briefshandlers "github.com/clarityhq/clarity/internal/modules/briefs/handlers"
	businesshandlers "github.com/clarityhq/clarity/internal/modules/business/handlers"
	caseshandlers "github.com/clarityhq/clarity/internal/modules/cases/handlers"
	healthhandlers "github.com/clarityhq/clarity/internal/modules/health/handlers"
	integrationshandlers "github.com/clarityhq/clarity/internal/modules/integrations/handlers"
	ledgerhandlers "github.com/clarityhq/clarity/internal/modules/ledger/handlers"
	monitorhandlers "github.com/clarityhq/clarity/internal/modules/monitor/handlers"
	planshandlers "github.com/clarityhq/clarity/internal/modules/plans/handlers"
	processinghandlers "github.com/clarityhq/clarity/internal/modules/processing/handlers"
	signalshandlers "github.com/clarityhq/clarity/internal/modules/signals/handlers"
	tickhandlers "github.com/clarityhq/clarity/internal/modules/tick/handlers"
	workhandlers "github.com/clarityhq/clarity/internal/modules/work/handlers"
	"github.com/clarityhq/clarity/internal/server"
	"github.com/clarityhq/clarity/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	log.Info().Msg("Starting Clarity")

	// Wire applies any staged restore before the databases open.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:    log,
		Config: cfg,
		Bus:    container.Bus,
		Diagnostics: server.NewDiagnosticsHandlers(
			container.Databases(),
			container.RawEvents,
			container.ProcessingRepo,
			cfg.DataDir,
			log,
		),
		Backups:  container.Backups,
		Restores: container.Restores,
		Handlers: []server.RouteRegistrar{
			businesshandlers.NewHandler(container.BusinessService, cfg.AllowBusinessDelete, log),
			integrationshandlers.NewHandler(container.Integrations, cfg.DevIntegrationOps, log),
			ledgerhandlers.NewHandler(container.LedgerService, log),
			signalshandlers.NewHandler(container.SignalMachine, container.SignalRepo, container.LedgerService, log),
			caseshandlers.NewHandler(container.CaseEngine, container.CaseRepo, log),
			workhandlers.NewHandler(container.WorkEngine, container.WorkRepo, log),
			actionshandlers.NewHandler(container.ActionEngine, container.ActionRepo, log),
			planshandlers.NewHandler(container.PlanEngine, container.PlanRepo, log),
			briefshandlers.NewHandler(container.Briefs, log),
			healthhandlers.NewHandler(container.HealthEngine, log),
			monitorhandlers.NewHandler(container.Monitor, log),
			tickhandlers.NewHandler(container.TickScheduler, log),
			processinghandlers.NewHandler(container.Pipeline, cfg.DevProcessingOps, log),
		},
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	if err := container.TickCron.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start tick cron")
	}

	if err := container.Maintenance.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start maintenance cron")
	}

	if container.StreamClient != nil {
		if err := container.StreamClient.Start(); err != nil {
			// The client keeps reconnecting in the background.
			log.Warn().Err(err).Msg("Provider stream not connected at startup")
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	if container.StreamClient != nil {
		if err := container.StreamClient.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping provider stream")
		}
	}
	container.TickCron.Stop()
	container.Maintenance.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
