package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/config"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/actions"
	"github.com/clarityhq/clarity/internal/modules/audit"
	"github.com/clarityhq/clarity/internal/modules/briefs"
	"github.com/clarityhq/clarity/internal/modules/business"
	"github.com/clarityhq/clarity/internal/modules/cases"
	"github.com/clarityhq/clarity/internal/modules/categories"
	"github.com/clarityhq/clarity/internal/modules/detectors"
	"github.com/clarityhq/clarity/internal/modules/health"
	"github.com/clarityhq/clarity/internal/modules/integrations"
	"github.com/clarityhq/clarity/internal/modules/ledger"
	"github.com/clarityhq/clarity/internal/modules/monitor"
	"github.com/clarityhq/clarity/internal/modules/plans"
	"github.com/clarityhq/clarity/internal/modules/processing"
	"github.com/clarityhq/clarity/internal/modules/projection"
	"github.com/clarityhq/clarity/internal/modules/rawevents"
	"github.com/clarityhq/clarity/internal/modules/signals"
	"github.com/clarityhq/clarity/internal/modules/tick"
	"github.com/clarityhq/clarity/internal/modules/work"
	"github.com/clarityhq/clarity/internal/reliability"
)

// Wire initializes all dependencies and returns a fully wired container.
// Order matters:
//  1. Object storage and any staged restore, before databases open.
//  2. Databases.
//  3. Repositories, then services, then the cross-module setters that break
//     import cycles (signal aggregation, plan sources, score source).
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	var (
		backupsStore *reliability.S3Client
		restores     *reliability.RestoreService
	)
	if cfg.Backup.Enabled {
		store, err := reliability.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize backup storage: %w", err)
		}
		backupsStore = store
		restores = reliability.NewRestoreService(store, cfg.DataDir, cfg.Backup.Prefix, log)

		restored, err := restores.ApplyStaged()
		if err != nil {
			return nil, fmt.Errorf("failed to apply staged restore: %w", err)
		}
		if len(restored) > 0 {
			log.Warn().Strs("databases", restored).Msg("Staged restore applied at startup")
		}
	}

	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, err
	}
	container.Restores = restores

	if err := initializeServices(container, cfg, backupsStore, log); err != nil {
		container.Close()
		return nil, err
	}

	log.Info().Msg("Dependency wiring completed")
	return container, nil
}

func initializeServices(c *Container, cfg *config.Config, backupsStore *reliability.S3Client, log zerolog.Logger) error {
	// Shared plumbing
	c.Bus = events.NewBus(log)
	c.AuditRepo = audit.NewRepository(c.AuditDB.Conn(), log)
	c.Auditor = audit.NewWriter(c.AuditRepo, log)

	// Ingest and projection
	c.RawEvents = rawevents.NewStore(c.LedgerDB.Conn(), log)
	c.CategoryRepo = categories.NewRepository(c.CoreDB.Conn(), log)
	c.Categories = categories.NewService(c.CategoryRepo, c.Auditor, log)
	c.ProcessingRepo = processing.NewRepository(c.CoreDB.Conn(), log)
	c.Pipeline = processing.NewPipeline(c.ProcessingRepo, c.RawEvents, c.Categories, c.Auditor, c.Bus, log)
	c.Projector = projection.NewProjector(c.RawEvents, log)
	c.LedgerService = ledger.NewService(c.Projector, c.ProcessingRepo, c.CategoryRepo, log)

	// Repositories
	c.SignalRepo = signals.NewRepository(c.CoreDB.Conn(), log)
	c.CaseRepo = cases.NewRepository(c.CoreDB.Conn(), log)
	c.WorkRepo = work.NewRepository(c.CoreDB.Conn(), log)
	c.ActionRepo = actions.NewRepository(c.CoreDB.Conn(), log)
	c.PlanRepo = plans.NewRepository(c.CoreDB.Conn(), log)
	c.BriefRepo = briefs.NewRepository(c.CoreDB.Conn(), log)
	c.TickRepo = tick.NewRepository(c.CoreDB.Conn(), log)
	c.BusinessRepo = business.NewRepository(c.CoreDB.Conn(), log)
	c.IntegrationRepo = integrations.NewRepository(c.CoreDB.Conn(), log)
	c.MonitorRuntime = monitor.NewRuntimeRepository(c.RuntimeDB.Conn(), log)

	// Detection and casework
	c.SignalMachine = signals.NewStateMachine(c.SignalRepo, c.Auditor, c.Bus, log)
	c.DetectorEngine = detectors.NewEngine(log)
	c.HealthEngine = health.NewEngine(c.SignalRepo, c.AuditRepo, log)
	c.CaseEngine = cases.NewEngine(c.CaseRepo, c.HealthEngine, nil, c.Auditor, c.Bus, log)
	c.WorkEngine = work.NewEngine(c.WorkRepo, c.CaseEngine, c.CaseRepo, nil, c.Auditor, c.Bus, log)
	c.ActionEngine = actions.NewEngine(c.ActionRepo, c.LedgerService, c.SignalRepo, c.SignalRepo, c.AuditRepo, c.Auditor, c.Bus, log)
	c.PlanEngine = plans.NewEngine(c.PlanRepo, c.BriefRepo, c.SignalRepo, c.ActionRepo, c.Auditor, c.Bus, log)
	c.Briefs = briefs.NewService(c.BriefRepo, c.LedgerService, c.SignalRepo, c.Bus, log)

	// Cross-module wiring that would otherwise create import cycles.
	c.SignalMachine.SetAggregator(c.CaseEngine)
	c.CaseEngine.SetPlanSource(c.PlanEngine)
	c.WorkEngine.SetPlanSource(c.PlanEngine)
	c.Briefs.SetScoreSource(c.HealthEngine)

	// Orchestration
	c.TickScheduler = tick.NewScheduler(c.TickRepo, c.CaseRepo, c.CaseEngine, c.WorkEngine, c.Bus, log)
	c.TickCron = tick.NewCronRunner(c.TickScheduler, c.BusinessRepo, cfg.TickCron, cfg.TickHourly, log)
	c.Monitor = monitor.NewCoordinator(c.MonitorRuntime, c.Projector, c.RawEvents, c.AuditRepo,
		c.ProcessingRepo, c.CategoryRepo, c.Pipeline, c.DetectorEngine, c.SignalMachine, c.Bus, log)

	// Providers
	providers := []integrations.Provider{
		integrations.NewPlaidProvider(cfg.Plaid, log),
		integrations.NewSimProvider(log),
	}
	c.Integrations = integrations.NewService(c.IntegrationRepo, providers, c.RawEvents, c.Pipeline,
		c.Auditor, c.Bus, cfg.Plaid.AllowPlaintextTokens, log)
	c.ActionEngine.SetIntegrationSource(c.Integrations)

	if cfg.SimStreamURL != "" {
		c.StreamClient = integrations.NewStreamClient(cfg.SimStreamURL, c.Integrations, log)
	}

	// Business lifecycle with the full purge cascade. Raw events go last
	// among the data purgers, audit last of all so the cascade itself stays
	// auditable until the end.
	c.BusinessService = business.NewService(c.BusinessRepo, c.Auditor, []business.NamedPurger{
		{Name: "signals", Purger: c.SignalRepo},
		{Name: "cases", Purger: c.CaseRepo},
		{Name: "work", Purger: c.WorkRepo},
		{Name: "actions", Purger: c.ActionRepo},
		{Name: "plans", Purger: c.PlanRepo},
		{Name: "briefs", Purger: c.BriefRepo},
		{Name: "tick", Purger: c.TickRepo},
		{Name: "integrations", Purger: c.Integrations},
		{Name: "monitor", Purger: c.Monitor},
		{Name: "processing", Purger: c.ProcessingRepo},
		{Name: "categories", Purger: c.CategoryRepo},
		{Name: "raw_events", Purger: c.RawEvents},
		{Name: "audit", Purger: c.AuditRepo},
	}, log)

	// Reliability
	if cfg.Backup.Enabled && backupsStore != nil {
		c.Backups = reliability.NewBackupService(c.Databases(), backupsStore, cfg.DataDir,
			cfg.Backup.Prefix, cfg.Backup.KeepCount, log)
	}
	c.Maintenance = reliability.NewMaintenanceService(c.Databases(), c.Backups, cfg.DataDir, log)

	return nil
}
