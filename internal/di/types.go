// Package di wires the application together: databases, repositories,
// engines, and background services.
package di

import (
	"github.com/clarityhq/clarity/internal/database"
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

// Container is the single source of truth for all application instances.
// Wire() builds it; the server and the entry point read from it.
type Container struct {
	// Databases
	LedgerDB  *database.DB // raw provider events, append-mostly
	CoreDB    *database.DB // operational state
	AuditDB   *database.DB // change log
	RuntimeDB *database.DB // monitor cache, rebuildable

	// Shared plumbing
	Bus     *events.Bus
	Auditor *audit.Writer

	// Repositories and stores
	AuditRepo       *audit.Repository
	RawEvents       *rawevents.Store
	ProcessingRepo  *processing.Repository
	CategoryRepo    *categories.Repository
	SignalRepo      *signals.Repository
	CaseRepo        *cases.Repository
	WorkRepo        *work.Repository
	ActionRepo      *actions.Repository
	PlanRepo        *plans.Repository
	BriefRepo       *briefs.Repository
	TickRepo        *tick.Repository
	BusinessRepo    *business.Repository
	IntegrationRepo *integrations.Repository
	MonitorRuntime  *monitor.RuntimeRepository

	// Services and engines
	Categories      *categories.Service
	Pipeline        *processing.Pipeline
	Projector       *projection.Projector
	LedgerService   *ledger.Service
	SignalMachine   *signals.StateMachine
	DetectorEngine  *detectors.Engine
	HealthEngine    *health.Engine
	CaseEngine      *cases.Engine
	WorkEngine      *work.Engine
	ActionEngine    *actions.Engine
	PlanEngine      *plans.Engine
	Briefs          *briefs.Service
	BusinessService *business.Service
	TickScheduler   *tick.Scheduler
	TickCron        *tick.CronRunner
	Monitor         *monitor.Coordinator
	Integrations    *integrations.Service

	// Optional background pieces, nil when not configured
	StreamClient *integrations.StreamClient
	Backups      *reliability.BackupService
	Restores     *reliability.RestoreService
	Maintenance  *reliability.MaintenanceService
}

// Databases returns the four databases keyed by name, the shape the
// reliability and diagnostics layers consume.
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		"ledger":  c.LedgerDB,
		"core":    c.CoreDB,
		"audit":   c.AuditDB,
		"runtime": c.RuntimeDB,
	}
}

// Close closes every database. Safe to call after a partial Wire failure.
func (c *Container) Close() {
	for _, db := range []*database.DB{c.LedgerDB, c.CoreDB, c.AuditDB, c.RuntimeDB} {
		if db != nil {
			db.Close()
		}
	}
}
