package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/database"
)

// Disk space thresholds for the data directory.
const (
	diskCriticalGB = 0.5
	diskWarningGB  = 2.0

	maintenanceCronSpec = "0 2 * * *" // 02:00 UTC nightly
)

// MaintenanceService runs the nightly database upkeep: integrity checks, WAL
// checkpoints, a disk space gate, and the off-site backup when enabled.
type MaintenanceService struct {
	databases map[string]*database.DB
	backups   *BackupService // nil when backups are disabled
	dataDir   string
	cron      *cron.Cron
	log       zerolog.Logger
}

// NewMaintenanceService creates the maintenance service. backups may be nil.
func NewMaintenanceService(databases map[string]*database.DB, backups *BackupService, dataDir string, log zerolog.Logger) *MaintenanceService {
	return &MaintenanceService{
		databases: databases,
		backups:   backups,
		dataDir:   dataDir,
		cron:      cron.New(cron.WithLocation(time.UTC)),
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// Start schedules the nightly run.
func (m *MaintenanceService) Start() error {
	_, err := m.cron.AddFunc(maintenanceCronSpec, func() {
		if err := m.Run(context.Background()); err != nil {
			m.log.Error().Err(err).Msg("Nightly maintenance failed")
		}
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	m.log.Info().Str("spec", maintenanceCronSpec).Msg("Maintenance cron started")
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (m *MaintenanceService) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.log.Info().Msg("Maintenance cron stopped")
}

// Run executes one maintenance pass.
func (m *MaintenanceService) Run(ctx context.Context) error {
	startTime := time.Now()
	m.log.Info().Msg("Starting maintenance")

	for name, db := range m.databases {
		if err := m.checkIntegrity(name, db); err != nil {
			return err
		}
	}

	for name, db := range m.databases {
		if _, err := db.Conn().Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			// Checkpoint failure bloats the WAL but loses nothing.
			m.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}

	if err := m.checkDiskSpace(); err != nil {
		return err
	}

	if m.backups != nil {
		if err := m.backups.CreateAndUpload(ctx); err != nil {
			m.log.Error().Err(err).Msg("Backup failed during maintenance")
			// Maintenance itself succeeded; backups retry tomorrow.
		}
	}

	m.log.Info().Dur("duration_ms", time.Since(startTime)).Msg("Maintenance completed")
	return nil
}

func (m *MaintenanceService) checkIntegrity(name string, db *database.DB) error {
	var result string
	if err := db.Conn().QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed for %s: %w", name, err)
	}
	if result != "ok" {
		return fmt.Errorf("database %s failed integrity check: %s", name, result)
	}
	return nil
}

func (m *MaintenanceService) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(m.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9
	if availableGB < diskCriticalGB {
		return fmt.Errorf("only %.2f GB free on data volume", availableGB)
	}
	if availableGB < diskWarningGB {
		m.log.Warn().Float64("available_gb", availableGB).Msg("Data volume running low")
	}
	return nil
}
