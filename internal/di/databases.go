package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/config"
	"github.com/clarityhq/clarity/internal/database"
)

// InitializeDatabases opens the four databases and applies schemas.
// The ledger gets the maximum-safety profile: raw events are the source of
// truth everything else is rebuilt from. The monitor runtime gets the cache
// profile because losing it only forces a cold pulse.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	specs := []struct {
		target  **database.DB
		name    string
		profile database.DatabaseProfile
	}{
		{&container.LedgerDB, "ledger", database.ProfileLedger},
		{&container.CoreDB, "core", database.ProfileStandard},
		{&container.AuditDB, "audit", database.ProfileLedger},
		{&container.RuntimeDB, "runtime", database.ProfileCache},
	}

	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    cfg.DataDir + "/" + spec.name + ".db",
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to initialize %s database: %w", spec.name, err)
		}
		*spec.target = db

		if err := db.Migrate(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", spec.name, err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("All databases initialized and schemas applied")
	return container, nil
}
