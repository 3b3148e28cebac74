package di

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:  t.TempDir(),
		Port:     8080,
		TickCron: "5 0 * * *",
	}
}

func TestWireBuildsFullContainer(t *testing.T) {
	c, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	// Databases
	require.NotNil(t, c.LedgerDB)
	require.NotNil(t, c.CoreDB)
	require.NotNil(t, c.AuditDB)
	require.NotNil(t, c.RuntimeDB)
	assert.Len(t, c.Databases(), 4)

	// Core services
	assert.NotNil(t, c.Bus)
	assert.NotNil(t, c.Auditor)
	assert.NotNil(t, c.Pipeline)
	assert.NotNil(t, c.LedgerService)
	assert.NotNil(t, c.SignalMachine)
	assert.NotNil(t, c.CaseEngine)
	assert.NotNil(t, c.WorkEngine)
	assert.NotNil(t, c.ActionEngine)
	assert.NotNil(t, c.PlanEngine)
	assert.NotNil(t, c.HealthEngine)
	assert.NotNil(t, c.Briefs)
	assert.NotNil(t, c.BusinessService)
	assert.NotNil(t, c.TickScheduler)
	assert.NotNil(t, c.TickCron)
	assert.NotNil(t, c.Monitor)
	assert.NotNil(t, c.Integrations)
	assert.NotNil(t, c.Maintenance)

	// Optional pieces stay off without configuration.
	assert.Nil(t, c.StreamClient)
	assert.Nil(t, c.Backups)
	assert.Nil(t, c.Restores)
}

func TestWireDatabasesAreUsable(t *testing.T) {
	c, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	// Schemas applied: a representative table per database answers.
	for db, table := range map[string]string{
		"ledger":  "raw_events",
		"core":    "signal_states",
		"audit":   "audit_log",
		"runtime": "monitor_runtime",
	} {
		var count int
		err := c.Databases()[db].Conn().
			QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
		require.NoError(t, err, "table %s missing in %s", table, db)
		assert.Equal(t, 0, count)
	}
}

func TestWireStreamClientGatedOnURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.SimStreamURL = "wss://stream.example.com/events"

	c, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.StreamClient)
}
