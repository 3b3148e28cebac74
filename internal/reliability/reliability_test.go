package reliability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityhq/clarity/internal/database"
	clarity_testing "github.com/clarityhq/clarity/internal/testing"
)

// memStore is an in-memory ObjectStore for tests.
type memStore struct {
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]StoredObject, error) {
	var out []StoredObject
	for key, data := range m.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, StoredObject{Key: key, SizeBytes: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func testDatabases(t *testing.T) (map[string]*database.DB, func()) {
	t.Helper()
	stores, cleanup := clarity_testing.NewTestStores(t)
	return map[string]*database.DB{
		"ledger":  stores.Ledger,
		"core":    stores.Core,
		"audit":   stores.Audit,
		"runtime": stores.Runtime,
	}, cleanup
}

func TestBackupDatabaseVacuumCopy(t *testing.T) {
	databases, cleanup := testDatabases(t)
	defer cleanup()

	dir := t.TempDir()
	svc := NewBackupService(databases, newMemStore(), dir, "", 3, zerolog.Nop())

	dest := filepath.Join(dir, "ledger-copy.db")
	require.NoError(t, svc.BackupDatabase("ledger", dest))
	require.NoError(t, verifyDatabaseFile(dest))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestBackupDatabaseUnknownName(t *testing.T) {
	databases, cleanup := testDatabases(t)
	defer cleanup()

	svc := NewBackupService(databases, newMemStore(), t.TempDir(), "", 3, zerolog.Nop())
	err := svc.BackupDatabase("nope", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestCreateAndUploadProducesArchive(t *testing.T) {
	databases, cleanup := testDatabases(t)
	defer cleanup()

	store := newMemStore()
	svc := NewBackupService(databases, store, t.TempDir(), "backups", 3, zerolog.Nop())
	require.NoError(t, svc.CreateAndUpload(context.Background()))

	require.Len(t, store.objects, 1)
	for key, data := range store.objects {
		assert.Contains(t, key, "backups/"+archivePrefix)
		assert.Greater(t, len(data), 0)
		// gzip magic bytes
		assert.True(t, bytes.HasPrefix(data, []byte{0x1f, 0x8b}))
	}

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Greater(t, backups[0].SizeBytes, int64(0))
}

func TestRotateKeepsNewest(t *testing.T) {
	databases, cleanup := testDatabases(t)
	defer cleanup()

	store := newMemStore()
	svc := NewBackupService(databases, store, t.TempDir(), "", 3, zerolog.Nop())

	// Five archives a minute apart; rotation should keep the newest three.
	base := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		key := archivePrefix + base.Add(time.Duration(i)*time.Minute).Format(archiveTimestamp) + ".tar.gz"
		store.objects[key] = []byte(fmt.Sprintf("archive-%d", i))
	}

	require.NoError(t, svc.Rotate(context.Background()))
	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, archivePrefix+base.Add(4*time.Minute).Format(archiveTimestamp)+".tar.gz", backups[0].Key)
}

func TestRestoreStageAndApply(t *testing.T) {
	databases, cleanup := testDatabases(t)
	defer cleanup()

	store := newMemStore()
	backups := NewBackupService(databases, store, t.TempDir(), "backups", 3, zerolog.Nop())
	require.NoError(t, backups.CreateAndUpload(context.Background()))

	// Restore into a fresh data directory, as a new deployment would.
	restoreDir := t.TempDir()
	restores := NewRestoreService(store, restoreDir, "backups", zerolog.Nop())

	key, err := restores.Stage(context.Background(), "")
	require.NoError(t, err)
	assert.Contains(t, key, "backups/"+archivePrefix)
	assert.True(t, restores.HasStaged())

	restored, err := restores.ApplyStaged()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ledger", "core", "audit", "runtime"}, restored)
	assert.False(t, restores.HasStaged())

	for _, name := range restored {
		path := filepath.Join(restoreDir, name+".db")
		require.FileExists(t, path)
		require.NoError(t, verifyDatabaseFile(path))
	}
}

func TestRestoreApplyWithNothingStaged(t *testing.T) {
	restores := NewRestoreService(newMemStore(), t.TempDir(), "", zerolog.Nop())
	restored, err := restores.ApplyStaged()
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestRestoreStageWithNoBackups(t *testing.T) {
	restores := NewRestoreService(newMemStore(), t.TempDir(), "", zerolog.Nop())
	_, err := restores.Stage(context.Background(), "")
	assert.Error(t, err)
}

func TestMaintenanceRunChecksAllDatabases(t *testing.T) {
	databases, cleanup := testDatabases(t)
	defer cleanup()

	svc := NewMaintenanceService(databases, nil, t.TempDir(), zerolog.Nop())
	require.NoError(t, svc.Run(context.Background()))
}

func TestMaintenanceRunsBackupWhenConfigured(t *testing.T) {
	databases, cleanup := testDatabases(t)
	defer cleanup()

	store := newMemStore()
	backups := NewBackupService(databases, store, t.TempDir(), "", 3, zerolog.Nop())
	svc := NewMaintenanceService(databases, backups, t.TempDir(), zerolog.Nop())

	require.NoError(t, svc.Run(context.Background()))
	assert.Len(t, store.objects, 1)
}
