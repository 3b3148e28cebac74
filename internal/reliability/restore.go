package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const restoreStagingDir = "restore-pending"

// RestoreService stages backup archives for restore and applies them at
// startup, before any database opens. Staging and applying are split so a
// running process never swaps files out from under live connections.
type RestoreService struct {
	store   ObjectStore
	dataDir string
	prefix  string
	log     zerolog.Logger
}

// NewRestoreService creates a restore service over the same bucket and
// prefix the backup service writes to.
func NewRestoreService(store ObjectStore, dataDir, prefix string, log zerolog.Logger) *RestoreService {
	return &RestoreService{
		store:   store,
		dataDir: dataDir,
		prefix:  prefix,
		log:     log.With().Str("service", "restore").Logger(),
	}
}

// Stage downloads an archive into the pending directory. An empty key picks
// the newest archive. Returns the key that was staged.
func (s *RestoreService) Stage(ctx context.Context, key string) (string, error) {
	if key == "" {
		backups, err := listArchives(ctx, s.store, s.prefix, s.log)
		if err != nil {
			return "", err
		}
		if len(backups) == 0 {
			return "", fmt.Errorf("no backups available to restore")
		}
		key = backups[0].Key
	}

	stagingDir := filepath.Join(s.dataDir, restoreStagingDir)
	// One pending restore at a time; a new stage replaces the old one.
	if err := os.RemoveAll(stagingDir); err != nil {
		return "", fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	body, err := s.store.Download(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	archivePath := filepath.Join(stagingDir, filepath.Base(key))
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create staged archive: %w", err)
	}
	defer archiveFile.Close()

	if _, err := io.Copy(archiveFile, body); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to write staged archive: %w", err)
	}

	s.log.Info().Str("key", key).Msg("Restore staged, applied at next startup")
	return key, nil
}

// HasStaged reports whether a staged archive is waiting.
func (s *RestoreService) HasStaged() bool {
	path, err := s.stagedArchive()
	return err == nil && path != ""
}

// ApplyStaged applies a staged archive if one exists. Must run before the
// databases open. Returns the restored database names, empty when nothing
// was staged.
func (s *RestoreService) ApplyStaged() ([]string, error) {
	archivePath, err := s.stagedArchive()
	if err != nil {
		return nil, err
	}
	if archivePath == "" {
		return nil, nil
	}

	s.log.Warn().Str("archive", filepath.Base(archivePath)).Msg("Applying staged restore")

	extractDir := filepath.Join(s.dataDir, restoreStagingDir, "extracted")
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create extract directory: %w", err)
	}
	if err := extractArchive(archivePath, extractDir); err != nil {
		return nil, fmt.Errorf("failed to extract archive: %w", err)
	}

	metadata, err := readMetadata(filepath.Join(extractDir, "backup-metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read backup metadata: %w", err)
	}

	// Verify everything before touching a single live file.
	for _, db := range metadata.Databases {
		dbPath := filepath.Join(extractDir, db.Filename)
		checksum, err := fileChecksum(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to checksum %s: %w", db.Name, err)
		}
		if checksum != db.Checksum {
			return nil, fmt.Errorf("checksum mismatch for %s", db.Name)
		}
		if err := verifyDatabaseFile(dbPath); err != nil {
			return nil, fmt.Errorf("restored %s failed verification: %w", db.Name, err)
		}
	}

	var restored []string
	for _, db := range metadata.Databases {
		src := filepath.Join(extractDir, db.Filename)
		dest := filepath.Join(s.dataDir, db.Filename)
		// Stale WAL and SHM files would shadow the restored content.
		os.Remove(dest + "-wal")
		os.Remove(dest + "-shm")
		if err := os.Rename(src, dest); err != nil {
			return restored, fmt.Errorf("failed to move %s into place: %w", db.Name, err)
		}
		restored = append(restored, db.Name)
		s.log.Info().Str("database", db.Name).Msg("Database restored")
	}

	if err := os.RemoveAll(filepath.Join(s.dataDir, restoreStagingDir)); err != nil {
		s.log.Warn().Err(err).Msg("Failed to clean restore staging directory")
	}
	return restored, nil
}

// stagedArchive returns the pending archive path, or "" when none exists.
func (s *RestoreService) stagedArchive() (string, error) {
	stagingDir := filepath.Join(s.dataDir, restoreStagingDir)
	entries, err := os.ReadDir(stagingDir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, archivePrefix) && strings.HasSuffix(name, ".tar.gz") {
			return filepath.Join(stagingDir, name), nil
		}
	}
	return "", nil
}

func readMetadata(path string) (*BackupMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var metadata BackupMetadata
	if err := json.NewDecoder(file).Decode(&metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}

func extractArchive(archivePath, destDir string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return err
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Flat archives only; reject anything trying to escape destDir.
		name := filepath.Base(header.Name)
		if name != header.Name || name == "." || name == ".." {
			return fmt.Errorf("unexpected path in archive: %s", header.Name)
		}

		outFile, err := os.Create(filepath.Join(destDir, name))
		if err != nil {
			return err
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return err
		}
		if err := outFile.Close(); err != nil {
			return err
		}
	}
}
