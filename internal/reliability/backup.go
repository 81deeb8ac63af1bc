package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// keepBackups is how many remote archives survive the post-upload prune.
const keepBackups = 14

// BackupService snapshots the sqlite databases into a tar.gz archive and
// uploads it. Disabled entirely when no S3 client is configured.
type BackupService struct {
	s3        *S3Client
	dataDir   string
	databases map[string]*sql.DB // name -> live handle
	log       zerolog.Logger
}

// BackupMetadata describes one archive.
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database file inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// NewBackupService creates the backup service over live database handles.
func NewBackupService(s3 *S3Client, dataDir string, databases map[string]*sql.DB, log zerolog.Logger) *BackupService {
	return &BackupService{
		s3:        s3,
		dataDir:   dataDir,
		databases: databases,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// Name implements the scheduler Job interface.
func (s *BackupService) Name() string { return "s3_backup" }

// Run implements the scheduler Job interface.
func (s *BackupService) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return s.CreateAndUploadBackup(ctx)
}

// CreateAndUploadBackup snapshots every database, archives them with a
// metadata file, uploads the archive, and prunes old remote copies.
func (s *BackupService) CreateAndUploadBackup(ctx context.Context) error {
	if s.s3 == nil {
		s.log.Debug().Msg("backup skipped, no bucket configured")
		return nil
	}
	start := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata := BackupMetadata{Timestamp: time.Now().UTC()}
	var files []string

	for name, db := range s.databases {
		snapshotPath := filepath.Join(stagingDir, name+".db")
		if err := s.snapshotDatabase(ctx, db, snapshotPath); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", name, err)
		}

		info, err := os.Stat(snapshotPath)
		if err != nil {
			return fmt.Errorf("failed to stat %s snapshot: %w", name, err)
		}
		checksum, err := fileChecksum(snapshotPath)
		if err != nil {
			return fmt.Errorf("failed to checksum %s: %w", name, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  name + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, snapshotPath)
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	raw, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(metadataPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, metadataPath)

	archiveName := fmt.Sprintf("hyperasset-backup-%s.tar.gz", time.Now().Format("2006-01-02-150405"))
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	key := "backups/" + archiveName
	if err := s.s3.Upload(ctx, key, archive); err != nil {
		return err
	}

	s.log.Info().
		Str("key", key).
		Int("databases", len(metadata.Databases)).
		Dur("elapsed", time.Since(start)).
		Msg("backup uploaded")

	return s.pruneRemote(ctx)
}

// snapshotDatabase takes a consistent copy via VACUUM INTO, which works on a
// live WAL database without blocking writers.
func (s *BackupService) snapshotDatabase(ctx context.Context, db *sql.DB, dest string) error {
	_, err := db.ExecContext(ctx, "VACUUM INTO ?", dest)
	return err
}

// pruneRemote deletes archives beyond the retention count, oldest first.
func (s *BackupService) pruneRemote(ctx context.Context) error {
	objects, err := s.s3.List(ctx, "backups/")
	if err != nil {
		return err
	}
	if len(objects) <= keepBackups {
		return nil
	}
	for _, obj := range objects[keepBackups:] {
		if err := s.s3.Delete(ctx, obj.Key); err != nil {
			s.log.Error().Err(err).Str("key", obj.Key).Msg("failed to prune backup")
			continue
		}
		s.log.Info().Str("timestamp", keyTimestamp(obj.Key)).Msg("old backup pruned")
	}
	return nil
}

func createArchive(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	defer zw.Close()
	tw := tar.NewWriter(zw)
	defer tw.Close()

	for _, path := range files {
		if err := addToArchive(tw, path); err != nil {
			return err
		}
	}
	return nil
}

func addToArchive(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
