// Package export writes and restores device backups: a tar.gz archive of
// the event store, optionally encrypted with a password.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kimhsiao/adherence/backend/internal/db"
	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/export/crypto"
	"github.com/kimhsiao/adherence/backend/internal/logging"
)

const (
	// FormatVersion is written to every manifest.
	FormatVersion = 1

	manifestName = "manifest.json"
	dataName     = "data.json"

	// maxEntrySize bounds a single archive entry on restore.
	maxEntrySize = 512 << 20
)

// Store is the part of the event store a backup reads and restores.
type Store interface {
	Snapshot(ctx context.Context) (*db.Snapshot, error)
	Restore(ctx context.Context, s *db.Snapshot, opts db.RestoreOptions) (map[string]int, error)
}

// Service provides backup and restore.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a new Service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// ExportConfig holds export configuration.
type ExportConfig struct {
	OutputPath string
	Password   string // empty = no encryption
}

// ImportConfig holds import configuration.
type ImportConfig struct {
	ArchivePath string
	Password    string
	// Requeue queues every restored row for sync.
	Requeue bool
}

// Manifest describes the archive contents.
type Manifest struct {
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exported_at"`
	Counts     map[string]int `json:"counts"`
	Checksum   string         `json:"checksum"`
}

// ExportResult represents the result of an export operation.
type ExportResult struct {
	FilePath  string         `json:"file_path"`
	SizeBytes int64          `json:"size_bytes"`
	Counts    map[string]int `json:"counts"`
	Checksum  string         `json:"checksum"`
	Encrypted bool           `json:"encrypted"`
	Duration  time.Duration  `json:"duration"`
}

// ImportResult represents the result of an import operation.
type ImportResult struct {
	Inserted map[string]int `json:"inserted"`
	Skipped  int            `json:"skipped"`
	Duration time.Duration  `json:"duration"`
}

// FileName returns the default archive name for a backup taken at t.
func FileName(t time.Time, encrypted bool) string {
	name := fmt.Sprintf("adherence_%s.tar.gz", t.UTC().Format("20060102_150405"))
	if encrypted {
		name += ".enc"
	}
	return name
}

// Export snapshots the event store into config.OutputPath. The file is
// written to a temporary name and renamed, so a failed export leaves no
// partial archive behind.
func (s *Service) Export(ctx context.Context, config *ExportConfig) (*ExportResult, error) {
	start := s.now()
	encrypted := config.Password != ""
	if encrypted {
		if err := crypto.ValidatePassword(config.Password); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid backup password", err)
		}
	}

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode snapshot", err)
	}
	sum := sha256.Sum256(data)
	manifest := Manifest{
		Version:    FormatVersion,
		ExportedAt: start.UTC(),
		Counts:     snap.Counts(),
		Checksum:   hex.EncodeToString(sum[:]),
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode manifest", err)
	}

	archive, err := pack(start, map[string][]byte{manifestName: manifestData, dataName: data})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build archive", err)
	}
	if encrypted {
		if archive, err = crypto.EncryptArchive(archive, config.Password); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encrypt archive", err)
		}
	}

	path := config.OutputPath
	if path == "" {
		path = filepath.Join("backups", FileName(start, encrypted))
	}
	if err := writeAtomic(path, archive); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to write archive", err)
	}

	result := &ExportResult{
		FilePath:  path,
		SizeBytes: int64(len(archive)),
		Counts:    manifest.Counts,
		Checksum:  manifest.Checksum,
		Encrypted: encrypted,
		Duration:  s.now().Sub(start),
	}
	logging.Info("Backup written", map[string]interface{}{
		"path":      path,
		"size":      result.SizeBytes,
		"encrypted": encrypted,
	})
	return result, nil
}

// Import restores config.ArchivePath into the event store. Rows already
// present are skipped.
func (s *Service) Import(ctx context.Context, config *ImportConfig) (*ImportResult, error) {
	start := s.now()

	raw, err := os.ReadFile(config.ArchivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "backup %s not found", config.ArchivePath)
		}
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to read backup", err)
	}

	if crypto.IsEncrypted(raw) {
		if config.Password == "" {
			return nil, apperrors.New(apperrors.ErrValidation, "backup is encrypted; a password is required")
		}
		if raw, err = crypto.DecryptArchive(raw, config.Password); err != nil {
			if stderrors.Is(err, crypto.ErrInvalidPassword) {
				return nil, apperrors.Wrap(apperrors.ErrValidation, "wrong password or corrupted backup", err)
			}
			return nil, apperrors.Wrap(apperrors.ErrIntegrity, "unreadable backup", err)
		}
	}

	files, err := unpack(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrIntegrity, "unreadable backup", err)
	}
	manifest, snap, err := decode(files)
	if err != nil {
		return nil, err
	}

	inserted, err := s.store.Restore(ctx, snap, db.RestoreOptions{Requeue: config.Requeue})
	if err != nil {
		return nil, err
	}

	total, restored := 0, 0
	for table, n := range manifest.Counts {
		total += n
		restored += inserted[table]
	}
	result := &ImportResult{
		Inserted: inserted,
		Skipped:  total - restored,
		Duration: s.now().Sub(start),
	}
	logging.Info("Backup restored", map[string]interface{}{
		"path":        config.ArchivePath,
		"exported_at": manifest.ExportedAt,
		"skipped":     result.Skipped,
	})
	return result, nil
}

// decode checks the manifest against the data file and parses both.
func decode(files map[string][]byte) (*Manifest, *db.Snapshot, error) {
	manifestData, ok := files[manifestName]
	if !ok {
		return nil, nil, apperrors.New(apperrors.ErrIntegrity, "backup has no manifest")
	}
	data, ok := files[dataName]
	if !ok {
		return nil, nil, apperrors.New(apperrors.ErrIntegrity, "backup has no data file")
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrIntegrity, "invalid manifest", err)
	}
	if manifest.Version != FormatVersion {
		return nil, nil, apperrors.Newf(apperrors.ErrValidation, "unsupported backup version %d", manifest.Version)
	}
	sum := sha256.Sum256(data)
	if manifest.Checksum != hex.EncodeToString(sum[:]) {
		return nil, nil, apperrors.New(apperrors.ErrIntegrity, "backup checksum mismatch")
	}

	var snap db.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrIntegrity, "invalid backup data", err)
	}
	return &manifest, &snap, nil
}

// pack builds a gzip-compressed tar of files, manifest first.
func pack(modTime time.Time, files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	for _, name := range []string{manifestName, dataName} {
		content := files[name]
		header := &tar.Header{
			Name:     name,
			Mode:     0600,
			Size:     int64(len(content)),
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gzw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unpack reads the regular files of a tar.gz into memory. Nothing is
// written to disk.
func unpack(archive []byte) (map[string][]byte, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	defer gzr.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if header.Size > maxEntrySize {
			return nil, fmt.Errorf("entry %s too large: %d bytes", header.Name, header.Size)
		}
		content, err := io.ReadAll(io.LimitReader(tr, maxEntrySize))
		if err != nil {
			return nil, err
		}
		files[filepath.Base(header.Name)] = content
	}
	return files, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
