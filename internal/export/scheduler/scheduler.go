// Package scheduler takes periodic backups and prunes old ones.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/export"
	"github.com/kimhsiao/adherence/backend/internal/logging"
)

const archivePrefix = "adherence_"

// SchedulerConfig holds the backup scheduler configuration.
type SchedulerConfig struct {
	Schedule       string // cron spec; empty disables automatic backups
	RetentionCount int    // archives to keep (0 = unlimited)
	ExportDir      string // default: "backups"
	Password       string // empty = no encryption
	Location       *time.Location
}

// Scheduler runs backups on a cron schedule.
type Scheduler struct {
	exporter export.Exporter
	config   SchedulerConfig
	cron     *cron.Cron
	now      func() time.Time

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	lastBackup time.Time
}

// NewScheduler creates a backup scheduler. An invalid schedule is rejected.
func NewScheduler(exporter export.Exporter, config SchedulerConfig) (*Scheduler, error) {
	if config.ExportDir == "" {
		config.ExportDir = "backups"
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	loc := config.Location
	if loc == nil {
		loc = time.Local
	}

	s := &Scheduler{
		exporter: exporter,
		config:   config,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		now: time.Now,
	}
	if config.Schedule != "" {
		if _, err := s.cron.AddFunc(config.Schedule, s.runScheduled); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid backup schedule "+config.Schedule, err)
		}
	}
	return s, nil
}

// Enabled reports whether automatic backups are scheduled.
func (s *Scheduler) Enabled() bool {
	return s.config.Schedule != ""
}

// Start starts the cron loop. It is a no-op when no schedule is set.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || !s.Enabled() {
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	logging.Info("Backup scheduler started", map[string]interface{}{
		"schedule":  s.config.Schedule,
		"retention": s.config.RetentionCount,
		"dir":       s.config.ExportDir,
	})
}

// Stop stops the scheduler and waits for a running backup.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	logging.Info("Backup scheduler stopped")
}

// LastBackup returns when the last backup completed.
func (s *Scheduler) LastBackup() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBackup
}

func (s *Scheduler) runScheduled() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.RunOnce(ctx); err != nil {
		logging.Error("Scheduled backup failed", err)
	}
}

// RunOnce writes one backup into the export directory and applies the
// retention policy. A retention failure is logged, not returned.
func (s *Scheduler) RunOnce(ctx context.Context) (*export.ExportResult, error) {
	now := s.now()
	path := filepath.Join(s.config.ExportDir, export.FileName(now, s.config.Password != ""))

	result, err := s.exporter.Export(ctx, &export.ExportConfig{
		OutputPath: path,
		Password:   s.config.Password,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastBackup = now
	s.mu.Unlock()

	if s.config.RetentionCount > 0 {
		if _, err := s.applyRetentionPolicy(); err != nil {
			logging.Error("Backup retention failed", err, map[string]interface{}{"dir": s.config.ExportDir})
		}
	}
	return result, nil
}

// applyRetentionPolicy removes the oldest archives beyond RetentionCount and
// returns how many were removed.
func (s *Scheduler) applyRetentionPolicy() (int, error) {
	archives, err := ListArchives(s.config.ExportDir)
	if err != nil {
		return 0, err
	}
	if len(archives) <= s.config.RetentionCount {
		return 0, nil
	}

	removed := 0
	for _, a := range archives[:len(archives)-s.config.RetentionCount] {
		if err := os.Remove(a.Path); err != nil {
			logging.Warn("Failed to delete old backup", map[string]interface{}{"path": a.Path, "error": err.Error()})
			continue
		}
		removed++
		logging.Debug("Deleted old backup", map[string]interface{}{"path": a.Path})
	}
	return removed, nil
}

// ArchiveInfo represents metadata about a backup archive.
type ArchiveInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Encrypted bool      `json:"encrypted"`
}

// ListArchives returns the backups in dir, oldest first. A missing
// directory has no backups.
func ListArchives(dir string) ([]*ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to list backups", err)
	}

	var archives []*ArchiveInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, archivePrefix) {
			continue
		}
		encrypted := strings.HasSuffix(name, ".tar.gz.enc")
		if !encrypted && !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, &ArchiveInfo{
			Path:      filepath.Join(dir, name),
			SizeBytes: fi.Size(),
			CreatedAt: fi.ModTime(),
			Encrypted: encrypted,
		})
	}

	// Names embed the UTC timestamp, so they sort chronologically.
	sort.Slice(archives, func(i, j int) bool {
		return filepath.Base(archives[i].Path) < filepath.Base(archives[j].Path)
	})
	return archives, nil
}
