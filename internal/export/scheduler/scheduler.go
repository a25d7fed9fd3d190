// Package scheduler writes periodic snapshot exports of the routine
// collection and prunes old ones.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/routinesync/internal/export"
	"github.com/kimhsiao/routinesync/internal/logging"
)

// ExportInterval defines the scheduling frequency.
type ExportInterval string

const (
	IntervalManual ExportInterval = "manual"
	IntervalHourly ExportInterval = "hourly"
	IntervalDaily  ExportInterval = "daily"
	IntervalWeekly ExportInterval = "weekly"
)

// SchedulerConfig holds the scheduler configuration.
type SchedulerConfig struct {
	Interval       ExportInterval
	RetentionCount int // exports to keep, 0 = unlimited
	ExportDir      string
	Format         export.Format
}

// Scheduler manages automatic export scheduling.
type Scheduler struct {
	service export.ExportServiceInterface
	config  *SchedulerConfig
	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewScheduler creates a new export scheduler.
func NewScheduler(service export.ExportServiceInterface, config *SchedulerConfig) *Scheduler {
	if config.ExportDir == "" {
		config.ExportDir = "exports"
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	if config.Format == "" {
		config.Format = export.FormatICS
	}

	return &Scheduler{
		service: service,
		config:  config,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Start performs an initial export and then one per interval. Manual mode
// starts nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Interval == IntervalManual {
		logging.Info("Export scheduler in manual mode")
		return nil
	}

	dur, err := IntervalDuration(s.config.Interval)
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	s.ticker = time.NewTicker(dur)
	logging.Info("Export scheduler started", map[string]interface{}{
		"interval":        s.config.Interval,
		"retention_count": s.config.RetentionCount,
		"format":          s.config.Format,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.RunExport(ctx); err != nil {
			logging.Error("Initial export failed", err)
		}
		for {
			select {
			case <-s.ticker.C:
				if _, err := s.RunExport(ctx); err != nil {
					logging.Error("Scheduled export failed", err)
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop shuts the scheduler down and waits for a running export.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.wg.Wait()
	logging.Info("Export scheduler stopped")
}

// RunExport performs a single export and applies the retention policy.
func (s *Scheduler) RunExport(ctx context.Context) (*export.ExportResult, error) {
	timestamp := s.now().Format("20060102_150405")
	outputPath := filepath.Join(s.config.ExportDir,
		fmt.Sprintf("routinesync_%s.%s", timestamp, s.config.Format))

	result, err := s.service.Export(ctx, &export.ExportConfig{
		OutputPath: outputPath,
		Format:     s.config.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("export failed: %w", err)
	}

	logging.Info("Export completed", map[string]interface{}{
		"file":       result.FilePath,
		"size_bytes": result.SizeBytes,
		"routines":   result.RoutineCount,
		"duration":   result.Duration.String(),
	})

	if s.config.RetentionCount > 0 {
		if err := s.applyRetentionPolicy(); err != nil {
			// retention failures never fail the export
			logging.Error("Export retention failed", err)
		}
	}

	return result, nil
}

// IntervalDuration converts the interval to a time.Duration.
func IntervalDuration(interval ExportInterval) (time.Duration, error) {
	switch interval {
	case IntervalHourly:
		return time.Hour, nil
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, fmt.Errorf("manual interval has no duration")
	default:
		return 0, fmt.Errorf("unknown interval: %s", interval)
	}
}

func (s *Scheduler) applyRetentionPolicy() error {
	files, err := ListExports(s.config.ExportDir)
	if err != nil {
		return fmt.Errorf("failed to list exports: %w", err)
	}
	if len(files) <= s.config.RetentionCount {
		return nil
	}

	for _, f := range files[:len(files)-s.config.RetentionCount] {
		if err := os.Remove(f.Path); err != nil {
			logging.Error("Failed to delete old export", err, map[string]interface{}{"path": f.Path})
			continue
		}
		logging.Debug("Deleted old export", map[string]interface{}{"path": f.Path})
	}
	return nil
}

// ExportFile describes one export on disk.
type ExportFile struct {
	Path      string
	SizeBytes int64
	CreatedAt time.Time
}

// ListExports returns the scheduler's exports in dir, oldest first. Files
// not named routinesync_*.ics or routinesync_*.xlsx are ignored.
func ListExports(dir string) ([]ExportFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []ExportFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "routinesync_") {
			continue
		}
		if ext := filepath.Ext(name); ext != ".ics" && ext != ".xlsx" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		files = append(files, ExportFile{
			Path:      filepath.Join(dir, name),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	// names embed the timestamp, so they sort chronologically
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// GetConfig returns the current scheduler configuration.
func (s *Scheduler) GetConfig() *SchedulerConfig {
	return s.config
}
