// Package app assembles the sync engine and its background workers from a
// config.Config.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kimhsiao/routinesync/internal/config"
	"github.com/kimhsiao/routinesync/internal/db"
	"github.com/kimhsiao/routinesync/internal/export"
	exportsched "github.com/kimhsiao/routinesync/internal/export/scheduler"
	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/remote"
	"github.com/kimhsiao/routinesync/internal/storage"
	syncpkg "github.com/kimhsiao/routinesync/internal/sync"
	"github.com/kimhsiao/routinesync/internal/sync/conflict"
	"github.com/kimhsiao/routinesync/internal/sync/connectivity"
	"github.com/kimhsiao/routinesync/internal/sync/queue"
	"github.com/kimhsiao/routinesync/internal/sync/realtime"
	"github.com/kimhsiao/routinesync/internal/sync/scheduler"
)

// Options adjust how an App is assembled.
type Options struct {
	// Offline pins the connectivity monitor offline.
	Offline bool

	// Background starts the heartbeat scheduler, the realtime listener and
	// the export scheduler in Start.
	Background bool

	// Remote replaces the HTTP client, mainly for tests.
	Remote remote.Service
}

// App holds the wired components.
type App struct {
	Config      *config.Config
	Store       storage.KeyValueStore
	Remote      remote.Service
	Monitor     *connectivity.Monitor
	Coordinator *syncpkg.Coordinator
	Scheduler   *scheduler.Scheduler
	Listener    *realtime.Listener
	Exports     *export.ExportService
	ExportJobs  *exportsched.Scheduler

	background bool
	closeStore func() error
}

// InitLogging configures the global logger from cfg.
func InitLogging(cfg config.LogConfig, out io.Writer) error {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logging.Init(out, level, logging.Format(cfg.Format))
	return nil
}

// New builds an App. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	store, closeStore, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	svc := opts.Remote
	if svc == nil {
		svc = remote.NewHTTPService(remote.HTTPConfig{
			BaseURL: cfg.Remote.BaseURL,
			Timeout: cfg.Remote.Timeout,
		})
	}

	monitor := connectivity.NewMonitor(true)
	if opts.Offline {
		offline := false
		monitor.SetOverride(&offline)
	}

	coord := syncpkg.New(syncpkg.Options{
		Remote:  svc,
		Store:   store,
		Monitor: monitor,
		Queue: queue.Config{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BackoffBase: cfg.Queue.BackoffBase,
			BackoffMax:  cfg.Queue.BackoffMax,
		},
		Strategy: conflict.ParseStrategy(cfg.Sync.ConflictStrategy),
	})

	a := &App{
		Config:      cfg,
		Store:       store,
		Remote:      svc,
		Monitor:     monitor,
		Coordinator: coord,
		Exports:     export.NewExportService(coord),
		background:  opts.Background,
		closeStore:  closeStore,
	}

	a.Scheduler = scheduler.NewScheduler(coord, svc, monitor, coord.Queue(), &scheduler.SchedulerConfig{
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
		RetryInterval:     cfg.Sync.RetryInterval,
	})

	if cfg.Sync.Realtime && !opts.Offline {
		wsURL, err := realtime.WebSocketURL(cfg.Remote.BaseURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		channel := realtime.NewWSChannel(realtime.WSConfig{URL: wsURL})
		a.Listener = realtime.NewListener(channel, coord, monitor, cfg.Sync.RealtimeWindow)
	}

	format, err := export.ParseFormat(cfg.Export.Format)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ExportJobs = exportsched.NewScheduler(a.Exports, &exportsched.SchedulerConfig{
		Interval:       exportsched.ExportInterval(cfg.Export.Interval),
		RetentionCount: cfg.Export.Retention,
		ExportDir:      cfg.Export.Dir,
		Format:         format,
	})

	return a, nil
}

// Start loads local state and, for background apps, launches the workers.
func (a *App) Start(ctx context.Context) error {
	if err := a.Coordinator.Start(ctx); err != nil {
		return err
	}
	if !a.background {
		return nil
	}

	a.Scheduler.Start(ctx)
	if a.Listener != nil {
		if err := a.Listener.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.ExportJobs.Start(ctx); err != nil {
		return err
	}
	return nil
}

// Close stops the workers and releases the store.
func (a *App) Close() error {
	if a.background {
		if a.ExportJobs != nil {
			a.ExportJobs.Stop()
		}
		if a.Listener != nil {
			a.Listener.Stop()
		}
		a.Scheduler.Stop()
	}
	a.Coordinator.Stop()

	if a.closeStore != nil {
		return a.closeStore()
	}
	return nil
}

// OpenStore opens the configured durable store. The returned func releases
// it.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.KeyValueStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemoryStore(), noop, nil

	case config.DriverFile:
		s, err := storage.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	case config.DriverBolt:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := storage.OpenBoltStore(filepath.Join(cfg.Path, "routinesync.bolt"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.DriverSQLite:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := db.OpenKVStore(filepath.Join(cfg.Path, "routinesync.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.DriverRedis:
		s, err := storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
