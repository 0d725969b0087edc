// Package cli implements the sagalog command line tool.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/emberveil/sagalog/internal/saga/reconcile"
	"github.com/emberveil/sagalog/internal/saga/reconcile/remotefeed"
	"github.com/emberveil/sagalog/internal/saga/snapshot"
	"github.com/emberveil/sagalog/internal/saga/state"
	"github.com/emberveil/sagalog/internal/saga/store"
	"github.com/emberveil/sagalog/internal/saga/store/sqlite"
	"github.com/emberveil/sagalog/internal/saga/template"
)

// Config holds CLI process configuration.
type Config struct {
	DBPath      string `env:"SAGALOG_DB_PATH" envDefault:"sagalog.db"`
	TemplateDir string `env:"SAGALOG_TEMPLATE_DIR" envDefault:"templates"`
	SnapshotDir string `env:"SAGALOG_SNAPSHOT_DIR" envDefault:"snapshots"`
	FeedURL     string `env:"SAGALOG_FEED_URL"`
}

// App holds the wired services behind the CLI commands. Everything is opened
// lazily on first use so read-only commands against a missing feed still work.
type App struct {
	cfg    Config
	logger *slog.Logger

	backend   *sqlite.Store
	instances *store.Instances
	machine   *state.Machine
	snapshots *snapshot.Manager
}

// NewApp creates an App from configuration.
func NewApp(cfg Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Close releases the storage handle if one was opened.
func (a *App) Close() error {
	if a.backend == nil {
		return nil
	}
	return a.backend.Close()
}

func (a *App) open() error {
	if a.backend != nil {
		return nil
	}

	backend, err := sqlite.Open(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	catalog, err := template.LoadYAMLCatalog(os.DirFS(a.cfg.TemplateDir))
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("load template catalog: %w", err)
	}

	snapStore, err := snapshot.NewFileStore(a.cfg.SnapshotDir)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("open snapshot store: %w", err)
	}

	a.backend = backend
	a.instances = store.NewInstances(backend, store.WithLogger(a.logger))
	a.machine = state.NewMachine(catalog, state.WithLogger(a.logger))
	a.snapshots = snapshot.NewManager(a.instances, a.machine, snapStore, snapshot.WithLogger(a.logger))
	return nil
}

func (a *App) reconciler() (*reconcile.Reconciler, error) {
	if a.cfg.FeedURL == "" {
		return nil, fmt.Errorf("SAGALOG_FEED_URL is required for sync")
	}
	feed, err := remotefeed.NewClient(remotefeed.Config{URL: a.cfg.FeedURL}, a.logger)
	if err != nil {
		return nil, err
	}
	return reconcile.New(a.instances, a.machine, feed,
		reconcile.WithLogger(a.logger),
		reconcile.WithSnapshots(a.snapshots)), nil
}
