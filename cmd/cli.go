package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/volback/internal/config"
	"github.com/MimeLyc/volback/internal/engine"
	"github.com/MimeLyc/volback/internal/httpapi"
	"github.com/MimeLyc/volback/internal/ledger"
	"github.com/MimeLyc/volback/internal/metrics"
	"github.com/MimeLyc/volback/internal/notify"
	"github.com/MimeLyc/volback/internal/persistence"
	"github.com/MimeLyc/volback/internal/service"
	"github.com/MimeLyc/volback/internal/volume"
	"github.com/MimeLyc/volback/pkg/log"
)

// errRunFailed marks a run that completed but had failing repositories.
var errRunFailed = errors.New("backup finished with errors")

// historyDB holds the run history next to the ledger.
const historyDB = "volback.db"

const shutdownTimeout = 10 * time.Second

// Global is shared by every command.
type Global struct {
	Context context.Context
	Stdout  io.Writer
}

type CLI struct {
	Verbose int      `short:"v" type:"counter" help:"Increase verbosity level (repeatable)"`
	Notify  bool     `short:"n" help:"Send a desktop notification when done"`
	Device  []string `short:"d" placeholder:"NAME" help:"Limit to the given volumes (repeatable)"`
	Repo    []string `short:"r" placeholder:"NAME" help:"Limit to the given repos (repeatable)"`
	Config  string   `short:"c" placeholder:"PATH" default:"${config_path}" help:"Read config from the given file"`
	Umount  bool     `short:"u" help:"Force unmount of the volumes when done"`

	Backup  BackupCmd  `cmd:"" default:"1" help:"Back up the due directories of the configured repos"`
	List    ListCmd    `cmd:"" help:"Show the configured volumes and repos"`
	Inspect InspectCmd `cmd:"" help:"Like list, with the restic snapshots of every repo"`
	History HistoryCmd `cmd:"" help:"Show recent backup and prune runs"`
	Daemon  DaemonCmd  `cmd:"" help:"Run backups on a cron schedule until interrupted"`
}

func (c *CLI) options() service.Options {
	return service.Options{
		Devices:      c.Device,
		Repos:        c.Repo,
		ForceUnmount: c.Umount,
		Notify:       c.Notify,
	}
}

type BackupCmd struct{}

func (b *BackupCmd) Run(g *Global, root *CLI) error {
	a, err := newApp(root)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.svc.Backup(g.Context, root.options())
	if err != nil {
		return err
	}
	if !summary.OK {
		return errRunFailed
	}
	return nil
}

type ListCmd struct {
	Details bool `short:"l" help:"Include the restic snapshots"`
}

func (l *ListCmd) Run(g *Global, root *CLI) error {
	a, err := newApp(root)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.svc.List(g.Context, g.Stdout, root.options(), l.Details)
}

type InspectCmd struct{}

func (i *InspectCmd) Run(g *Global, root *CLI) error {
	a, err := newApp(root)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.svc.Inspect(g.Context, g.Stdout, root.options())
}

type HistoryCmd struct {
	Limit int `default:"20" help:"Number of runs to show"`
}

func (h *HistoryCmd) Run(g *Global, root *CLI) error {
	a, err := newApp(root)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.svc.History(g.Context, g.Stdout, h.Limit)
}

type DaemonCmd struct {
	Schedule string `placeholder:"EXPR" help:"Cron expression; defaults to schedule from the config"`
	Listen   string `placeholder:"ADDR" help:"Serve status, run history and metrics over HTTP on this address"`
}

func (d *DaemonCmd) Run(g *Global, root *CLI) error {
	a, err := newApp(root)
	if err != nil {
		return err
	}
	defer a.Close()

	expr := d.Schedule
	if expr == "" {
		expr = a.cfg.Schedule
	}
	c := cron.New()
	if err := a.svc.Schedule(g.Context, c, expr, root.options()); err != nil {
		return err
	}
	c.Start()

	var srv *httpapi.Server
	if d.Listen != "" {
		srv = httpapi.NewServer(a.svc, a.history,
			httpapi.WithMetrics(a.recorder.Gatherer()),
			httpapi.WithRunOptions(root.options()),
			httpapi.WithLogger(a.logger),
			httpapi.WithBaseContext(g.Context),
		)
		go func() {
			a.logger.Info("Status server listening on %s", d.Listen)
			if err := srv.ListenAndServe(d.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Status server stopped: %v", err)
			}
		}()
	}
	a.logger.Info("Daemon started, waiting for shutdown signal")

	<-g.Context.Done()
	a.logger.Info("Shutdown signal received, waiting for the running backup")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("Status server shutdown: %v", err)
		}
	}
	<-c.Stop().Done()
	return nil
}

// app is the wiring shared by all commands.
type app struct {
	cfg      *config.Config
	svc      *service.Service
	logger   *log.Logger
	history  *persistence.SQLiteStore
	recorder *metrics.PrometheusRecorder
	closers  []io.Closer
}

func newApp(root *CLI) (*app, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, service.WrapError(err, service.ErrConfig, "could not load config")
	}
	a := &app{cfg: cfg}

	logger, err := newLogger(root.Verbose, cfg.LogFile)
	if err != nil {
		return nil, service.WrapError(err, service.ErrConfig, "could not open log file")
	}
	a.logger = logger
	a.closers = append(a.closers, logger)

	password, err := cfg.Password()
	if err != nil {
		a.Close()
		return nil, service.WrapError(err, service.ErrConfig, "could not determine a password for restic")
	}
	driver, err := volume.NewDriver(cfg.Probe, cfg.Timeouts.Mount)
	if err != nil {
		a.Close()
		return nil, service.WrapError(err, service.ErrConfig, "invalid probe")
	}

	history, err := persistence.NewSQLiteStore(filepath.Join(cfg.StateDir, historyDB))
	if err != nil {
		a.Close()
		return nil, service.WrapError(err, service.ErrLedger, "could not open run history")
	}
	a.history = history
	a.closers = append(a.closers, history)

	store, err := a.ledgerStore(history)
	if err != nil {
		a.Close()
		return nil, service.WrapError(err, service.ErrLedger, "could not open ledger")
	}

	a.recorder = metrics.NewPrometheusRecorder(nil)

	a.svc, err = service.New(cfg, service.Deps{
		Ledger: store,
		Engine: engine.NewRestic(cfg.Restic, password, engine.Timeouts{
			Backup:    cfg.Timeouts.Backup,
			Prune:     cfg.Timeouts.Prune,
			Snapshots: cfg.Timeouts.Mount,
		}, logger),
		Open: service.VolumeOpener(volume.Options{
			LockDir: cfg.StateDir,
			Driver:  driver,
			Settle:  volume.DefaultSettle,
			Logger:  logger,
		}),
		Notifier: notify.NewDesktop(),
		Metrics:  a.recorder,
		History:  history,
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Debug("Config: %s, state dir %s, ledger %s (%s)", cfg.Path(), cfg.StateDir, cfg.Ledger.Path, cfg.Ledger.Driver)
	return a, nil
}

func (a *app) ledgerStore(history *persistence.SQLiteStore) (ledger.Store, error) {
	if a.cfg.Ledger.Driver != config.LedgerSQLite {
		return ledger.NewFileStore(a.cfg.Ledger.Path), nil
	}
	if a.cfg.Ledger.Path == filepath.Join(a.cfg.StateDir, historyDB) {
		return history, nil
	}
	store, err := persistence.NewSQLiteStore(a.cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store)
	return store, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	a.closers = nil
}

// newLogger picks the level from -v, or LOG_LEVEL when no -v is given, and
// writes to logFile when set.
func newLogger(verbose int, logFile string) (*log.Logger, error) {
	level := log.LevelFromVerbosity(verbose)
	if env := os.Getenv("LOG_LEVEL"); verbose == 0 && env != "" {
		level = log.ParseLevel(env)
	}
	if logFile == "" {
		return log.New(level, os.Stderr), nil
	}
	l, err := log.NewFileLogger(logFile, level)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logFile, err)
	}
	return l, nil
}
