package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensyftbox/syftbox/pkg/events"
	"github.com/opensyftbox/syftbox/pkg/permission"
	"github.com/opensyftbox/syftbox/pkg/rpc"
	"github.com/opensyftbox/syftbox/pkg/sync"
	"github.com/opensyftbox/syftbox/pkg/workspace"
)

// daemon owns the workspace lock and runs the sync engine's poll loop
// alongside the app event dispatcher.
type daemon struct {
	cfg       *datasiteConfig
	workspace *workspace.Workspace
	engine    *permission.Engine
	client    *rpc.Client
	syncer    *sync.Engine
	apps      *events.SyftEvents
}

func newDaemon(cfg *datasiteConfig) (*daemon, error) {
	ws := workspace.New(cfg.DataDir)
	if err := ws.CreateDirs(); err != nil {
		return nil, fmt.Errorf("daemon: create workspace: %w", err)
	}

	locked, err := ws.Lock()
	if err != nil {
		return nil, fmt.Errorf("daemon: lock workspace: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("daemon: another datasite instance already owns %s", ws.Root)
	}

	engine := permission.NewEngine()
	if err := engine.LoadTree(ws.DatasitesDir); err != nil {
		slog.Warn("daemon: permission tree load", "error", err)
	}

	transport := sync.NewHTTPTransport(cfg.ServerURL, cfg.AuthToken)
	syncer := sync.NewEngine(ws, transport)
	client := rpc.New(cfg.Email, ws)

	d := &daemon{
		cfg:       cfg,
		workspace: ws,
		engine:    engine,
		client:    client,
		syncer:    syncer,
	}

	if cfg.AppsEnable {
		d.apps = events.New("datasite", cfg.Email, ws, client)
		d.apps.Engine = engine
	}

	return d, nil
}

// Run drives the sync poll loop and the app event dispatcher until ctx is
// canceled (typically by SIGINT/SIGTERM).
func (d *daemon) Run(ctx context.Context) error {
	defer d.workspace.Unlock()

	if d.apps != nil {
		if err := d.apps.Start(); err != nil {
			return fmt.Errorf("daemon: start event dispatcher: %w", err)
		}
		defer d.apps.Stop()
	}

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	if _, err := d.syncer.RunOnce(ctx); err != nil {
		if errors.Is(err, sync.ErrSyncEnvironment) {
			return fmt.Errorf("daemon: initial sync: %w", err)
		}
		slog.Error("daemon: initial sync", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changes, err := d.syncer.RunOnce(ctx)
			if err != nil {
				if errors.Is(err, sync.ErrSyncEnvironment) {
					return fmt.Errorf("daemon: sync pass: %w", err)
				}
				slog.Error("daemon: sync pass", "error", err)
				continue
			}
			if len(changes) > 0 {
				slog.Info("daemon: sync pass applied changes", "count", len(changes))
			}
			if err := d.engine.LoadTree(d.workspace.DatasitesDir); err != nil {
				slog.Warn("daemon: permission tree reload", "error", err)
			}
		}
	}
}
