// Package app wires the configured store, spawner, port allocator and
// session manager into one context built at startup.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/vanpelt/shellhost/internal/autostart"
	"github.com/vanpelt/shellhost/internal/config"
	"github.com/vanpelt/shellhost/internal/logger"
	"github.com/vanpelt/shellhost/internal/manager"
	"github.com/vanpelt/shellhost/internal/ptyproc"
	"github.com/vanpelt/shellhost/internal/store"
	"github.com/vanpelt/shellhost/internal/templates"
	"github.com/vanpelt/shellhost/internal/workspace"
)

// App holds the process-wide components. Tests build a fresh one each.
type App struct {
	Settings *config.Settings
	Store    store.Store
	Ports    *workspace.PortAllocator
	Manager  *manager.Manager

	templates []templates.Resolved
	log       zerolog.Logger
}

// New builds an App. A nil spawner selects real PTYs.
func New(settings *config.Settings, spawner ptyproc.Spawner) (*App, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if spawner == nil {
		spawner = ptyproc.NewPTYSpawner()
	}

	st, err := OpenStore(settings)
	if err != nil {
		return nil, err
	}

	var tpls []templates.Resolved
	if settings.TemplatesFile != "" {
		if tpls, err = templates.LoadFile(settings.TemplatesFile); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	ports := workspace.NewPortAllocator(settings.WorkspacePortStart, settings.WorkspacePortCount)
	log := logger.For("app")
	mgr := manager.New(manager.Options{
		Spawner:                 spawner,
		Store:                   st,
		Ports:                   ports,
		WorkspaceServiceEnabled: settings.WorkspaceServiceEnabled,
		DefaultShell:            settings.DefaultShell,
		BufferMaxBytes:          settings.BufferMaxBytes,
		InactivityThreshold:     settings.InactivityThreshold,
		SessionTimeout:          settings.SessionTimeout,
		ReapInterval:            settings.ReapInterval,
		AliasPolicy:             aliasPolicy(settings.AliasPolicy),
	})

	return &App{
		Settings:  settings,
		Store:     st,
		Ports:     ports,
		Manager:   mgr,
		templates: tpls,
		log:       log,
	}, nil
}

// OpenStore opens the configured persistence backend.
func OpenStore(settings *config.Settings) (store.Store, error) {
	switch settings.StoreBackend {
	case config.StoreSQLite:
		return store.OpenSQLStore(settings.DatabasePath())
	case config.StoreFile, "":
		return store.NewFileStore(settings.MetadataDir())
	default:
		return nil, fmt.Errorf("unknown store backend %q", settings.StoreBackend)
	}
}

func aliasPolicy(s string) manager.AliasPolicy {
	if s == config.AliasReuse {
		return manager.AliasReuse
	}
	return manager.AliasReject
}

// Templates returns the templates loaded from the configured file.
func (a *App) Templates() []templates.Resolved {
	return a.templates
}

// Template looks up a loaded template by id.
func (a *App) Template(id string) (templates.Resolved, bool) {
	for _, t := range a.templates {
		if t.ID == id {
			return t, true
		}
	}
	return templates.Resolved{}, false
}

// Start restores the archive, watches for external records, auto-starts
// templates and schedules the reaper.
func (a *App) Start(ctx context.Context) error {
	loaded, errs := a.Manager.LoadTerminatedSessionsFromDisk(ctx)
	if len(errs) > 0 {
		a.log.Warn().Int("corrupt", len(errs)).Msg("⚠️ Some archived sessions could not be read")
	}
	a.log.Info().Int("archived", loaded).Msg("📦 Archive restored")

	if err := a.Manager.WatchArchive(ctx); err != nil {
		a.log.Warn().Err(err).Msg("⚠️ Archive watcher unavailable")
	}

	res := autostart.Run(ctx, a.Manager, a.templates)
	if len(res.Failures) > 0 {
		a.log.Warn().Int("failed", len(res.Failures)).Int("started", len(res.Started)).Msg("⚠️ Some templates failed to auto-start")
	}

	return a.Manager.StartReaper()
}

// Close shuts the manager down and closes the store.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Manager.Shutdown(ctx), a.Store.Close())
}
