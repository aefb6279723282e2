package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/stageflow/internal/config"
	"github.com/lucasnoah/stageflow/internal/db"
	"github.com/lucasnoah/stageflow/internal/lease"
	"github.com/lucasnoah/stageflow/internal/logging"
	"github.com/lucasnoah/stageflow/internal/pipeline"
	"github.com/lucasnoah/stageflow/internal/stage"
	"github.com/lucasnoah/stageflow/internal/worktree"
)

// app bundles the host-level services every command needs.
type app struct {
	settings *config.Settings
	log      *logrus.Logger
	store    pipeline.Backend
	history  *db.DB
	closers  []func()
}

// openApp loads settings and opens the workflow store and event history.
// Call close when done.
func openApp(ctx context.Context, logOut io.Writer) (*app, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	level := settings.LogLevel
	if level == "" {
		level = "warn"
	}
	a := &app{settings: settings, log: logging.New(level, logOut)}

	if settings.PostgresDSN != "" {
		pg, err := pipeline.OpenPG(ctx, settings.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.store = pg
		a.closers = append(a.closers, pg.Close)
	} else {
		a.store = pipeline.NewStore(settings.WorkflowsDir())
	}

	history, err := db.Open(settings.DBPath())
	if err != nil {
		a.close()
		return nil, err
	}
	if err := history.Migrate(); err != nil {
		history.Close()
		a.close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.history = history
	a.closers = append(a.closers, func() { history.Close() })
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// controlDir is where pause and cancel files for a workflow live. It is
// on local disk even when state is kept in Postgres.
func (a *app) controlDir(workflowID string) string {
	return filepath.Join(a.settings.WorkflowsDir(), workflowID)
}

// registry returns a registry holding the built-in stages.
func (a *app) registry() (*stage.Registry, error) {
	reg := stage.NewRegistry(a.log)
	if err := reg.Discover(stage.Builtins(stage.Tools{})...); err != nil {
		return nil, err
	}
	return reg, nil
}

// allocator builds the lease allocator for a pipeline config.
func (a *app) allocator(cfg *config.PipelineConfig) (*lease.Allocator, error) {
	p := cfg.Pipeline
	repo, err := filepath.Abs(p.Repo)
	if err != nil {
		return nil, fmt.Errorf("resolve repo: %w", err)
	}
	trees := p.WorktreeDir
	if !filepath.IsAbs(trees) {
		if trees, err = filepath.Abs(trees); err != nil {
			return nil, fmt.Errorf("resolve worktree dir: %w", err)
		}
	}
	wt := worktree.NewManager(&worktree.ExecGit{}, repo, trees).WithBaseBranch(p.BaseBranch)
	return lease.New(lease.Config{
		Range:     p.Ports.Range(),
		ClaimDir:  a.settings.LeasesDir(),
		Worktrees: wt,
		Store:     a.store,
		Logger:    a.log,
	})
}

// loadPipelineConfig reads path, or the default locations, falling back to
// the built-in pipeline when no file exists.
func loadPipelineConfig(path, home string) (*config.PipelineConfig, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.LoadDefault(home)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Builtin(), nil
	}
	return cfg, err
}
