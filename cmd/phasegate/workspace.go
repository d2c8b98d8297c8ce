package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/daemon"
	"github.com/msageha/phasegate/internal/lock"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/plan"
	"github.com/msageha/phasegate/internal/setup"
	"github.com/msageha/phasegate/internal/status"
	"github.com/msageha/phasegate/internal/store"
	"github.com/msageha/phasegate/internal/uds"
)

// workspace is a resolved .phasegate directory and its configuration.
type workspace struct {
	dir string
	cfg *config.Config
}

func loadWorkspace() (*workspace, error) {
	dir := workspaceFlag
	if dir == "" {
		dir = setup.FindDir(".")
	}
	if dir == "" {
		return nil, fmt.Errorf("%s/ directory not found; run 'phasegate init' first", setup.DirName)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(filepath.Join(abs, "config.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.Resolve(abs)
	return &workspace{dir: abs, cfg: cfg}, nil
}

func (w *workspace) socketPath() string {
	return filepath.Join(w.dir, uds.DefaultSocketName)
}

// daemonClient returns a client when a daemon answers on the socket, nil
// otherwise.
func (w *workspace) daemonClient(ctx context.Context) *uds.Client {
	if !status.CheckDaemon(ctx, w.socketPath()).Running {
		return nil
	}
	c := uds.NewClient(w.socketPath())
	c.SetTimeout(30 * time.Second)
	return c
}

func (w *workspace) planPath(flag string) string {
	if flag != "" {
		return flag
	}
	return filepath.Join(w.dir, "plan.yaml")
}

func (w *workspace) loadPlan(flag string) (*plan.Plan, error) {
	return plan.Load(w.planPath(flag))
}

// openRepo opens the configured store for read access without a daemon.
func (w *workspace) openRepo() (*store.Repo, func() error, error) {
	kv, err := store.Open(w.cfg.Store, logging.NewNop())
	if err != nil {
		return nil, nil, err
	}
	return store.NewRepo(kv), kv.Close, nil
}

// withRuntime builds an in-process runtime holding the daemon lock, starts
// the run and hands it to fn.
func (w *workspace) withRuntime(ctx context.Context, planFlag string, logger *logging.Logger, fn func(context.Context, *daemon.Runtime) error) error {
	p, err := w.loadPlan(planFlag)
	if err != nil {
		return err
	}

	fl := lock.NewFileLock(filepath.Join(w.dir, "locks", "daemon.lock"))
	if err := fl.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("a daemon is running (pid %d); use the daemon commands instead", lock.HolderPID(fl.Path()))
		}
		return err
	}
	defer func() { _ = fl.Unlock() }()

	rt, err := daemon.NewRuntime(w.dir, w.cfg, p, daemon.RuntimeOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	if _, err := rt.Orchestrator.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, rt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
