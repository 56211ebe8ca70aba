// Package schedule runs the periodic reconcile pass.
package schedule

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	appLog "recurd/internal/log"
	"recurd/internal/service"
)

// Reconciler is the part of service.Service the runner drives.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (service.ReconcileStats, error)
}

// Runner calls ReconcileAll on a cron schedule. A pass that is still
// running when the next one is due causes that next one to be skipped.
type Runner struct {
	cron *cron.Cron
	rec  Reconciler

	mu      sync.Mutex
	ctx     context.Context
	running bool
}

// New parses spec (standard 5-field cron) and prepares a runner.
func New(spec string, rec Reconciler) (*Runner, error) {
	r := &Runner{
		cron: cron.New(),
		rec:  rec,
		ctx:  context.Background(),
	}
	if _, err := r.cron.AddFunc(spec, r.tick); err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", spec, err)
	}
	return r, nil
}

// Start begins scheduling. Passes run with ctx.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
	appLog.Info("reconcile scheduler started", "next", r.cron.Entries()[0].Next)
}

// Stop halts scheduling and waits for a running pass to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	appLog.Info("reconcile scheduler stopped")
}

// RunOnce performs a pass immediately unless one is already running.
// It reports whether a pass ran.
func (r *Runner) RunOnce() bool {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		appLog.Debug("reconcile pass skipped; previous pass still running")
		return false
	}
	r.running = true
	ctx := r.ctx
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if _, err := r.rec.ReconcileAll(ctx); err != nil {
		appLog.Error("reconcile pass finished with errors", err)
	}
	return true
}

func (r *Runner) tick() { r.RunOnce() }
