// Package reloader periodically hot-reloads pricing rules from the
// repository so edits made by other instances reach this engine.
package reloader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Loader reloads the rules of the global tenant and of tenantIDs.
type Loader interface {
	ReloadAll(ctx context.Context, tenantIDs []string) error
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Reloader runs a Loader on a cron schedule.
type Reloader struct {
	c       *cron.Cron
	loader  Loader
	tenants []string
	timeout time.Duration

	mu      sync.Mutex
	runs    int
	lastErr error
	running bool
}

// New creates a reloader for schedule, e.g. "@every 1m" or "*/5 * * * *".
func New(schedule string, loader Loader, tenants []string) (*Reloader, error) {
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid reload schedule %q: %w", schedule, err)
	}

	r := &Reloader{
		c:       cron.New(cron.WithParser(parser)),
		loader:  loader,
		tenants: tenants,
		timeout: 30 * time.Second,
	}
	r.c.Schedule(sched, r)
	return r, nil
}

// Run reloads once. Overlapping runs are skipped.
func (r *Reloader) Run() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		slog.Warn("rule reload still running, skipping")
		return
	}
	r.running = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	start := time.Now()
	err := r.loader.ReloadAll(ctx, r.tenants)

	r.mu.Lock()
	r.running = false
	r.runs++
	r.lastErr = err
	r.mu.Unlock()

	if err != nil {
		slog.Error("scheduled rule reload failed", "error", err)
		return
	}
	slog.Debug("scheduled rule reload done",
		"tenant_count", len(r.tenants)+1,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Start begins running on schedule.
func (r *Reloader) Start() {
	r.c.Start()
	slog.Info("rule reloader started", "entries", len(r.c.Entries()))
}

// Stop stops the schedule and waits for a running reload to finish.
func (r *Reloader) Stop() {
	<-r.c.Stop().Done()
}

// Runs returns the number of completed reloads and the last error.
func (r *Reloader) Runs() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, r.lastErr
}
