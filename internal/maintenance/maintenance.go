package maintenance

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/luisarev/mensajero/internal/qrwindow"
	"github.com/luisarev/mensajero/internal/ratelimit"
	"github.com/luisarev/mensajero/internal/registry"
)

// DefaultInterval between unattended full resets.
const DefaultInterval = 24 * time.Hour

// Runner periodically returns the whole gateway to a blank slate: every
// session torn down, all counters and armed timers cleared, persisted
// credentials and upload scratch files removed.
type Runner struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	qr       *qrwindow.Controller
	authDir  string
	scratch  string
	interval time.Duration
}

func NewRunner(reg *registry.Registry, limiter *ratelimit.Limiter, qr *qrwindow.Controller, authDir, scratchDir string, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Runner{
		registry: reg,
		limiter:  limiter,
		qr:       qr,
		authDir:  authDir,
		scratch:  scratchDir,
		interval: interval,
	}
}

// Start launches the reset loop. Stop by cancelling the context.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.FullReset(ctx)
			}
		}
	}()
}

// FullReset tears down every account and wipes persisted state. Safe to run
// concurrently with request traffic: each account goes through the same
// synchronized teardown path a logout uses, one key at a time.
func (r *Runner) FullReset(ctx context.Context) {
	log.Printf("maintenance: full reset starting")
	r.registry.TeardownAll(ctx)
	r.limiter.ForgetAll()
	if r.qr != nil {
		r.qr.DisarmAll()
	}

	// Credential dirs for saved-but-inactive accounts are not covered by
	// the per-key teardowns above.
	removeContents(r.authDir)
	r.CleanScratch()
	log.Printf("maintenance: full reset complete")
}

// CleanScratch removes leftover transient upload files. Called once at
// process start to sweep up after a crash, then as part of every full reset.
func (r *Runner) CleanScratch() {
	if r.scratch == "" {
		return
	}
	removeContents(r.scratch)
	if err := os.MkdirAll(r.scratch, 0o755); err != nil {
		log.Printf("maintenance: recreate scratch dir %s: %v", r.scratch, err)
	}
}

// removeContents deletes everything under dir but keeps dir itself. Failures
// are logged and skipped; a stuck file must not abort the rest of the sweep.
func removeContents(dir string) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("maintenance: read %s: %v", dir, err)
		}
		return
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Printf("maintenance: remove %s: %v", path, err)
		}
	}
}
