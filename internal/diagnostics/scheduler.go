// Package diagnostics - periodic commit-log dump (spec §4.J)
//
// What: A cron-scheduled job that periodically writes the commit log's
// chain to a file, purely for operational visibility. It is not a
// correctness component of the core and is disabled unless the config's
// diagnostics.enabled is set (spec §4.J "disabled by default, optional via
// config").
// How: github.com/robfig/cron/v3, in tinySQL's internal/storage/
// scheduler.go idiom (cron.New, AddFunc, Start/Stop) trimmed down to a
// single recurring job instead of a general job catalog — this core has
// exactly one scheduled task, so the catalog/executor-interface machinery
// tinySQL built for arbitrary SQL jobs has no work to do here.
// Why: dump_to is the one read-only, side-effect-free commit-log operation
// worth exposing as a background job; everything else tinySQL's
// scheduler supports (INTERVAL/ONCE jobs, per-job timeouts, catch-up) has
// no analogue in a single fixed dump job.
package diagnostics

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/gmucore/gmukv/internal/commitlog"
)

// Scheduler periodically dumps a CommitLog's chain to a file.
type Scheduler struct {
	log  *commitlog.CommitLog
	path string

	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewScheduler builds a Scheduler that will dump commitLog's chain to path
// on the given cron schedule (e.g. "@every 1m", or a standard 5-field
// expression).
func NewScheduler(commitLog *commitlog.CommitLog, path, schedule string) (*Scheduler, error) {
	s := &Scheduler{
		log:  commitLog,
		path: path,
		cron: cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, s.dump); err != nil {
		return nil, fmt.Errorf("diagnostics: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the scheduler loop. Idempotent: calling Start twice is a
// no-op on the second call.
func (s *Scheduler) Start(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	log.Printf("diagnostics: commit-log dump scheduler started, writing to %s", s.path)
}

// Stop halts the scheduler and waits for any in-flight dump to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
}

// dump writes the commit log's current chain to s.path, overwriting any
// previous dump. A failure is logged, never panicked or propagated: a
// diagnostics job must never take the process down.
func (s *Scheduler) dump() {
	f, err := os.Create(s.path)
	if err != nil {
		log.Printf("diagnostics: dump: open %s: %v", s.path, err)
		return
	}
	defer f.Close()

	if err := s.log.DumpTo(f); err != nil {
		log.Printf("diagnostics: dump: write %s: %v", s.path, err)
	}
}
