package scheduler

import (
	"context"
	"log/slog"
	"time"

	"automation-engine/internal/engine"
	"automation-engine/internal/store"

	"github.com/robfig/cron/v3"
)

// Scheduler drives the time-based work around the engine: a periodic
// sweep that fires stale_check triggers for entities whose next action
// date has passed, and retention pruning of old throttle records.
//
// The dispatcher itself stays synchronous and caller-driven; the
// scheduler is just another caller.
type Scheduler struct {
	repo      *store.Repo
	eng       *engine.Engine
	cron      *cron.Cron
	sweepSpec string
	retention time.Duration
}

// Entity types swept for overdue next_action_date values. Tables
// without that column are skipped.
var sweepEntityTypes = []string{"lead", "deal", "project", "task"}

func New(repo *store.Repo, eng *engine.Engine, sweepSpec string, retentionDays int) *Scheduler {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Scheduler{
		repo:      repo,
		eng:       eng,
		cron:      cron.New(cron.WithSeconds()),
		sweepSpec: sweepSpec,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.sweepSpec, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	// Throttle retention, nightly.
	if _, err := s.cron.AddFunc("0 0 3 * * *", func() { s.pruneThrottle(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Sweep fires a stale_check trigger for every overdue entity. Exported
// so an operator can also run it on demand.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	for _, entityType := range sweepEntityTypes {
		ids, err := s.repo.ListOverdueEntityIDs(ctx, entityType, now, 200)
		if err != nil {
			// Expected for entity tables without a next_action_date column.
			slog.Debug("stale sweep skipped", "entity_type", entityType, "error", err)
			continue
		}
		for _, id := range ids {
			res := s.eng.RunTrigger(ctx, "stale_check", entityType, id, "", nil)
			if len(res.Errors) > 0 {
				slog.Warn("stale sweep trigger had errors", "entity_type", entityType, "entity_id", id, "errors", len(res.Errors))
			}
		}
	}
}

func (s *Scheduler) pruneThrottle(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	if err := s.repo.PruneThrottleBefore(ctx, cutoff); err != nil {
		slog.Warn("throttle prune failed", "error", err)
	}
}
