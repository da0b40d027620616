package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snowcoder/snow/internal/config"
)

// Janitor removes expired sessions on a cron schedule and garbage
// collects snapshot indexes and blobs nothing references anymore.
type Janitor struct {
	cron      *cron.Cron
	store     *Store
	snapshots *Snapshots
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// JanitorStats reports one sweep.
type JanitorStats struct {
	SessionsRemoved int
	SweepStats
}

// NewJanitor validates the schedule up front so a typo fails at
// startup rather than silently never running.
func NewJanitor(store *Store, snapshots *Snapshots, cfg config.SessionsConfig, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		store:     store,
		snapshots: snapshots,
		logger:    logger.With("component", "janitor"),
		now:       time.Now,
	}
	if cfg.RetentionDays > 0 {
		j.retention = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.JanitorSchedule, func() {
		stats, err := j.Sweep()
		if err != nil {
			j.logger.Error("sweep failed", "error", err)
			return
		}
		if stats.SessionsRemoved > 0 || stats.BlobsRemoved > 0 || stats.IndexesRemoved > 0 {
			j.logger.Info("sweep complete",
				"sessions_removed", stats.SessionsRemoved,
				"indexes_removed", stats.IndexesRemoved,
				"blobs_removed", stats.BlobsRemoved,
			)
		}
	}); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", cfg.JanitorSchedule, err)
	}
	j.cron = c
	return j, nil
}

// Start begins running sweeps on the schedule.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() { <-j.cron.Stop().Done() }

// Sweep runs one pass: expire stale sessions (when retention is set),
// then drop snapshot state for sessions that no longer exist.
func (j *Janitor) Sweep() (JanitorStats, error) {
	var stats JanitorStats

	headers, _, err := j.store.List(ListOptions{})
	if err != nil {
		return stats, err
	}

	cutoff := j.now().Add(-j.retention)
	live := make(map[string]bool, len(headers))
	for _, h := range headers {
		if j.retention > 0 && h.UpdatedAt.Before(cutoff) {
			if err := j.store.Delete(h.ID); err != nil {
				j.logger.Warn("expire failed", "session_id", h.ID, "error", err)
				live[h.ID] = true
				continue
			}
			stats.SessionsRemoved++
			continue
		}
		live[h.ID] = true
	}

	snapStats, err := j.snapshots.Sweep(live)
	stats.SweepStats = snapStats
	return stats, err
}
