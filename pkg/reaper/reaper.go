// Package reaper drives jobs through their terminal lifecycle
// transitions: completed/timed-out to Stopped, stopped-and-expired to
// Finished, and the shutdown drain sequence.
package reaper

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/willdady/foreman/pkg/log"
	"github.com/willdady/foreman/pkg/types"
)

const tickInterval = 500 * time.Millisecond

// Config configures reaper timeouts (§6.4).
type Config struct {
	CompletionTimeout        time.Duration
	RemovalTimeout           time.Duration
	RemoveStoppedOnTerminate bool
}

// Tracker is the subset of *tracker.Tracker the Reaper needs.
type Tracker interface {
	GetIdsByStatus(status types.JobStatus) []string
	GetTimedOutIds(completionTimeout time.Duration) []string
	GetStoppedAndExpiredIds(removalTimeout time.Duration) []string
	UpdateStatus(id string, status types.JobStatus, progress *float64) error
}

// Executor is the subset of *executor.Executor the Reaper needs.
type Executor interface {
	Stop(id string)
	Remove(id string)
}

// Reaper is the lifecycle-draining task.
type Reaper struct {
	cfg      Config
	tracker  Tracker
	executor Executor
	logger   zerolog.Logger
	shutdown *atomic.Bool
}

// New constructs a Reaper. shutdown is the process-wide shutdown flag
// shared with the Poller (§4.7).
func New(cfg Config, tr Tracker, ex Executor, shutdown *atomic.Bool) *Reaper {
	return &Reaper{
		cfg:      cfg,
		tracker:  tr,
		executor: ex,
		logger:   log.WithComponent("reaper"),
		shutdown: shutdown,
	}
}

// Run blocks, iterating every 500ms until the shutdown drain sequence
// completes (§4.4).
func (r *Reaper) Run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for range ticker.C {
		r.tick()
		if r.shutdown.Load() && r.drainComplete() {
			r.logger.Info().Msg("reaper drain complete, exiting")
			return
		}
	}
}

func (r *Reaper) tick() {
	for _, id := range r.tracker.GetIdsByStatus(types.StatusCompleted) {
		r.stopThenTransition(id)
	}
	for _, id := range r.tracker.GetTimedOutIds(r.cfg.CompletionTimeout) {
		r.stopThenTransition(id)
	}
	for _, id := range r.tracker.GetStoppedAndExpiredIds(r.cfg.RemovalTimeout) {
		r.removeThenTransition(id)
	}

	if r.shutdown.Load() {
		r.drain()
	}
}

// drain implements the shutdown sequence (§4.4 step 4): every Running
// job is stopped, and if configured, every Stopped job is removed.
func (r *Reaper) drain() {
	for _, id := range r.tracker.GetIdsByStatus(types.StatusRunning) {
		r.stopThenTransition(id)
	}
	if r.cfg.RemoveStoppedOnTerminate {
		for _, id := range r.tracker.GetIdsByStatus(types.StatusStopped) {
			r.removeThenTransition(id)
		}
	}
}

func (r *Reaper) drainComplete() bool {
	running := r.tracker.GetIdsByStatus(types.StatusRunning)
	stopped := r.tracker.GetIdsByStatus(types.StatusStopped)
	if len(running) > 0 {
		return false
	}
	if r.cfg.RemoveStoppedOnTerminate && len(stopped) > 0 {
		return false
	}
	return true
}

// stopThenTransition issues Stop before the status transition. The two
// are not atomic (§4.4 ordering note); the Tracker tolerates a duplicate
// edge to the same state, and the Executor tolerates Stop on an
// already-gone container.
func (r *Reaper) stopThenTransition(id string) {
	r.executor.Stop(id)
	if err := r.tracker.UpdateStatus(id, types.StatusStopped, nil); err != nil {
		r.logger.Error().Str("job_id", id).Err(err).Msg("transition to stopped failed")
	}
}

func (r *Reaper) removeThenTransition(id string) {
	r.executor.Remove(id)
	if err := r.tracker.UpdateStatus(id, types.StatusFinished, nil); err != nil {
		r.logger.Error().Str("job_id", id).Err(err).Msg("transition to finished failed")
	}
}
