// Package tracker maintains the job registry and lifecycle state
// machine. It is a single-goroutine actor: all mutation and querying
// happens inside one loop that processes commands strictly in receive
// order, which is what lets the rest of the agent treat state
// transitions as totally ordered without per-entry locking.
package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/willdady/foreman/pkg/log"
	"github.com/willdady/foreman/pkg/types"
)

// ErrUnknownJob is returned when a command references an id with no
// TrackedJob.
var ErrUnknownJob = errors.New("tracker: unknown job")

// ErrIllegalTransition is returned when UpdateStatus is asked to move a
// job to a status the state machine does not permit from its current
// status.
var ErrIllegalTransition = errors.New("tracker: illegal status transition")

// commandQueueCapacity is the bounded channel size shared by every task
// boundary in the agent (§5: "capacity 32").
const commandQueueCapacity = 32

type command interface{ isCommand() }

type insertCmd struct {
	job types.Job
}

func (insertCmd) isCommand() {}

type getJobCmd struct {
	id    string
	reply chan<- getJobResult
}

func (getJobCmd) isCommand() {}

type getJobResult struct {
	job types.TrackedJob
	ok  bool
}

type updateStatusCmd struct {
	id       string
	status   types.JobStatus
	progress *float64
	reply    chan<- error
}

func (updateStatusCmd) isCommand() {}

type getIdsByStatusCmd struct {
	status types.JobStatus
	reply  chan<- []string
}

func (getIdsByStatusCmd) isCommand() {}

type getTimedOutIdsCmd struct {
	completionTimeout time.Duration
	reply             chan<- []string
}

func (getTimedOutIdsCmd) isCommand() {}

type getStoppedAndExpiredIdsCmd struct {
	removalTimeout time.Duration
	reply          chan<- []string
}

func (getStoppedAndExpiredIdsCmd) isCommand() {}

type countRunningCmd struct {
	reply chan<- int
}

func (countRunningCmd) isCommand() {}

// Tracker is the handle other tasks use to reach the registry actor.
// All methods send a command and block for its reply; none touch the
// registry directly.
type Tracker struct {
	cmds   chan command
	logger zerolog.Logger
}

// New starts the Tracker's goroutine and returns a handle to it.
func New() *Tracker {
	t := &Tracker{
		cmds:   make(chan command, commandQueueCapacity),
		logger: log.WithComponent("tracker"),
	}
	go t.run()
	return t
}

func (t *Tracker) run() {
	jobs := make(map[string]*types.TrackedJob)

	for cmd := range t.cmds {
		switch c := cmd.(type) {
		case insertCmd:
			t.handleInsert(jobs, c)
		case getJobCmd:
			t.handleGetJob(jobs, c)
		case updateStatusCmd:
			t.handleUpdateStatus(jobs, c)
		case getIdsByStatusCmd:
			c.reply <- idsByStatus(jobs, c.status, nil)
		case getTimedOutIdsCmd:
			c.reply <- t.timedOutIds(jobs, c.completionTimeout)
		case getStoppedAndExpiredIdsCmd:
			c.reply <- t.stoppedAndExpiredIds(jobs, c.removalTimeout)
		case countRunningCmd:
			c.reply <- len(idsByStatus(jobs, types.StatusRunning, nil))
		}
	}
}

func (t *Tracker) handleInsert(jobs map[string]*types.TrackedJob, c insertCmd) {
	id := c.job.ID()
	if _, exists := jobs[id]; exists {
		t.logger.Warn().Str("job_id", id).Msg("duplicate insert dropped")
		return
	}
	jobs[id] = &types.TrackedJob{
		Job:       c.job,
		Status:    types.StatusPending,
		Progress:  0,
		StartTime: time.Now(),
	}
}

func (t *Tracker) handleGetJob(jobs map[string]*types.TrackedJob, c getJobCmd) {
	tj, ok := jobs[c.id]
	if !ok {
		c.reply <- getJobResult{}
		return
	}
	c.reply <- getJobResult{job: tj.Clone(), ok: true}
}

func (t *Tracker) handleUpdateStatus(jobs map[string]*types.TrackedJob, c updateStatusCmd) {
	tj, ok := jobs[c.id]
	if !ok {
		c.reply <- fmt.Errorf("%w: %s", ErrUnknownJob, c.id)
		return
	}

	if tj.Status != c.status {
		if !isLegalTransition(tj.Status, c.status) {
			c.reply <- fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, tj.Status, c.status)
			return
		}
		now := time.Now()
		switch c.status {
		case types.StatusCompleted:
			tj.CompletedTime = &now
		case types.StatusStopped:
			tj.StoppedTime = &now
		case types.StatusFinished:
			tj.FinishedTime = &now
		}
		tj.Status = c.status
	}

	if c.progress != nil {
		tj.Progress = *c.progress
	}

	c.reply <- nil
}

// isLegalTransition reports whether moving from cur to next is allowed
// by the state diagram (§3). A job already at next is handled by the
// caller as a no-op before reaching here.
func isLegalTransition(cur, next types.JobStatus) bool {
	switch cur {
	case types.StatusPending:
		// Finished is reachable directly from Pending when Execute fails
		// after Insert (see the Execute-failure design note); Stopped is
		// accepted from Pending as well.
		return next == types.StatusRunning || next == types.StatusStopped || next == types.StatusFinished
	case types.StatusRunning:
		return next == types.StatusCompleted || next == types.StatusStopped
	case types.StatusCompleted:
		return next == types.StatusStopped
	case types.StatusStopped:
		return next == types.StatusFinished
	case types.StatusFinished:
		return false
	default:
		return false
	}
}

func idsByStatus(jobs map[string]*types.TrackedJob, status types.JobStatus, out []string) []string {
	for id, tj := range jobs {
		if tj.Status == status {
			out = append(out, id)
		}
	}
	return out
}

func (t *Tracker) timedOutIds(jobs map[string]*types.TrackedJob, completionTimeout time.Duration) []string {
	var out []string
	now := time.Now()
	for id, tj := range jobs {
		if tj.Status == types.StatusRunning && now.Sub(tj.StartTime) > completionTimeout {
			out = append(out, id)
		}
	}
	return out
}

func (t *Tracker) stoppedAndExpiredIds(jobs map[string]*types.TrackedJob, removalTimeout time.Duration) []string {
	var out []string
	now := time.Now()
	for id, tj := range jobs {
		if tj.Status == types.StatusStopped && tj.StoppedTime != nil && now.Sub(*tj.StoppedTime) > removalTimeout {
			out = append(out, id)
		}
	}
	return out
}

// Insert records a new job at status Pending. A second Insert for the
// same id is dropped and logged, not an error.
func (t *Tracker) Insert(job types.Job) {
	t.cmds <- insertCmd{job: job}
}

// GetJob returns a value-copy snapshot of the TrackedJob, if present.
func (t *Tracker) GetJob(id string) (types.TrackedJob, bool) {
	reply := make(chan getJobResult, 1)
	t.cmds <- getJobCmd{id: id, reply: reply}
	res := <-reply
	return res.job, res.ok
}

// UpdateStatus validates and applies a status transition, optionally
// updating progress in the same call.
func (t *Tracker) UpdateStatus(id string, status types.JobStatus, progress *float64) error {
	reply := make(chan error, 1)
	t.cmds <- updateStatusCmd{id: id, status: status, progress: progress, reply: reply}
	return <-reply
}

// GetIdsByStatus returns every id currently at status.
func (t *Tracker) GetIdsByStatus(status types.JobStatus) []string {
	reply := make(chan []string, 1)
	t.cmds <- getIdsByStatusCmd{status: status, reply: reply}
	return <-reply
}

// GetTimedOutIds returns Running ids whose startTime is older than
// completionTimeout.
func (t *Tracker) GetTimedOutIds(completionTimeout time.Duration) []string {
	reply := make(chan []string, 1)
	t.cmds <- getTimedOutIdsCmd{completionTimeout: completionTimeout, reply: reply}
	return <-reply
}

// GetStoppedAndExpiredIds returns Stopped ids whose stoppedTime is older
// than removalTimeout.
func (t *Tracker) GetStoppedAndExpiredIds(removalTimeout time.Duration) []string {
	reply := make(chan []string, 1)
	t.cmds <- getStoppedAndExpiredIdsCmd{removalTimeout: removalTimeout, reply: reply}
	return <-reply
}

// CountRunning returns the number of jobs currently at status Running.
func (t *Tracker) CountRunning() int {
	reply := make(chan int, 1)
	t.cmds <- countRunningCmd{reply: reply}
	return <-reply
}
