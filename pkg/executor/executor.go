// Package executor serializes every container-runtime call and owns
// the port pool. It is a single-goroutine actor for the same reason the
// tracker is: the port pool is not safe for concurrent use, so runtime
// calls and port bookkeeping share one sync point.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/willdady/foreman/pkg/log"
	"github.com/willdady/foreman/pkg/network"
	"github.com/willdady/foreman/pkg/runtime"
	"github.com/willdady/foreman/pkg/types"
)

const commandQueueCapacity = 32

// Config configures the Executor's boot-sequence behavior (§4.2, §6.4).
type Config struct {
	NetworkName string
	ExtraHosts  []string
	DefaultEnv  types.EnvVars
	Hostname    string
	Port        int
	StartPort   int
	EndPort     int
}

type command interface{ isCommand() }

type executeCmd struct {
	job *types.ContainerJob
}

func (executeCmd) isCommand() {}

type stopCmd struct {
	id string
}

func (stopCmd) isCommand() {}

type removeCmd struct {
	id string
}

func (removeCmd) isCommand() {}

// ExecutionFailedFunc is invoked when Execute fails after the job was
// already Inserted into the Tracker, so the caller can decide how the
// Tracker should reflect that (see the Execute-failure design note).
type ExecutionFailedFunc func(id string, cause error)

// Executor is the handle other tasks use to reach the runtime actor.
type Executor struct {
	cmds   chan command
	logger zerolog.Logger

	rt        runtime.Runtime
	ports     *network.PortAllocator
	publisher *network.HostPortPublisher
	cfg       Config

	reservedPorts map[string]int // job id -> host port, for Remove's release-if-reserved step

	onExecuteFailed ExecutionFailedFunc
}

// New starts the Executor's goroutine and returns a handle to it. rt is
// the container runtime client (§6.2); onExecuteFailed is called
// whenever Execute fails for a job already present in the Tracker.
func New(rt runtime.Runtime, cfg Config, onExecuteFailed ExecutionFailedFunc) (*Executor, error) {
	ports, err := network.NewPortAllocator(cfg.StartPort, cfg.EndPort)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	e := &Executor{
		cmds:            make(chan command, commandQueueCapacity),
		logger:          log.WithComponent("executor"),
		rt:              rt,
		ports:           ports,
		publisher:       network.NewHostPortPublisher(),
		cfg:             cfg,
		reservedPorts:   make(map[string]int),
		onExecuteFailed: onExecuteFailed,
	}

	if err := rt.EnsureNetwork(context.Background(), cfg.NetworkName); err != nil {
		return nil, fmt.Errorf("executor: ensuring network %s: %w", cfg.NetworkName, err)
	}

	go e.run()
	return e, nil
}

func (e *Executor) run() {
	for cmd := range e.cmds {
		switch c := cmd.(type) {
		case executeCmd:
			e.handleExecute(c.job)
		case stopCmd:
			e.handleStop(c.id)
		case removeCmd:
			e.handleRemove(c.id)
		}
	}
}

// Execute enqueues a job's container boot sequence (§4.2.1).
func (e *Executor) Execute(job *types.ContainerJob) {
	e.cmds <- executeCmd{job: job}
}

// Stop enqueues a stop for the container named job-<id>.
func (e *Executor) Stop(id string) {
	e.cmds <- stopCmd{id: id}
}

// Remove enqueues removal of the container named job-<id>.
func (e *Executor) Remove(id string) {
	e.cmds <- removeCmd{id: id}
}

func (e *Executor) handleExecute(job *types.ContainerJob) {
	ctx := context.Background()
	name := job.ContainerName()
	logger := e.logger.With().Str("job_id", job.JobID).Str("container", name).Logger()

	if err := e.ensureImage(ctx, job); err != nil {
		logger.Error().Err(err).Msg("image pull failed")
		e.fail(job.JobID, err)
		return
	}

	hostPort, err := e.ports.Reserve()
	if err != nil {
		logger.Error().Err(err).Msg("port reservation failed")
		e.fail(job.JobID, err)
		return
	}

	env := e.cfg.DefaultEnv.MergedWith(job.Env)
	env["FOREMAN_GET_JOB_ENDPOINT"] = fmt.Sprintf("http://%s:%d/job/%s", e.cfg.Hostname, e.cfg.Port, job.JobID)
	env["FOREMAN_PUT_JOB_ENDPOINT"] = fmt.Sprintf("http://%s:%d/job/%s", e.cfg.Hostname, e.cfg.Port, job.JobID)

	spec := runtime.ContainerSpec{
		Name:          name,
		Image:         job.Image,
		Command:       job.Command,
		Env:           env.ToSlice(),
		ContainerPort: job.Port,
		ExtraHosts:    e.cfg.ExtraHosts,
		NetworkName:   e.cfg.NetworkName,
		Labels:        map[string]string{"managed-by": "foreman"},
	}

	if err := e.rt.CreateContainer(ctx, spec); err != nil {
		logger.Error().Err(err).Msg("create container failed")
		e.releasePort(job.JobID, hostPort)
		e.fail(job.JobID, err)
		return
	}

	containerIP, err := e.rt.StartContainer(ctx, name)
	if err != nil {
		logger.Error().Err(err).Msg("start container failed")
		e.releasePort(job.JobID, hostPort)
		e.fail(job.JobID, err)
		return
	}

	if err := e.publisher.Publish(name, containerIP, hostPort, job.Port); err != nil {
		logger.Error().Err(err).Msg("publishing host port failed")
		e.releasePort(job.JobID, hostPort)
		e.fail(job.JobID, err)
		return
	}

	e.reservedPorts[job.JobID] = hostPort
	logger.Info().Int("host_port", hostPort).Msg("container started")
	// The Executor does not wait for the container to finish: the
	// Running->Completed edge is driven by the container's own PUT, and
	// timeouts are driven by the Reaper.
}

func (e *Executor) ensureImage(ctx context.Context, job *types.ContainerJob) error {
	if job.AlwaysPull {
		return e.rt.PullImage(ctx, job.Image)
	}
	exists, err := e.rt.ImageExists(ctx, job.Image)
	if err != nil {
		return fmt.Errorf("checking image presence: %w", err)
	}
	if exists {
		return nil
	}
	return e.rt.PullImage(ctx, job.Image)
}

func (e *Executor) releasePort(jobID string, port int) {
	if err := e.ports.Release(port); err != nil {
		e.logger.Warn().Str("job_id", jobID).Err(err).Msg("releasing port after failed execute")
	}
}

func (e *Executor) fail(jobID string, cause error) {
	if e.onExecuteFailed != nil {
		e.onExecuteFailed(jobID, cause)
	}
}

func (e *Executor) handleStop(id string) {
	name := "job-" + id
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.rt.StopContainer(ctx, name, 0); err != nil {
		e.logger.Error().Str("job_id", id).Err(err).Msg("stop failed")
		return
	}
	e.publisher.Unpublish(name)
	if port, ok := e.reservedPorts[id]; ok {
		if err := e.ports.Release(port); err != nil {
			e.logger.Warn().Str("job_id", id).Err(err).Msg("releasing port on stop")
		}
		delete(e.reservedPorts, id)
	}
	e.logger.Info().Str("job_id", id).Msg("container stopped")
}

func (e *Executor) handleRemove(id string) {
	name := "job-" + id
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.rt.RemoveContainer(ctx, name); err != nil {
		e.logger.Error().Str("job_id", id).Err(err).Msg("remove failed")
		return
	}
	if port, ok := e.reservedPorts[id]; ok {
		if err := e.ports.Release(port); err != nil {
			e.logger.Warn().Str("job_id", id).Err(err).Msg("releasing port on remove")
		}
		delete(e.reservedPorts, id)
	}
	e.logger.Info().Str("job_id", id).Msg("container removed")
}
