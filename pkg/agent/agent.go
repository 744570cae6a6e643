// Package agent wires the Tracker, Executor, Poller, Reaper and HTTP
// server into one running process and drives the shutdown sequence
// shared between them.
package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/willdady/foreman/pkg/config"
	"github.com/willdady/foreman/pkg/executor"
	"github.com/willdady/foreman/pkg/httpapi"
	"github.com/willdady/foreman/pkg/log"
	"github.com/willdady/foreman/pkg/poller"
	"github.com/willdady/foreman/pkg/reaper"
	"github.com/willdady/foreman/pkg/runtime"
	"github.com/willdady/foreman/pkg/tracker"
	"github.com/willdady/foreman/pkg/types"
)

// shutdownGrace is the window given to in-flight HTTP requests and the
// drain sequence before process exit (§4.7, "≈ 3s").
const shutdownGrace = 3 * time.Second

// Agent owns the five long-lived tasks and the shutdown flag they share.
type Agent struct {
	tracker  *tracker.Tracker
	executor *executor.Executor
	poller   *poller.Poller
	reaper   *reaper.Reaper
	server   *httpapi.Server

	shutdown *atomic.Bool
	logger   zerolog.Logger
}

// New builds an Agent from cfg, using rt as the container runtime client.
func New(cfg *config.Config, rt runtime.Runtime) (*Agent, error) {
	shutdown := &atomic.Bool{}
	logger := log.WithComponent("agent")

	tr := tracker.New()

	defaultEnv := types.EnvVars(cfg.Core.Env)

	ex, err := executor.New(rt, executor.Config{
		NetworkName: cfg.Core.NetworkName,
		ExtraHosts:  cfg.Core.ExtraHosts,
		DefaultEnv:  defaultEnv,
		Hostname:    cfg.Core.Hostname,
		Port:        cfg.Core.Port,
		StartPort:   cfg.Docker.StartPort,
		EndPort:     cfg.Docker.EndPort,
	}, onExecuteFailed(tr, logger))
	if err != nil {
		return nil, fmt.Errorf("agent: constructing executor: %w", err)
	}

	p := poller.New(poller.Config{
		URL:               cfg.Core.URL,
		Token:             cfg.Core.Token,
		Labels:            cfg.Core.Labels,
		PollFrequency:     time.Duration(cfg.Core.PollFrequencyMS) * time.Millisecond,
		PollTimeout:       time.Duration(cfg.Core.PollTimeoutMS) * time.Millisecond,
		MaxConcurrentJobs: cfg.Core.MaxConcurrentJobs,
	}, tr, ex, shutdown)

	rp := reaper.New(reaper.Config{
		CompletionTimeout:        time.Duration(cfg.Core.JobCompletionTimeoutMS) * time.Millisecond,
		RemovalTimeout:           time.Duration(cfg.Core.JobRemovalTimeoutMS) * time.Millisecond,
		RemoveStoppedOnTerminate: cfg.Core.RemoveStoppedContainersOnTerm,
	}, tr, ex, shutdown)

	srv := httpapi.New(fmt.Sprintf("0.0.0.0:%d", cfg.Core.Port), tr)

	return &Agent{
		tracker:  tr,
		executor: ex,
		poller:   p,
		reaper:   rp,
		server:   srv,
		shutdown: shutdown,
		logger:   logger,
	}, nil
}

// onExecuteFailed resolves the Execute-after-Insert failure case by
// transitioning the job straight to Finished; there is no container to
// stop, so Stopped would be a fiction.
func onExecuteFailed(tr *tracker.Tracker, logger zerolog.Logger) executor.ExecutionFailedFunc {
	return func(id string, cause error) {
		if err := tr.UpdateStatus(id, types.StatusFinished, nil); err != nil {
			logger.Error().Str("job_id", id).Err(cause).Err(err).Msg("finishing job after execute failure also failed")
			return
		}
		logger.Warn().Str("job_id", id).Err(cause).Msg("job finished without running: execute failed")
	}
}

// Run starts the Poller and Reaper in background goroutines and blocks
// serving HTTP until the server stops (normally via Shutdown).
func (a *Agent) Run() error {
	go a.poller.Run()
	go a.reaper.Run()
	return a.server.Run()
}

// Shutdown flips the shared shutdown flag, then gives the HTTP server and
// drain sequence a grace period before returning.
func (a *Agent) Shutdown() {
	a.logger.Info().Msg("shutdown requested")
	a.shutdown.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("http server shutdown error")
	}
	// Hold the rest of the grace window so the Reaper's drain can run
	// before the caller exits the process.
	<-ctx.Done()
}
