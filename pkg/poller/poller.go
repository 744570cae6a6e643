// Package poller pulls batches of jobs from the control plane and
// dispatches each to the Tracker and Executor.
package poller

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/willdady/foreman/pkg/log"
	"github.com/willdady/foreman/pkg/types"
	"github.com/willdady/foreman/pkg/version"
)

// Config configures the poll loop (§4.3, §6.1).
type Config struct {
	URL                string
	Token              string
	Labels             map[string]string
	PollFrequency      time.Duration
	PollTimeout        time.Duration
	MaxConcurrentJobs  int
}

// Tracker is the subset of *tracker.Tracker the Poller needs.
type Tracker interface {
	CountRunning() int
	Insert(job types.Job)
}

// Executor is the subset of *executor.Executor the Poller needs.
type Executor interface {
	Execute(job *types.ContainerJob)
}

// Poller is the control-plane polling task.
type Poller struct {
	cfg      Config
	tracker  Tracker
	executor Executor
	client   *http.Client
	logger   zerolog.Logger

	shutdown *atomic.Bool
}

// New constructs a Poller. shutdown is the process-wide shutdown flag
// shared with the Reaper (§4.7).
func New(cfg Config, tr Tracker, ex Executor, shutdown *atomic.Bool) *Poller {
	return &Poller{
		cfg:      cfg,
		tracker:  tr,
		executor: ex,
		client:   &http.Client{Timeout: cfg.PollTimeout},
		logger:   log.WithComponent("poller"),
		shutdown: shutdown,
	}
}

// Run blocks, polling at cfg.PollFrequency until the shutdown flag is
// observed set.
func (p *Poller) Run() {
	for {
		if p.shutdown.Load() {
			p.logger.Info().Msg("poller observed shutdown, exiting")
			return
		}

		if running := p.tracker.CountRunning(); running >= p.cfg.MaxConcurrentJobs {
			p.logger.Debug().Int("running", running).Msg("at concurrency cap, skipping poll")
			time.Sleep(p.cfg.PollFrequency)
			continue
		}

		p.poll()
		time.Sleep(p.cfg.PollFrequency)
	}
}

// poll performs one GET against the control plane and dispatches every
// job returned. Admission is checked once per batch above, not per job
// (§9 open question): a batch larger than the remaining headroom can
// transiently push Running above maxConcurrentJobs.
func (p *Poller) poll() {
	req, err := http.NewRequest(http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		p.logger.Error().Err(err).Msg("building poll request failed")
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("X-Foreman-Labels", encodeLabels(p.cfg.Labels))

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error().Err(err).Msg("poll request failed")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.logger.Error().Err(err).Msg("reading poll response failed")
		return
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Error().Int("status", resp.StatusCode).Msg("poll returned non-200")
		return
	}

	jobs, err := types.DecodeJobs(body)
	if err != nil {
		p.logger.Error().Err(err).Msg("decoding poll response failed")
		return
	}

	for _, job := range jobs {
		cj, ok := job.(*types.ContainerJob)
		if !ok {
			p.logger.Warn().Str("kind", string(job.Kind())).Msg("unsupported job kind skipped")
			continue
		}
		p.tracker.Insert(job)
		p.executor.Execute(cj)
	}
}

func userAgent() string {
	return fmt.Sprintf("foreman/%s (%s, %s)", version.Version, runtime.GOOS, runtime.GOARCH)
}

// encodeLabels serializes a label map as "k1=v1,k2=v2" with URL-encoded
// values, in a stable (sorted) order per run.
func encodeLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+url.QueryEscape(labels[k]))
	}
	return strings.Join(parts, ",")
}
