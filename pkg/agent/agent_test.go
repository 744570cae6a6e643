package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willdady/foreman/pkg/config"
	"github.com/willdady/foreman/pkg/log"
	"github.com/willdady/foreman/pkg/runtime"
	"github.com/willdady/foreman/pkg/tracker"
	"github.com/willdady/foreman/pkg/types"
)

type stubRuntime struct {
	createErr error
}

func (s *stubRuntime) EnsureNetwork(ctx context.Context, name string) error { return nil }
func (s *stubRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	return true, nil
}
func (s *stubRuntime) PullImage(ctx context.Context, image string) error { return nil }
func (s *stubRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) error {
	return s.createErr
}
func (s *stubRuntime) StartContainer(ctx context.Context, name string) (string, error) {
	return "10.0.0.2", nil
}
func (s *stubRuntime) StopContainer(ctx context.Context, name string, timeout int) error { return nil }
func (s *stubRuntime) RemoveContainer(ctx context.Context, name string) error            { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Core: config.Core{
			URL:                    "http://control-plane.example/jobs",
			Hostname:               "agent.local",
			Port:                   3000,
			NetworkName:            "foreman",
			Token:                  "tok",
			PollFrequencyMS:        5000,
			PollTimeoutMS:          30000,
			JobCompletionTimeoutMS: 10000,
			JobRemovalTimeoutMS:    5000,
			MaxConcurrentJobs:      4,
		},
		Docker: config.Docker{StartPort: 40000, EndPort: 40010},
	}
}

func TestNewWiresEveryTask(t *testing.T) {
	a, err := New(testConfig(), &stubRuntime{})
	require.NoError(t, err)

	assert.NotNil(t, a.tracker)
	assert.NotNil(t, a.executor)
	assert.NotNil(t, a.poller)
	assert.NotNil(t, a.reaper)
	assert.NotNil(t, a.server)
}

func TestOnExecuteFailedTransitionsJobToFinished(t *testing.T) {
	tr := tracker.New()
	job := &types.ContainerJob{JobID: "j1"}
	tr.Insert(job)

	fn := onExecuteFailed(tr, log.WithComponent("test"))
	fn("j1", assert.AnError)

	tj, ok := tr.GetJob("j1")
	require.True(t, ok)
	assert.Equal(t, types.StatusFinished, tj.Status)
}

func TestShutdownFlipsFlagWithoutPanicking(t *testing.T) {
	a, err := New(testConfig(), &stubRuntime{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		a.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	assert.True(t, a.shutdown.Load())
}
