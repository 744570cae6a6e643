package poller

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willdady/foreman/pkg/types"
)

type fakeTracker struct {
	mu      sync.Mutex
	running int
	inserts []string
}

func (f *fakeTracker) CountRunning() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTracker) Insert(job types.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, job.ID())
}

type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
}

func (f *fakeExecutor) Execute(job *types.ContainerJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, job.JobID)
}

func TestPollInsertsAndExecutesEachJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("User-Agent"), "foreman/")
		assert.Equal(t, "env=prod", r.Header.Get("X-Foreman-Labels"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"j1","image":"alpine","port":8080,"body":{},"callbackUrl":"http://cb","alwaysPull":false}]`))
	}))
	defer srv.Close()

	tr := &fakeTracker{}
	ex := &fakeExecutor{}
	shutdown := &atomic.Bool{}

	p := New(Config{
		URL:               srv.URL,
		Token:             "tok",
		Labels:            map[string]string{"env": "prod"},
		PollFrequency:     time.Hour,
		PollTimeout:       time.Second,
		MaxConcurrentJobs: 10,
	}, tr, ex, shutdown)

	p.poll()

	assert.Equal(t, []string{"j1"}, tr.inserts)
	assert.Equal(t, []string{"j1"}, ex.executed)
}

func TestPollSkipsNonOKResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := &fakeTracker{}
	ex := &fakeExecutor{}
	shutdown := &atomic.Bool{}

	p := New(Config{URL: srv.URL, PollFrequency: time.Hour, PollTimeout: time.Second, MaxConcurrentJobs: 10}, tr, ex, shutdown)
	p.poll()

	assert.Empty(t, tr.inserts)
	assert.Empty(t, ex.executed)
}

func TestRunExitsWhenShutdownFlagSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	tr := &fakeTracker{}
	ex := &fakeExecutor{}
	shutdown := &atomic.Bool{}
	shutdown.Store(true)

	p := New(Config{URL: srv.URL, PollFrequency: time.Millisecond, PollTimeout: time.Second, MaxConcurrentJobs: 10}, tr, ex, shutdown)

	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after shutdown flag was set")
	}
}

func TestRunThrottlesAtConcurrencyCap(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	tr := &fakeTracker{running: 5}
	ex := &fakeExecutor{}
	shutdown := &atomic.Bool{}

	p := New(Config{URL: srv.URL, PollFrequency: 10 * time.Millisecond, PollTimeout: time.Second, MaxConcurrentJobs: 5}, tr, ex, shutdown)

	go p.Run()
	time.Sleep(50 * time.Millisecond)
	shutdown.Store(true)
	time.Sleep(20 * time.Millisecond)

	require.LessOrEqual(t, int(atomic.LoadInt32(&polls)), 0)
}
