package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willdady/foreman/pkg/types"
)

func newBody(s string) io.Reader { return strings.NewReader(s) }

func readAll(r *http.Request) ([]byte, error) { return io.ReadAll(r.Body) }

type fakeTracker struct {
	mu     sync.Mutex
	jobs   map[string]types.TrackedJob
	errs   map[string]error
	updates []update
}

type update struct {
	id       string
	status   types.JobStatus
	progress *float64
}

func (f *fakeTracker) GetJob(id string) (types.TrackedJob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tj, ok := f.jobs[id]
	return tj, ok
}

func (f *fakeTracker) UpdateStatus(id string, status types.JobStatus, progress *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[id]; ok {
		return err
	}
	f.updates = append(f.updates, update{id: id, status: status, progress: progress})
	tj := f.jobs[id]
	tj.Status = status
	if progress != nil {
		tj.Progress = *progress
	}
	f.jobs[id] = tj
	return nil
}

func TestGetJobNotFound(t *testing.T) {
	tr := &fakeTracker{jobs: map[string]types.TrackedJob{}}
	srv := New("127.0.0.1:0", tr)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/job/missing", nil)
	srv.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobRefusesCompleted(t *testing.T) {
	job := &types.ContainerJob{JobID: "j1", Body: json.RawMessage(`{"x":1}`)}
	tr := &fakeTracker{jobs: map[string]types.TrackedJob{
		"j1": {Job: job, Status: types.StatusCompleted},
	}}
	srv := New("127.0.0.1:0", tr)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/job/j1", nil)
	srv.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetJobTransitionsPendingToRunning(t *testing.T) {
	job := &types.ContainerJob{JobID: "j1", Body: json.RawMessage(`{"x":1}`)}
	tr := &fakeTracker{jobs: map[string]types.TrackedJob{
		"j1": {Job: job, Status: types.StatusPending},
	}}
	srv := New("127.0.0.1:0", tr)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/job/j1", nil)
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, tr.updates, 1)
	assert.Equal(t, types.StatusRunning, tr.updates[0].status)
	assert.Equal(t, 0.0, *tr.updates[0].progress)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, "j1", decoded["id"])
}

func TestPutJobMissingStatusHeaderIsBadRequest(t *testing.T) {
	tr := &fakeTracker{jobs: map[string]types.TrackedJob{}}
	srv := New("127.0.0.1:0", tr)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/job/j1", nil)
	srv.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutJobForwardsCallbackAndUpdatesStatus(t *testing.T) {
	var gotBody []byte
	var gotUA string
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotBody, _ = readAll(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer cb.Close()

	job := &types.ContainerJob{JobID: "j1", CallbackURL: cb.URL, Body: json.RawMessage(`{}`)}
	tr := &fakeTracker{jobs: map[string]types.TrackedJob{
		"j1": {Job: job, Status: types.StatusRunning},
	}}
	srv := New("127.0.0.1:0", tr)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/job/j1", newBody(`{"progress":"half done"}`))
	req.Header.Set("X-Foreman-Job-Status", "completed")
	req.Header.Set("X-Foreman-Job-Progress", "0.5")
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"progress":"half done"}`, string(gotBody))
	assert.Contains(t, gotUA, "foreman/")
	require.Len(t, tr.updates, 1)
	assert.Equal(t, types.StatusCompleted, tr.updates[0].status)
	assert.Equal(t, 0.5, *tr.updates[0].progress)
}

func TestPutJobUnknownIdIs404(t *testing.T) {
	tr := &fakeTracker{jobs: map[string]types.TrackedJob{}}
	srv := New("127.0.0.1:0", tr)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/job/missing", newBody(`{}`))
	req.Header.Set("X-Foreman-Job-Status", "running")
	srv.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
