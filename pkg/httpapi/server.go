// Package httpapi serves the two routes containers call back into:
// GET /job/:id to fetch a job's body, PUT /job/:id to report status and
// forward progress to the job's callback URL.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/willdady/foreman/pkg/log"
	"github.com/willdady/foreman/pkg/types"
	"github.com/willdady/foreman/pkg/version"
)

// Tracker is the subset of *tracker.Tracker the server needs.
type Tracker interface {
	GetJob(id string) (types.TrackedJob, bool)
	UpdateStatus(id string, status types.JobStatus, progress *float64) error
}

// Server is the job-facing HTTP API (§4.6).
type Server struct {
	addr    string
	tracker Tracker
	client  *http.Client
	logger  zerolog.Logger
	http    *http.Server
}

// New builds a Server bound to addr (host:port) backed by tr.
func New(addr string, tr Tracker) *Server {
	s := &Server{
		addr:    addr,
		tracker: tr,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log.WithComponent("httpapi"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/job/{id}", s.handleGetJob).Methods(http.MethodGet)
	router.HandleFunc("/job/{id}", s.handlePutJob).Methods(http.MethodPut)

	s.http = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// Run blocks, serving until the process exits or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}

// Shutdown gives in-flight requests a grace period to finish (§4.7).
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tj, ok := s.tracker.GetJob(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if tj.Status == types.StatusCompleted {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": "refusing to return job as it's status is 'completed'",
		})
		return
	}

	if tj.Status == types.StatusPending {
		zero := 0.0
		if err := s.tracker.UpdateStatus(id, types.StatusRunning, &zero); err != nil {
			s.logger.Error().Str("job_id", id).Err(err).Msg("pending to running transition failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}

	cj, ok := tj.Job.(*types.ContainerJob)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unsupported job kind"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":   id,
		"body": cj.Body,
	})
}

func (s *Server) handlePutJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	status, err := types.ParseJobStatus(r.Header.Get("X-Foreman-Job-Status"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	progress := parseProgress(r.Header.Get("X-Foreman-Job-Progress"))

	tj, ok := s.tracker.GetJob(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	cj, ok := tj.Job.(*types.ContainerJob)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unsupported job kind"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.forwardCallback(r, cj.CallbackURL, body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// The callback forward happens-before the status update: if it fails
	// the Tracker keeps the pre-update status so the operator sees the
	// stuck state (§5 ordering guarantee).
	if err := s.tracker.UpdateStatus(id, status, progress); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// forwardCallback replays the incoming request to the job's callback URL
// byte-exact, swapping in the agent's own User-Agent.
func (s *Server) forwardCallback(r *http.Request, callbackURL string, body []byte) error {
	req, err := http.NewRequest(http.MethodPut, callbackURL, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header = r.Header.Clone()
	req.Header.Set("User-Agent", userAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding callback: %w", err)
	}
	defer resp.Body.Close()

	s.logger.Info().Str("callback_url", callbackURL).Int("status", resp.StatusCode).Msg("callback forwarded")
	return nil
}

func userAgent() string {
	return fmt.Sprintf("foreman/%s (%s, %s)", version.Version, runtime.GOOS, runtime.GOARCH)
}

// parseProgress returns nil (leave progress unchanged) if raw is empty or
// does not parse as a decimal in [0,1].
func parseProgress(raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return nil
	}
	return &v
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

