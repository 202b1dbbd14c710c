// Package api serves the agent's status and accepts kill requests over HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"pgagent/internal/agent"
	"pgagent/internal/queue"
)

type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Jobs is the view of the agent the server needs
type Jobs interface {
	Snapshot() []agent.JobInfo
	Kill(jobID int64) bool
}

// Forwarder passes kill requests on to the other agents
type Forwarder interface {
	Publish(ctx context.Context, request queue.KillRequest) error
}

// Workers reports the load on the worker pool
type Workers interface {
	Size() int
	InFlight() int
	Queued() int
}

type Server struct {
	ctx     context.Context
	agentID string
	jobs    Jobs
	forward Forwarder
	workers Workers
	router  *chi.Mux
}

// New creates the API server. forward may be nil, in which case kill requests for jobs that are
// not running here are answered with 404.
func New(ctx context.Context, agentID string, jobs Jobs, forward Forwarder) *Server {
	s := &Server{
		ctx:     ctx,
		agentID: agentID,
		jobs:    jobs,
		forward: forward,
		router:  chi.NewRouter(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Mount("/jobs", NewJobRouter(s))
	})

	return s
}

// WithWorkers adds the pool's load to the health report
func (s *Server) WithWorkers(w Workers) *Server {
	s.workers = w
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type workersResponse struct {
	Size   int `json:"size"`
	Busy   int `json:"busy"`
	Queued int `json:"queued"`
}

type healthResponse struct {
	Status  string           `json:"status"`
	AgentID string           `json:"agent_id"`
	Running int              `json:"running"`
	Workers *workersResponse `json:"workers,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	running := 0
	for _, info := range s.jobs.Snapshot() {
		if info.Running {
			running++
		}
	}
	resp := healthResponse{Status: "ok", AgentID: s.agentID, Running: running}
	if s.workers != nil {
		resp.Workers = &workersResponse{
			Size:   s.workers.Size(),
			Busy:   s.workers.InFlight(),
			Queued: s.workers.Queued(),
		}
	}
	serveJson(w, http.StatusOK, resp)
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}
