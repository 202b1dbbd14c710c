package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"pgagent/internal/queue"
)

type JobRouter struct {
	server *Server
	router chi.Router
}

func (j *JobRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	j.router.ServeHTTP(w, r)
}

func NewJobRouter(server *Server) *JobRouter {
	j := &JobRouter{
		server: server,
		router: chi.NewRouter(),
	}
	j.router.Get("/", j.ListJobs)
	j.router.Get("/{jobID}", j.GetJob)
	j.router.Post("/{jobID}/kill", j.KillJob)

	return j
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (j *JobRouter) ListJobs(w http.ResponseWriter, _ *http.Request) {
	serveJson(w, http.StatusOK, j.server.jobs.Snapshot())
}

func (j *JobRouter) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	for _, info := range j.server.jobs.Snapshot() {
		if info.JobID == id {
			serveJson(w, http.StatusOK, info)
			return
		}
	}
	http.Error(w, "job is not registered with this agent", http.StatusNotFound)
}

// KillJob kills the job if it runs here, otherwise forwards the request to the other agents
func (j *JobRouter) KillJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	var payload KillJobRequest
	if r.ContentLength != 0 {
		if err := readJson(w, r, &payload); err != nil {
			return
		}
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if j.server.jobs.Kill(id) {
		serveJson(w, http.StatusOK, KillJobResponse{JobID: id, Killed: true})
		return
	}

	if j.server.forward == nil {
		http.Error(w, "job is not running on this agent", http.StatusNotFound)
		return
	}
	err := j.server.forward.Publish(r.Context(), queue.KillRequest{JobID: id, Reason: payload.Reason})
	if err != nil {
		log.Error().Err(err).Int64("job_id", id).Msg("Could not forward kill request")
		http.Error(w, "could not forward kill request", http.StatusBadGateway)
		return
	}
	serveJson(w, http.StatusAccepted, KillJobResponse{JobID: id, Forwarded: true})
}
