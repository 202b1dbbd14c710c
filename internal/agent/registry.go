package agent

import (
	"slices"
	"sync"
	"time"

	"pgagent/internal/job"
	"pgagent/internal/pool"
)

// Entry is a submitted job and the handle the pool gave it
type Entry struct {
	Job       *job.Job
	Handle    *pool.Handle
	Submitted time.Time
}

// JobInfo is a point-in-time view of a registered job
type JobInfo struct {
	JobID     int64     `json:"job_id"`
	LogID     int64     `json:"log_id"`
	Name      string    `json:"name"`
	Submitted time.Time `json:"submitted"`
	Running   bool      `json:"running"`
	Status    string    `json:"status,omitempty"`
}

// Registry tracks the jobs this agent has submitted, keyed by job id
type Registry struct {
	mu      sync.Mutex
	entries map[int64]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]Entry)}
}

// Put records the entry under its job's id, replacing any earlier run of the same job
func (r *Registry) Put(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Job.ID] = e
}

func (r *Registry) Get(jobID int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	return e, ok
}

// Kill removes the job and cancels its handle, which preempts its running steps. It reports
// whether the job was registered.
func (r *Registry) Kill(jobID int64) bool {
	r.mu.Lock()
	e, ok := r.entries[jobID]
	delete(r.entries, jobID)
	r.mu.Unlock()

	if ok {
		e.Handle.Cancel()
	}
	return ok
}

// KillAll kills every registered job and returns how many there were
func (r *Registry) KillAll() int {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[int64]Entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.Handle.Cancel()
	}
	return len(entries)
}

// Sweep drops the entries whose runs are done and returns how many it dropped
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.entries {
		if e.Handle.IsDone() {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot lists the registered jobs ordered by job id
func (r *Registry) Snapshot() []JobInfo {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	infos := make([]JobInfo, 0, len(entries))
	for _, e := range entries {
		info := JobInfo{
			JobID:     e.Job.ID,
			LogID:     e.Job.LogID,
			Name:      e.Job.Name,
			Submitted: e.Submitted,
			Running:   !e.Handle.IsDone(),
		}
		if status, ok := e.Job.Status(); ok {
			info.Status = status.String()
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b JobInfo) int {
		switch {
		case a.JobID < b.JobID:
			return -1
		case a.JobID > b.JobID:
			return 1
		}
		return 0
	})
	return infos
}
