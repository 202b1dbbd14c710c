// Package agent is the polling loop that claims due jobs, runs them on the shared pool and
// reacts to kill requests.
package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"pgagent/internal/job"
	"pgagent/internal/mail"
	"pgagent/internal/models"
	"pgagent/internal/step"
)

// Store is everything the agent needs from the pgagent schema
type Store interface {
	job.Store
	step.Logger

	// EnsureConnected checks the primary connection, reopening it if it is gone. It reports
	// whether a new connection was opened.
	EnsureConnected(ctx context.Context) (bool, error)
	// Cleanup clears the claims of dead agents and registers this one
	Cleanup(ctx context.Context) error
	ClaimJobs(ctx context.Context) ([]models.JobRow, error)
	LoadSteps(ctx context.Context, jobID int64) ([]models.StepRow, error)
	StartJobLog(ctx context.Context, jobID int64) (int64, error)
}

// KillSource delivers requests to kill running jobs
type KillSource interface {
	EnsureConnected(ctx context.Context) error
	// Drain returns the job ids requested since the last call without blocking for new ones
	Drain(ctx context.Context) ([]int64, error)
}

type Config struct {
	PollInterval  time.Duration
	RetryInterval time.Duration
	WaitInterval  time.Duration
	// CleanupSchedule is a cron expression on which cleanup is requested. Empty disables it.
	CleanupSchedule string
}

type Deps struct {
	Store     Store
	Pool      job.Submitter
	Kills     []KillSource
	Connector step.Connector
	Mailer    mail.Mailer
	Tokens    mail.Tokens
	Defaults  step.Target
}

type Agent struct {
	ID string

	conf     Config
	deps     Deps
	jobDeps  job.Deps
	stepDeps step.Deps
	registry *Registry

	cleanup atomic.Bool
}

func New(conf Config, deps Deps) *Agent {
	if conf.PollInterval <= 0 {
		conf.PollInterval = 10 * time.Second
	}
	if conf.RetryInterval <= 0 {
		conf.RetryInterval = 30 * time.Second
	}
	if deps.Mailer == nil {
		deps.Mailer = mail.Nop{}
	}

	a := &Agent{
		ID:       uuid.New().String(),
		conf:     conf,
		deps:     deps,
		registry: NewRegistry(),
		jobDeps: job.Deps{
			Pool:         deps.Pool,
			Store:        deps.Store,
			Mailer:       deps.Mailer,
			Tokens:       deps.Tokens,
			WaitInterval: conf.WaitInterval,
		},
		stepDeps: step.Deps{
			Connector: deps.Connector,
			Log:       deps.Store,
			Mailer:    deps.Mailer,
			Tokens:    deps.Tokens,
			Defaults:  deps.Defaults,
		},
	}
	// first iteration registers the agent
	a.cleanup.Store(true)
	return a
}

func (a *Agent) Registry() *Registry {
	return a.registry
}

// Snapshot lists the jobs this agent has submitted since the last cleanup
func (a *Agent) Snapshot() []JobInfo {
	return a.registry.Snapshot()
}

// RequestCleanup marks cleanup as due. The next iteration runs it once.
func (a *Agent) RequestCleanup() {
	a.cleanup.CompareAndSwap(false, true)
}

// Kill preempts a running job. It reports whether the job was running here.
func (a *Agent) Kill(jobID int64) bool {
	if a.registry.Kill(jobID) {
		log.Info().Int64("job_id", jobID).Msg("Killing job")
		return true
	}
	log.Info().Int64("job_id", jobID).Msg("Kill requested for a job that is not running")
	return false
}

// Run loops until ctx is cancelled. Errors never end the loop: they are logged, cleanup is
// requested and the next iteration waits for the retry interval. Jobs still running when ctx is
// cancelled are killed.
func (a *Agent) Run(ctx context.Context) error {
	if a.conf.CleanupSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(a.conf.CleanupSchedule, a.RequestCleanup); err != nil {
			return fmt.Errorf("invalid cleanup schedule %q: %w", a.conf.CleanupSchedule, err)
		}
		c.Start()
		defer func() {
			<-c.Stop().Done()
		}()
	}

	log.Info().
		Str("agent_id", a.ID).
		Dur("poll_interval", a.conf.PollInterval).
		Msg("Agent started")

	for {
		wait := a.conf.PollInterval
		if err := a.safeIterate(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("agent_id", a.ID).Msg("Error encountered in the main loop")
			a.RequestCleanup()
			wait = a.conf.RetryInterval
		}

		select {
		case <-ctx.Done():
			n := a.registry.KillAll()
			log.Info().Str("agent_id", a.ID).Int("killed", n).Msg("Agent stopping")
			return nil
		case <-time.After(wait):
		}
	}
}

func (a *Agent) safeIterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return a.Iterate(ctx)
}

// Iterate is a single pass of the loop: check connections, handle kill requests, clean up if
// due, then claim and submit new jobs
func (a *Agent) Iterate(ctx context.Context) error {
	reconnected, err := a.deps.Store.EnsureConnected(ctx)
	if err != nil {
		return fmt.Errorf("primary connection: %w", err)
	}
	if reconnected {
		a.RequestCleanup()
	}

	for _, src := range a.deps.Kills {
		if err := src.EnsureConnected(ctx); err != nil {
			return fmt.Errorf("kill source connection: %w", err)
		}
		ids, err := src.Drain(ctx)
		if err != nil {
			return fmt.Errorf("could not read kill requests: %w", err)
		}
		for _, id := range ids {
			a.Kill(id)
		}
	}

	if err := a.runCleanup(ctx); err != nil {
		return err
	}
	return a.runJobs(ctx)
}

func (a *Agent) runCleanup(ctx context.Context) error {
	if !a.cleanup.CompareAndSwap(true, false) {
		log.Debug().Msg("Cleanup unnecessary")
		return nil
	}
	if err := a.deps.Store.Cleanup(ctx); err != nil {
		a.cleanup.Store(true)
		return fmt.Errorf("cleanup: %w", err)
	}
	n := a.registry.Sweep()
	log.Debug().Int("removed", n).Int("remaining", a.registry.Len()).Msg("Cleaned up")
	return nil
}

func (a *Agent) runJobs(ctx context.Context) error {
	rows, err := a.deps.Store.ClaimJobs(ctx)
	if err != nil {
		return fmt.Errorf("could not claim jobs: %w", err)
	}

	for i, row := range rows {
		j, err := a.build(ctx, row)
		if err != nil {
			log.Error().Err(err).Int64("job_id", row.ID).Msg("Could not start job")
			a.release(ctx, rows[i:i+1])
			continue
		}

		h, err := a.deps.Pool.Submit(j)
		if err != nil {
			j.Discard()
			a.release(ctx, rows[i+1:])
			return fmt.Errorf("could not submit job %d: %w", row.ID, err)
		}
		a.registry.Put(Entry{Job: j, Handle: h, Submitted: time.Now()})
		log.Debug().Int64("job_id", row.ID).Int64("job_log_id", j.LogID).Msg("Submitted job")
	}
	return nil
}

// release clears the claims on jobs that were claimed but will not be run
func (a *Agent) release(ctx context.Context, rows []models.JobRow) {
	for _, row := range rows {
		if err := a.deps.Store.ClearJobAgent(ctx, row.ID); err != nil {
			log.Error().Err(err).Int64("job_id", row.ID).Msg("Could not clear job claim")
		}
	}
}

// build opens the job's log and loads its steps. A job whose steps cannot be built is still
// returned, marked to fail when run.
func (a *Agent) build(ctx context.Context, row models.JobRow) (*job.Job, error) {
	logID, err := a.deps.Store.StartJobLog(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("could not start job log: %w", err)
	}
	j := job.New(a.jobDeps, row, logID)

	stepRows, err := a.deps.Store.LoadSteps(ctx, row.ID)
	if err != nil {
		j.SetBuildError(fmt.Errorf("could not load steps: %w", err))
		return j, nil
	}

	ref := step.JobRef{ID: row.ID, LogID: logID, Name: row.Name}
	steps := make([]*step.Step, 0, len(stepRows))
	for _, sr := range stepRows {
		s, err := step.New(a.stepDeps, ref, sr)
		if err != nil {
			for _, built := range steps {
				built.Close()
			}
			j.SetBuildError(err)
			return j, nil
		}
		steps = append(steps, s)
	}
	j.SetSteps(steps)
	return j, nil
}
