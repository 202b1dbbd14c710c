// Package job runs the steps of a claimed job on the shared pool and records the job's outcome.
package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"pgagent/internal/annotation"
	"pgagent/internal/mail"
	"pgagent/internal/models"
	"pgagent/internal/pool"
	"pgagent/internal/step"
)

// DefaultWaitInterval is how often a job checks on its running steps
const DefaultWaitInterval = 200 * time.Millisecond

const storeTimeout = 30 * time.Second

// Store records the end of a job run
type Store interface {
	ClearJobAgent(ctx context.Context, jobID int64) error
	FinishJobLog(ctx context.Context, jobLogID int64, status models.JobStatus) error
}

// Submitter runs tasks. *pool.Pool implements it.
type Submitter interface {
	Submit(task pool.Task) (*pool.Handle, error)
}

type Deps struct {
	Pool         Submitter
	Store        Store
	Mailer       mail.Mailer
	Tokens       mail.Tokens
	WaitInterval time.Duration
}

// submitted pairs a step with the handle it was given by the pool
type submitted struct {
	step     *step.Step
	handle   *pool.Handle
	timedOut bool
}

type Job struct {
	ID    int64
	Name  string
	LogID int64

	deps    Deps
	timeout time.Duration
	emailOn []models.JobStatus
	email   mail.Template

	steps    []*step.Step
	buildErr error

	lock      sync.Mutex
	preempted bool
	running   []*submitted

	mu      sync.Mutex
	started time.Time
	status  models.JobStatus
}

// New builds a job from its row. logID is the job log record opened for this run.
func New(deps Deps, row models.JobRow, logID int64) *Job {
	if deps.WaitInterval <= 0 {
		deps.WaitInterval = DefaultWaitInterval
	}
	if deps.Mailer == nil {
		deps.Mailer = mail.Nop{}
	}
	j := &Job{
		ID:    row.ID,
		Name:  row.Name,
		LogID: logID,
		deps:  deps,
	}
	j.applyDirectives(annotation.New(annotation.JobDirectives, row.Description.ValueOrZero()))
	return j
}

func (j *Job) logger() *zerolog.Logger {
	l := log.With().Int64("job_id", j.ID).Int64("job_log_id", j.LogID).Logger()
	return &l
}

func (j *Job) applyDirectives(set annotation.Set) {
	warn := func(name string, err error) {
		j.logger().Warn().Err(err).Str("directive", name).Msg("Ignoring job directive")
	}

	if v, ok, err := set.Duration(annotation.JobTimeout); err != nil {
		warn(annotation.JobTimeout, err)
	} else if ok {
		j.timeout = v
	}
	if v, ok, err := set.List(annotation.EmailOn); err != nil {
		warn(annotation.EmailOn, err)
	} else if ok {
		for _, name := range v {
			status, err := models.ParseJobStatusName(name)
			if err != nil {
				warn(annotation.EmailOn, err)
				continue
			}
			j.emailOn = append(j.emailOn, status)
		}
	}
	if v, ok, err := set.List(annotation.EmailTo); err != nil {
		warn(annotation.EmailTo, err)
	} else if ok {
		j.email.To = v
	}
	if v, ok, err := set.String(annotation.EmailSubject); err != nil {
		warn(annotation.EmailSubject, err)
	} else if ok {
		j.email.Subject = v
	}
	if v, ok, err := set.String(annotation.EmailBody); err != nil {
		warn(annotation.EmailBody, err)
	} else if ok {
		j.email.Body = v
	}
}

// SetSteps gives the job its steps in run order
func (j *Job) SetSteps(steps []*step.Step) {
	j.steps = steps
}

// SetBuildError marks the job as unrunnable. Run will record it as failed.
func (j *Job) SetBuildError(err error) {
	j.buildErr = err
}

// Timeout is the job's own timeout, zero when it has none
func (j *Job) Timeout() time.Duration {
	return j.timeout
}

// Status returns the job's terminal status once it has one
func (j *Job) Status() (models.JobStatus, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, j.status != ""
}

// TimedOut reports whether the job has a timeout and has run for longer than it
func (j *Job) TimedOut(now time.Time) bool {
	if j.timeout <= 0 {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.started.IsZero() && now.Sub(j.started) > j.timeout
}

// Preempt cancels every step the job has submitted and stops it submitting more. The job
// itself notices on its next wake.
func (j *Job) Preempt() {
	j.lock.Lock()
	j.preempted = true
	running := slices.Clone(j.running)
	j.lock.Unlock()

	for _, sub := range running {
		sub.handle.Cancel()
	}
}

func (j *Job) isPreempted() bool {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.preempted
}

// setStatus stores the terminal status. Only the first call has any effect.
func (j *Job) setStatus(status models.JobStatus) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != "" {
		return false
	}
	j.status = status
	return true
}

var errInterrupted = errors.New("job was interrupted")

// Run runs the job's steps, then always clears the claim, closes the job log and sends any
// configured email
func (j *Job) Run(ctx context.Context) {
	logger := j.logger()
	status := models.JobFail
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("Job panicked")
			status = models.JobFail
		}
		j.finish(status)
	}()

	j.mu.Lock()
	j.started = time.Now()
	j.mu.Unlock()
	logger.Info().Str("job", j.Name).Int("steps", len(j.steps)).Msg("Job started")

	if j.buildErr != nil {
		logger.Error().Err(j.buildErr).Msg("Job could not be built")
		return
	}
	status = j.execute(ctx)
}

func (j *Job) execute(ctx context.Context) models.JobStatus {
	var subs []*submitted
	for _, s := range j.steps {
		if !s.Parallel() {
			if err := j.wait(ctx, subs); err != nil {
				return j.abort()
			}
			if failedStep(subs) != nil {
				break
			}
		}
		if j.isPreempted() || ctx.Err() != nil {
			return j.abort()
		}

		s.Submitted(time.Now())
		h, err := j.deps.Pool.Submit(s)
		if err != nil {
			j.logger().Error().Err(err).Int64("step_id", s.ID).Msg("Could not submit step")
			s.Abandon()
			return j.abort()
		}
		sub := &submitted{step: s, handle: h}
		subs = append(subs, sub)

		j.lock.Lock()
		j.running = append(j.running, sub)
		preempted := j.preempted
		j.lock.Unlock()
		if preempted {
			// Preempt ran between the check above and the append
			h.Cancel()
		}
	}
	if err := j.wait(ctx, subs); err != nil {
		return j.abort()
	}

	switch {
	case len(j.steps) == 0:
		return models.JobIgnore
	case failedStep(subs) != nil:
		return models.JobFail
	default:
		return models.JobSucceed
	}
}

// failedStep returns the first finished step that failed under a FAIL policy
func failedStep(subs []*submitted) *step.Step {
	for _, sub := range subs {
		res, ok := sub.step.Result()
		if ok && res.Status == models.StepFail && sub.step.OnError == models.OnErrorFail {
			return sub.step
		}
	}
	return nil
}

// wait blocks until every submitted step is done. It preempts steps that outlive their own
// timeout and gives up, preempting everything, when the job times out or is interrupted.
func (j *Job) wait(ctx context.Context, subs []*submitted) error {
	ticker := time.NewTicker(j.deps.WaitInterval)
	defer ticker.Stop()

	for {
		now := time.Now()
		pending := false
		for _, sub := range subs {
			if sub.handle.IsDone() {
				continue
			}
			pending = true
			if !sub.timedOut && sub.step.TimedOut(now) {
				j.logger().Warn().
					Int64("step_id", sub.step.ID).
					Dur("timeout", sub.step.Timeout()).
					Msg("Step timed out, preempting")
				sub.timedOut = true
				// a step still queued is discarded by the pool
				sub.handle.Cancel()
			}
		}
		// a preempted job aborts even when its last step has already ended
		if j.isPreempted() || ctx.Err() != nil {
			return errInterrupted
		}
		if !pending {
			return nil
		}

		if j.TimedOut(now) {
			j.logger().Warn().Dur("timeout", j.timeout).Msg("Job timed out, preempting its steps")
			return errInterrupted
		}

		select {
		case <-ctx.Done():
			return errInterrupted
		case <-ticker.C:
		}
	}
}

// abort preempts every outstanding step. The pool discards the ones that never got to run, which
// logs them as aborted.
func (j *Job) abort() models.JobStatus {
	j.Preempt()
	return models.JobAborted
}

func (j *Job) finish(status models.JobStatus) {
	logger := j.logger()
	if !j.setStatus(status) {
		return
	}
	defer j.Close()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := j.deps.Store.ClearJobAgent(ctx, j.ID); err != nil {
		logger.Error().Err(err).Msg("Could not clear job claim")
	}
	if err := j.deps.Store.FinishJobLog(ctx, j.LogID, status); err != nil {
		logger.Error().Err(err).Msg("Could not finish job log")
	}

	if slices.Contains(j.emailOn, status) {
		subject, body := j.email.Render(j.deps.Tokens, mail.Values{
			Status:  status.String(),
			JobName: j.Name,
		})
		j.deps.Mailer.Send(ctx, j.email.To, subject, body)
	}

	logger.Info().Str("status", status.String()).Msg("Job complete")
}

// Discard records a job that will never be run as aborted. The pool calls it when the job is
// cancelled before a worker picks it up.
func (j *Job) Discard() {
	j.finish(models.JobAborted)
}

// Close releases what the job's steps hold on to. Run calls it when the job finishes.
func (j *Job) Close() {
	for _, s := range j.steps {
		s.Close()
	}
}
