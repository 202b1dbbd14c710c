// Package step builds and runs a single job step, either a SQL statement run once per resolved
// credential or a batch script run as a child process.
package step

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"pgagent/internal/annotation"
	"pgagent/internal/mail"
	"pgagent/internal/models"
)

// Target is where, and as whom, a SQL step connects. ConnStr, when set, is the base the other
// fields override.
type Target struct {
	ConnStr  string
	Host     string
	Port     int
	Database string
	Login    string
	Password string
	SSLMode  string
}

// Session is one open connection used by a SQL step
type Session interface {
	Exec(ctx context.Context, code string) error
	Credentials(ctx context.Context, query string) ([]models.Credential, error)
	Close() error
}

// Connector opens step sessions. notice receives every message the server reports while the
// session is open.
type Connector interface {
	Open(ctx context.Context, target Target, notice func(string)) (Session, error)
}

// Logger persists the step log
type Logger interface {
	StartStepLog(ctx context.Context, jobLogID, stepID int64) (int64, error)
	FinishStepLog(ctx context.Context, stepLogID int64, result models.StepResult) error
}

// Deps are the collaborators shared by every step of an agent
type Deps struct {
	Connector Connector
	Log       Logger
	Mailer    mail.Mailer
	Tokens    mail.Tokens
	// Defaults is the agent's own connection, used when a step does not override it
	Defaults Target
}

// JobRef identifies the job run a step belongs to
type JobRef struct {
	ID    int64
	LogID int64
	Name  string
}

const logTimeout = 30 * time.Second

type Step struct {
	ID      int64
	Name    string
	Kind    models.StepKind
	OnError models.OnError

	code string
	job  JobRef
	deps Deps

	parallel  bool
	timeout   time.Duration
	connStr   string
	host      string
	database  string
	login     string
	password  string
	authQuery string
	emailOn   []models.StepStatus
	email     mail.Template
	script    string

	// lock guards the resources Preempt acts on
	lock       sync.Mutex
	preempted  bool
	cancelStmt context.CancelFunc
	proc       *os.Process

	mu          sync.Mutex
	submittedAt time.Time
	logID       int64
	result      *models.StepResult
}

// New builds a step from its row. Directives in the description are applied best effort. Batch
// steps have their script written to a temporary file, released by Close.
func New(deps Deps, job JobRef, row models.StepRow) (*Step, error) {
	kind, err := models.ParseStepKindCode(row.KindCode)
	if err != nil {
		return nil, fmt.Errorf("step %d: %w", row.ID, err)
	}
	onError, err := models.ParseOnErrorCode(row.OnErrorCode)
	if err != nil {
		return nil, fmt.Errorf("step %d: %w", row.ID, err)
	}

	s := &Step{
		ID:       row.ID,
		Name:     row.Name,
		Kind:     kind,
		OnError:  onError,
		code:     row.Code,
		job:      job,
		deps:     deps,
		connStr:  strings.TrimSpace(row.ConnStr.ValueOrZero()),
		database: strings.TrimSpace(row.DBName.ValueOrZero()),
	}
	s.applyDirectives(annotation.New(annotation.StepDirectives, row.Description.ValueOrZero()))

	if kind == models.KindBatch {
		path, err := writeScript(row.Code)
		if err != nil {
			return nil, fmt.Errorf("step %d: could not write script: %w", row.ID, err)
		}
		s.script = path
	}
	return s, nil
}

func (s *Step) logger() *zerolog.Logger {
	l := log.With().
		Int64("job_id", s.job.ID).
		Int64("job_log_id", s.job.LogID).
		Int64("step_id", s.ID).
		Logger()
	return &l
}

func (s *Step) applyDirectives(set annotation.Set) {
	warn := func(name string, err error) {
		s.logger().Warn().Err(err).Str("directive", name).Msg("Ignoring step directive")
	}

	if v, ok, err := set.Bool(annotation.RunInParallel); err != nil {
		warn(annotation.RunInParallel, err)
	} else if ok {
		s.parallel = v
	}
	if v, ok, err := set.Duration(annotation.JobStepTimeout); err != nil {
		warn(annotation.JobStepTimeout, err)
	} else if ok {
		s.timeout = v
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{annotation.DatabaseName, &s.database},
		{annotation.DatabaseHost, &s.host},
		{annotation.DatabaseLogin, &s.login},
		{annotation.DatabasePassword, &s.password},
		{annotation.DatabaseAuthQuery, &s.authQuery},
		{annotation.EmailSubject, &s.email.Subject},
		{annotation.EmailBody, &s.email.Body},
	}
	for _, f := range strs {
		if v, ok, err := set.String(f.name); err != nil {
			warn(f.name, err)
		} else if ok {
			*f.dst = v
		}
	}

	if v, ok, err := set.List(annotation.EmailTo); err != nil {
		warn(annotation.EmailTo, err)
	} else if ok {
		s.email.To = v
	}
	if v, ok, err := set.List(annotation.EmailOn); err != nil {
		warn(annotation.EmailOn, err)
	} else if ok {
		for _, name := range v {
			status, err := models.ParseStepStatusName(name)
			if err != nil {
				warn(annotation.EmailOn, err)
				continue
			}
			s.emailOn = append(s.emailOn, status)
		}
	}
}

// Parallel reports whether the step may run alongside the steps submitted before it
func (s *Step) Parallel() bool {
	return s.parallel
}

// Timeout is the step's own timeout, zero when it has none
func (s *Step) Timeout() time.Duration {
	return s.timeout
}

// Submitted records the time the step was handed to the pool and writes the running marker to the
// step log. Timeouts are measured from here.
func (s *Step) Submitted(now time.Time) {
	s.mu.Lock()
	s.submittedAt = now
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), logTimeout)
	defer cancel()
	id, err := s.deps.Log.StartStepLog(ctx, s.job.LogID, s.ID)
	if err != nil {
		s.logger().Error().Err(err).Msg("Could not write step start log")
		return
	}

	s.mu.Lock()
	s.logID = id
	s.mu.Unlock()
}

// TimedOut reports whether the step has a timeout and more than that has passed since it was
// submitted
func (s *Step) TimedOut(now time.Time) bool {
	if s.timeout <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submittedAt.IsZero() || s.result != nil {
		return false
	}
	return now.Sub(s.submittedAt) > s.timeout
}

// Result returns the terminal result, if the step has one
func (s *Step) Result() (models.StepResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return models.StepResult{}, false
	}
	return *s.result, true
}

// Preempt stops the step's running statement or process. It is safe to call at any time, more
// than once.
func (s *Step) Preempt() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.preempted = true
	if s.cancelStmt != nil {
		s.cancelStmt()
	}
	if s.proc != nil {
		if err := killProcess(s.proc); err != nil {
			s.logger().Warn().Err(err).Int("pid", s.proc.Pid).Msg("Could not kill step process")
		}
	}
}

func (s *Step) isPreempted() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.preempted
}

// Abandon gives a step that never ran the ABORTED result. It does nothing if the step already
// has a result.
func (s *Step) Abandon() {
	s.complete(models.StepResult{Status: models.StepAborted, Code: -1})
}

// Discard is called by the pool when the step is cancelled before it starts
func (s *Step) Discard() {
	s.Abandon()
}

// Close releases the batch script, if any
func (s *Step) Close() {
	if s.script == "" {
		return
	}
	if err := os.Remove(s.script); err != nil && !os.IsNotExist(err) {
		s.logger().Warn().Err(err).Str("script", s.script).Msg("Could not remove step script")
	}
}
