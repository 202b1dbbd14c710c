package step

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"pgagent/internal/mail"
	"pgagent/internal/models"
)

var errPreempted = errors.New("step was preempted")

// output collects what a step prints. Notices may arrive from the driver while a statement runs.
type output struct {
	mu sync.Mutex
	sb strings.Builder
}

func (o *output) line(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sb.WriteString(s)
	o.sb.WriteByte('\n')
}

func (o *output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sb.String()
}

// Run executes the step and records its result. It never panics.
func (s *Step) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Preempt)
	defer stop()

	out := &output{}
	result := models.StepResult{Status: s.OnError.StepStatus(), Code: -1}
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("Step panicked")
			out.line(fmt.Sprint(r))
			result = models.StepResult{Status: s.OnError.StepStatus(), Code: -1, Output: out.String()}
		}
		s.complete(result)
	}()

	s.logger().Info().Str("kind", string(s.Kind)).Str("step", s.Name).Msg("Running step")
	switch s.Kind {
	case models.KindSQL:
		result = s.runSQL(ctx, out)
	case models.KindBatch:
		result = s.runBatch(ctx, out)
	}
}

// interrupted reports whether a failure should be read as an abort
func (s *Step) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil || s.isPreempted()
}

func (s *Step) failed(ctx context.Context, out *output, err error) models.StepResult {
	out.line(err.Error())
	if s.interrupted(ctx) {
		return models.StepResult{Status: models.StepAborted, Code: -1, Output: out.String()}
	}
	return models.StepResult{Status: s.OnError.StepStatus(), Code: -1, Output: out.String()}
}

// target is the connection for one credential, with the step's overrides applied over the
// agent's defaults
func (s *Step) target(cred models.Credential) Target {
	t := s.deps.Defaults
	t.ConnStr = s.connStr
	if s.connStr != "" {
		// the connection string carries its own host, port, database and sslmode
		t.Host, t.Port, t.Database, t.SSLMode = "", 0, "", ""
	}
	if s.host != "" {
		t.Host = s.host
	}
	if s.database != "" {
		t.Database = s.database
	}
	t.Login = cred.Login
	t.Password = cred.Password
	return t
}

// credentials resolves who the statement runs as, in order: the rows of the auth query, then the
// explicit login. The agent's own login is used only when neither gives any.
func (s *Step) credentials(ctx context.Context) ([]models.Credential, error) {
	creds := make([]models.Credential, 0, 1)
	if s.authQuery != "" {
		err := s.withSession(ctx, s.target(s.defaultCredential()), nil, func(ctx context.Context, sess Session) error {
			rows, err := sess.Credentials(ctx, s.authQuery)
			creds = append(creds, rows...)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("auth query: %w", err)
		}
	}
	if s.login != "" {
		creds = append(creds, models.Credential{Login: s.login, Password: s.password})
	}
	if len(creds) == 0 {
		creds = append(creds, s.defaultCredential())
	}
	return creds, nil
}

func (s *Step) defaultCredential() models.Credential {
	return models.Credential{Login: s.deps.Defaults.Login, Password: s.deps.Defaults.Password}
}

// withSession opens a session and runs f with a context Preempt can cancel
func (s *Step) withSession(ctx context.Context, t Target, notice func(string), f func(context.Context, Session) error) error {
	stmtCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.lock.Lock()
	if s.preempted {
		s.lock.Unlock()
		return errPreempted
	}
	s.cancelStmt = cancel
	s.lock.Unlock()
	defer func() {
		s.lock.Lock()
		s.cancelStmt = nil
		s.lock.Unlock()
	}()

	sess, err := s.deps.Connector.Open(stmtCtx, t, notice)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", describe(t), err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			s.logger().Warn().Err(err).Msg("Could not close step session")
		}
	}()
	return f(stmtCtx, sess)
}

func describe(t Target) string {
	if t.ConnStr != "" && t.Host == "" {
		return "connection string"
	}
	return fmt.Sprintf("%s/%s as %s", t.Host, t.Database, t.Login)
}

func (s *Step) runSQL(ctx context.Context, out *output) models.StepResult {
	creds, err := s.credentials(ctx)
	if err != nil {
		return s.failed(ctx, out, err)
	}

	for _, cred := range creds {
		out.line("Step starting for DatabaseAuth: " + cred.Login)
		err := s.withSession(ctx, s.target(cred), out.line, func(ctx context.Context, sess Session) error {
			return sess.Exec(ctx, s.code)
		})
		if err != nil {
			return s.failed(ctx, out, err)
		}
	}
	return models.StepResult{Status: models.StepSucceed, Code: 0, Output: out.String()}
}

func (s *Step) runBatch(ctx context.Context, out *output) models.StepResult {
	cmd := scriptCommand(s.script, s.code)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failed(ctx, out, err)
	}

	s.lock.Lock()
	if s.preempted {
		s.lock.Unlock()
		return s.failed(ctx, out, errPreempted)
	}
	if err := cmd.Start(); err != nil {
		s.lock.Unlock()
		return s.failed(ctx, out, fmt.Errorf("could not start script: %w", err))
	}
	s.proc = cmd.Process
	s.lock.Unlock()
	defer func() {
		s.lock.Lock()
		s.proc = nil
		s.lock.Unlock()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if s.isPreempted() {
			break
		}
		out.line(scanner.Text())
	}

	err = cmd.Wait()
	if s.interrupted(ctx) {
		out.line(errPreempted.Error())
		return models.StepResult{Status: models.StepAborted, Code: -1, Output: out.String()}
	}
	if err == nil {
		return models.StepResult{Status: models.StepSucceed, Code: 0, Output: out.String()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return models.StepResult{Status: models.StepFail, Code: exitErr.ExitCode(), Output: out.String()}
	}
	return s.failed(ctx, out, err)
}

// complete stores the result the first time it is called, then writes the step log and sends
// any configured email
func (s *Step) complete(result models.StepResult) {
	s.mu.Lock()
	if s.result != nil {
		s.mu.Unlock()
		return
	}
	s.result = &result
	logID := s.logID
	s.mu.Unlock()

	logger := s.logger()
	logger.Info().
		Str("status", result.Status.String()).
		Int("result", result.Code).
		Msg("Step finished")

	ctx, cancel := context.WithTimeout(context.Background(), logTimeout)
	defer cancel()

	if logID == 0 {
		id, err := s.deps.Log.StartStepLog(ctx, s.job.LogID, s.ID)
		if err != nil {
			logger.Error().Err(err).Msg("Could not write step log")
		}
		logID = id
	}
	if logID != 0 {
		if err := s.deps.Log.FinishStepLog(ctx, logID, result); err != nil {
			logger.Error().Err(err).Int64("step_log_id", logID).Msg("Could not finish step log")
		}
	}

	if slices.Contains(s.emailOn, result.Status) && s.deps.Mailer != nil {
		subject, body := s.email.Render(s.deps.Tokens, mail.Values{
			Status:   result.Status.String(),
			JobName:  s.job.Name,
			StepName: s.Name,
		})
		s.deps.Mailer.Send(ctx, s.email.To, subject, body)
	}
}
