package job_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgagent/internal/job"
	"pgagent/internal/mail"
	"pgagent/internal/models"
	"pgagent/internal/pool"
	"pgagent/internal/step"
)

// scriptedConnector runs each statement through the behaviour registered for its code and
// records when statements start and end
type scriptedConnector struct {
	mu         sync.Mutex
	behaviours map[string]func(ctx context.Context) error
	events     []string
}

func newConnector() *scriptedConnector {
	return &scriptedConnector{behaviours: make(map[string]func(ctx context.Context) error)}
}

func (c *scriptedConnector) on(code string, f func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.behaviours[code] = f
}

func (c *scriptedConnector) record(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *scriptedConnector) history() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

func (c *scriptedConnector) Open(ctx context.Context, target step.Target, notice func(string)) (step.Session, error) {
	return &session{conn: c}, nil
}

type session struct{ conn *scriptedConnector }

func (s *session) Exec(ctx context.Context, code string) error {
	s.conn.mu.Lock()
	f := s.conn.behaviours[code]
	s.conn.mu.Unlock()

	s.conn.record("start " + code)
	defer s.conn.record("end " + code)
	if f == nil {
		return nil
	}
	return f(ctx)
}

func (s *session) Credentials(ctx context.Context, query string) ([]models.Credential, error) {
	return nil, nil
}

func (s *session) Close() error { return nil }

func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type stepLog struct {
	mu       sync.Mutex
	nextID   int64
	stepOf   map[int64]int64
	finished map[int64]models.StepResult
}

func newStepLog() *stepLog {
	return &stepLog{stepOf: make(map[int64]int64), finished: make(map[int64]models.StepResult)}
}

func (l *stepLog) StartStepLog(ctx context.Context, jobLogID, stepID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.stepOf[l.nextID] = stepID
	return l.nextID, nil
}

func (l *stepLog) FinishStepLog(ctx context.Context, stepLogID int64, result models.StepResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished[l.stepOf[stepLogID]] = result
	return nil
}

func (l *stepLog) statusOf(stepID int64) (models.StepStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.finished[stepID]
	return res.Status, ok
}

type fakeStore struct {
	mu       sync.Mutex
	cleared  []int64
	finished map[int64]models.JobStatus
}

func (f *fakeStore) ClearJobAgent(ctx context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, jobID)
	return nil
}

func (f *fakeStore) FinishJobLog(ctx context.Context, jobLogID int64, status models.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished == nil {
		f.finished = make(map[int64]models.JobStatus)
	}
	f.finished[jobLogID] = status
	return nil
}

type fakeMailer struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
}

func (f *fakeMailer) Send(ctx context.Context, to []string, subject, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, body)
}

type harness struct {
	pool    *pool.Pool
	conn    *scriptedConnector
	steps   *stepLog
	store   *fakeStore
	mailer  *fakeMailer
	stepDep step.Deps
	jobDep  job.Deps
}

func newHarness(t *testing.T, size int) *harness {
	h := &harness{
		pool:   pool.New(size),
		conn:   newConnector(),
		steps:  newStepLog(),
		store:  &fakeStore{},
		mailer: &fakeMailer{},
	}
	t.Cleanup(h.pool.Close)
	h.stepDep = step.Deps{
		Connector: h.conn,
		Log:       h.steps,
		Mailer:    mail.Nop{},
		Tokens:    mail.DefaultTokens,
		Defaults:  step.Target{Host: "localhost", Database: "postgres", Login: "agent"},
	}
	h.jobDep = job.Deps{
		Pool:         h.pool,
		Store:        h.store,
		Mailer:       h.mailer,
		Tokens:       mail.DefaultTokens,
		WaitInterval: 10 * time.Millisecond,
	}
	return h
}

type stepSpec struct {
	code     string
	onError  string
	parallel bool
	extra    string
}

func (h *harness) build(t *testing.T, desc string, specs ...stepSpec) *job.Job {
	row := models.JobRow{ID: 42, Name: "nightly", Description: null.StringFrom(desc)}
	j := job.New(h.jobDep, row, 1000)

	steps := make([]*step.Step, 0, len(specs))
	for i, sp := range specs {
		onError := sp.onError
		if onError == "" {
			onError = "f"
		}
		stepDesc := sp.extra
		if sp.parallel {
			stepDesc += "\n@RUN_IN_PARALLEL=true"
		}
		s, err := step.New(h.stepDep, step.JobRef{ID: row.ID, LogID: 1000, Name: row.Name}, models.StepRow{
			ID:          int64(i + 1),
			Name:        sp.code,
			Description: null.StringFrom(stepDesc),
			KindCode:    "s",
			Code:        sp.code,
			OnErrorCode: onError,
		})
		require.NoError(t, err)
		steps = append(steps, s)
	}
	j.SetSteps(steps)
	return j
}

func run(t *testing.T, j *job.Job) models.JobStatus {
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
	status, ok := j.Status()
	require.True(t, ok)
	return status
}

func TestEmptyJobIsIgnored(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 2)

	j := h.build(t, "")
	assert.Equal(t, models.JobIgnore, run(t, j))
	assert.Equal(t, []int64{42}, h.store.cleared)
	assert.Equal(t, models.JobIgnore, h.store.finished[1000])
	h.pool.Close()
}

func TestFailingStepStopsLaterSteps(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 2)
	h.conn.on("A", func(ctx context.Context) error { return errors.New("division by zero") })

	j := h.build(t, "", stepSpec{code: "A", onError: "f"}, stepSpec{code: "B"})
	assert.Equal(t, models.JobFail, run(t, j))

	assert.Equal(t, []string{"start A", "end A"}, h.conn.history(), "B is never submitted")
	status, _ := h.steps.statusOf(1)
	assert.Equal(t, models.StepFail, status)
	_, logged := h.steps.statusOf(2)
	assert.False(t, logged)
	assert.Equal(t, models.JobFail, h.store.finished[1000])
	h.pool.Close()
}

func TestIgnoredFailureDoesNotFailJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 2)
	h.conn.on("A", func(ctx context.Context) error { return errors.New("duplicate key") })

	j := h.build(t, "", stepSpec{code: "A", onError: "i"}, stepSpec{code: "B"})
	assert.Equal(t, models.JobSucceed, run(t, j))

	a, _ := h.steps.statusOf(1)
	b, _ := h.steps.statusOf(2)
	assert.Equal(t, models.StepIgnore, a)
	assert.Equal(t, models.StepSucceed, b)
	h.pool.Close()
}

func TestParallelStepsShareABarrier(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 3)

	bStarted := make(chan struct{})
	h.conn.on("A", func(ctx context.Context) error {
		// A can only finish if B runs alongside it
		select {
		case <-bStarted:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("B did not start while A was running")
		}
	})
	h.conn.on("B", func(ctx context.Context) error {
		close(bStarted)
		time.Sleep(30 * time.Millisecond)
		return nil
	})

	j := h.build(t, "",
		stepSpec{code: "A"},
		stepSpec{code: "B", parallel: true},
		stepSpec{code: "C"},
	)
	assert.Equal(t, models.JobSucceed, run(t, j))

	events := h.conn.history()
	startC := slices.Index(events, "start C")
	require.NotEqual(t, -1, startC)
	assert.Less(t, slices.Index(events, "end A"), startC)
	assert.Less(t, slices.Index(events, "end B"), startC)
	h.pool.Close()
}

func TestSequentialStepsNeverOverlap(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 4)

	specs := make([]stepSpec, 0, 6)
	for i := 0; i < 6; i++ {
		code := fmt.Sprintf("S%d", i)
		h.conn.on(code, func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		})
		specs = append(specs, stepSpec{code: code})
	}

	j := h.build(t, "", specs...)
	assert.Equal(t, models.JobSucceed, run(t, j))

	var want []string
	for i := 0; i < 6; i++ {
		want = append(want, fmt.Sprintf("start S%d", i), fmt.Sprintf("end S%d", i))
	}
	assert.Equal(t, want, h.conn.history())
	h.pool.Close()
}

func TestJobTimeoutAbortsRunningSteps(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 3)
	h.conn.on("A", blockUntilCancelled)
	h.conn.on("B", blockUntilCancelled)

	j := h.build(t, "@JOB_TIMEOUT=100",
		stepSpec{code: "A"},
		stepSpec{code: "B", parallel: true},
	)
	assert.Equal(t, models.JobAborted, run(t, j))

	for _, id := range []int64{1, 2} {
		assert.Eventually(t, func() bool {
			status, ok := h.steps.statusOf(id)
			return ok && status == models.StepAborted
		}, 2*time.Second, 10*time.Millisecond)
	}
	assert.Equal(t, models.JobAborted, h.store.finished[1000])
	h.pool.Close()
}

func TestStepTimeoutPreemptsOnlyThatStep(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 2)
	h.conn.on("slow", blockUntilCancelled)

	j := h.build(t, "",
		stepSpec{code: "slow", extra: "@JOB_STEP_TIMEOUT=50"},
		stepSpec{code: "next"},
	)
	assert.Equal(t, models.JobSucceed, run(t, j))

	slow, _ := h.steps.statusOf(1)
	next, _ := h.steps.statusOf(2)
	assert.Equal(t, models.StepAborted, slow)
	assert.Equal(t, models.StepSucceed, next)
	h.pool.Close()
}

func TestPreemptAbortsJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 2)
	started := make(chan struct{})
	h.conn.on("A", func(ctx context.Context) error {
		close(started)
		return blockUntilCancelled(ctx)
	})

	j := h.build(t, "", stepSpec{code: "A"}, stepSpec{code: "B"})
	jobHandle, err := h.pool.Submit(j)
	require.NoError(t, err)
	<-started

	jobHandle.Cancel()
	require.NoError(t, jobHandle.Wait(context.Background()))

	status, _ := j.Status()
	assert.Equal(t, models.JobAborted, status)
	assert.Eventually(t, func() bool {
		s, ok := h.steps.statusOf(1)
		return ok && s == models.StepAborted
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, h.conn.history(), "start B")
	h.pool.Close()
}

func TestPreemptDuringLastStepAbortsJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 2)
	started := make(chan struct{})
	h.conn.on("A", func(ctx context.Context) error {
		close(started)
		return blockUntilCancelled(ctx)
	})

	j := h.build(t, "", stepSpec{code: "A"})
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(context.Background())
	}()
	<-started

	j.Preempt()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}

	status, ok := j.Status()
	require.True(t, ok)
	assert.Equal(t, models.JobAborted, status)
	assert.Equal(t, models.JobAborted, h.store.finished[1000])
	stepStatus, _ := h.steps.statusOf(1)
	assert.Equal(t, models.StepAborted, stepStatus)
	h.pool.Close()
}

func TestCancelledQueuedJobIsDiscarded(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 1)
	started := make(chan struct{})
	h.conn.on("A", func(ctx context.Context) error {
		close(started)
		return blockUntilCancelled(ctx)
	})

	// the only worker is taken by the step of the first job
	first := h.build(t, "", stepSpec{code: "A"})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		first.Run(context.Background())
	}()
	<-started

	queued := job.New(h.jobDep, models.JobRow{ID: 43, Name: "queued"}, 2000)
	handle, err := h.pool.Submit(queued)
	require.NoError(t, err)
	require.True(t, handle.Cancel())
	require.True(t, handle.IsDone())

	status, ok := queued.Status()
	require.True(t, ok)
	assert.Equal(t, models.JobAborted, status)
	h.store.mu.Lock()
	assert.Equal(t, models.JobAborted, h.store.finished[2000])
	assert.Contains(t, h.store.cleared, int64(43))
	h.store.mu.Unlock()

	first.Preempt()
	<-firstDone
	h.pool.Close()
}

func TestBuildErrorFailsJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 1)

	j := h.build(t, "")
	j.SetBuildError(models.ErrUnknownCode)
	assert.Equal(t, models.JobFail, run(t, j))
	assert.Equal(t, []int64{42}, h.store.cleared)
	assert.Equal(t, models.JobFail, h.store.finished[1000])
	h.pool.Close()
}

func TestJobEmail(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 2)

	j := h.build(t, `
@EMAIL_ON=SUCCEED
@EMAIL_TO=ops@example.com
@EMAIL_SUBJECT=[[JOB_NAME]] [[STATUS]]
@EMAIL_BODY=Job [[JOB_NAME]] finished: [[STATUS]]
`, stepSpec{code: "A"})
	assert.Equal(t, models.JobSucceed, run(t, j))

	assert.Equal(t, []string{"nightly SUCCEED"}, h.mailer.subjects)
	assert.Equal(t, []string{"Job nightly finished: SUCCEED"}, h.mailer.bodies)
	h.pool.Close()
}

func TestNoEmailForOtherStatuses(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, 1)

	j := h.build(t, "@EMAIL_ON=FAIL\n@EMAIL_TO=ops@example.com")
	assert.Equal(t, models.JobIgnore, run(t, j))
	assert.Empty(t, h.mailer.subjects)
	h.pool.Close()
}

func TestDirectives(t *testing.T) {
	h := newHarness(t, 1)
	j := h.build(t, "@JOB_TIMEOUT=90s")
	assert.Equal(t, 90*time.Second, j.Timeout())

	j = h.build(t, "@JOB_TIMEOUT=soon")
	assert.Zero(t, j.Timeout())
}
