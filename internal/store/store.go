// Package store reads and writes the pgagent schema. Claims and agent upkeep run on a single
// pinned connection whose backend pid identifies this agent. Log writes go through the pool so
// that concurrently running steps never share a connection.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"pgagent/internal/models"
)

type PGStore struct {
	db      *sqlx.DB
	station string

	mu   sync.Mutex
	conn *sqlx.Conn
	pid  int32
}

// New returns a store on db. station is recorded as the agent's host in pga_jobagent and limits
// claims to jobs pinned to this host or to none.
func New(db *sqlx.DB, station string) *PGStore {
	return &PGStore{db: db, station: station}
}

// PID is the backend pid of the primary connection, zero before the first connect
func (s *PGStore) PID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// EnsureConnected pings the primary connection and opens a new one when the ping fails. It
// reports whether a new connection was opened, in which case the agent must register again
// under the new pid.
func (s *PGStore) EnsureConnected(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		err := s.conn.PingContext(ctx)
		if err == nil {
			return false, nil
		}
		log.Warn().Err(err).Int32("pid", s.pid).Msg("Primary connection lost, reconnecting")
		_ = s.conn.Close()
		s.conn = nil
		s.pid = 0
	}

	conn, err := s.db.Connx(ctx)
	if err != nil {
		return false, err
	}
	var pid int32
	if err := conn.QueryRowxContext(ctx, `SELECT pg_backend_pid()`).Scan(&pid); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("could not read backend pid: %w", err)
	}

	s.conn = conn
	s.pid = pid
	log.Info().Int32("pid", pid).Msg("Primary connection opened")
	return true, nil
}

func (s *PGStore) primary() (*sqlx.Conn, int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, 0, errors.New("primary connection is not open")
	}
	return s.conn, s.pid, nil
}

// Cleanup releases everything held by agents whose backend has gone away: their running logs
// are marked aborted, their claims cleared and their registrations removed. The agent then
// registers itself under the primary connection's pid.
func (s *PGStore) Cleanup(ctx context.Context) error {
	conn, pid, err := s.primary()
	if err != nil {
		return err
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var zombies []int32
	if err := tx.SelectContext(ctx, &zombies, `
		SELECT a.jagpid
		FROM pgagent.pga_jobagent a
		LEFT JOIN pg_catalog.pg_stat_activity p ON a.jagpid = p.pid
		WHERE p.pid IS NULL
	`); err != nil {
		return fmt.Errorf("could not find dead agents: %w", err)
	}

	if len(zombies) > 0 {
		for _, stmt := range []string{
			`UPDATE pgagent.pga_joblog SET jlgstatus = 'd'
			 WHERE jlgstatus = 'r'
			   AND jlgjobid IN (SELECT jobid FROM pgagent.pga_job WHERE jobagentid = ANY($1))`,
			`UPDATE pgagent.pga_jobsteplog SET jslstatus = 'd'
			 WHERE jslstatus = 'r'
			   AND jsljlgid IN (
				SELECT l.jlgid
				FROM pgagent.pga_joblog l
				JOIN pgagent.pga_job j ON j.jobid = l.jlgjobid
				WHERE j.jobagentid = ANY($1))`,
			`UPDATE pgagent.pga_job SET jobagentid = NULL, jobnextrun = NULL WHERE jobagentid = ANY($1)`,
			`DELETE FROM pgagent.pga_jobagent WHERE jagpid = ANY($1)`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, zombies); err != nil {
				return fmt.Errorf("could not release dead agents: %w", err)
			}
		}
		log.Info().Interface("pids", zombies).Msg("Released jobs held by dead agents")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pgagent.pga_jobagent (jagpid, jagstation)
		SELECT $1::int4, $2::text
		WHERE NOT EXISTS (SELECT 1 FROM pgagent.pga_jobagent WHERE jagpid = $1::int4)
	`, pid, s.station); err != nil {
		return fmt.Errorf("could not register agent: %w", err)
	}
	return tx.Commit()
}

// ClaimJobs marks the due jobs as taken by this agent and returns them. Rows locked by another
// agent's claim are skipped.
func (s *PGStore) ClaimJobs(ctx context.Context) ([]models.JobRow, error) {
	conn, pid, err := s.primary()
	if err != nil {
		return nil, err
	}

	var rows []models.JobRow
	err = conn.SelectContext(ctx, &rows, `
		UPDATE pgagent.pga_job j
		SET jobagentid = $1, joblastrun = now()
		FROM (
			SELECT jobid
			FROM pgagent.pga_job
			WHERE jobagentid IS NULL
			  AND jobenabled
			  AND jobnextrun <= now()
			  AND (jobhostagent = '' OR jobhostagent = $2)
			ORDER BY jobnextrun
			FOR UPDATE SKIP LOCKED
		) due
		WHERE j.jobid = due.jobid
		RETURNING j.jobid, j.jobname, j.jobdesc
	`, pid, s.station)
	return rows, err
}

func (s *PGStore) LoadSteps(ctx context.Context, jobID int64) ([]models.StepRow, error) {
	var rows []models.StepRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT jstid, jstname, jstdesc, jstkind, jstcode, jstconnstr, jstdbname, jstonerror
		FROM pgagent.pga_jobstep
		WHERE jstenabled
		  AND jstjobid = $1
		ORDER BY jstname, jstid
	`, jobID)
	return rows, err
}

func (s *PGStore) StartJobLog(ctx context.Context, jobID int64) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO pgagent.pga_joblog (jlgjobid, jlgstatus)
		VALUES ($1, 'r')
		RETURNING jlgid
	`, jobID)
	return id, err
}

func (s *PGStore) FinishJobLog(ctx context.Context, jobLogID int64, status models.JobStatus) error {
	return s.execOne(ctx, `
		UPDATE pgagent.pga_joblog
		SET jlgstatus = $2, jlgduration = now() - jlgstart
		WHERE jlgid = $1
	`, jobLogID, status.Code())
}

// ClearJobAgent releases the claim. The cleared next run lets the schema's trigger schedule the
// following one.
func (s *PGStore) ClearJobAgent(ctx context.Context, jobID int64) error {
	return s.execOne(ctx, `
		UPDATE pgagent.pga_job
		SET jobagentid = NULL, jobnextrun = NULL
		WHERE jobid = $1
	`, jobID)
}

func (s *PGStore) StartStepLog(ctx context.Context, jobLogID, stepID int64) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO pgagent.pga_jobsteplog (jsljlgid, jsljstid, jslstatus)
		VALUES ($1, $2, 'r')
		RETURNING jslid
	`, jobLogID, stepID)
	return id, err
}

func (s *PGStore) FinishStepLog(ctx context.Context, stepLogID int64, result models.StepResult) error {
	return s.execOne(ctx, `
		UPDATE pgagent.pga_jobsteplog
		SET jslstatus = $2, jslresult = $3, jslduration = now() - jslstart, jsloutput = $4
		WHERE jslid = $1
	`, stepLogID, result.Status.Code(), result.Code, result.Output)
}

func (s *PGStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Close releases the primary connection. The pool is owned by the caller.
func (s *PGStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.pid = 0
	return err
}
