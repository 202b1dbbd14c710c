package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"pgagent/internal/queue"
)

// Listener receives kill requests sent with NOTIFY on a channel. It keeps its own connection
// since a listening session must stay open between polls.
type Listener struct {
	connString string
	channel    string

	mu   sync.Mutex
	conn *pgx.Conn

	pendingMu sync.Mutex
	pending   []string
}

func NewListener(connString, channel string) *Listener {
	return &Listener{connString: connString, channel: channel}
}

func (l *Listener) Channel() string {
	return l.channel
}

// EnsureConnected pings the listening connection and, if it is gone, connects and listens again.
// Notifications sent while disconnected are lost.
func (l *Listener) EnsureConnected(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		err := l.conn.Ping(ctx)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Str("channel", l.channel).Msg("Listener connection lost, reconnecting")
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	cfg, err := pgx.ParseConfig(l.connString)
	if err != nil {
		return err
	}
	cfg.OnNotification = func(_ *pgconn.PgConn, n *pgconn.Notification) {
		if n.Channel != l.channel {
			return
		}
		l.pendingMu.Lock()
		l.pending = append(l.pending, n.Payload)
		l.pendingMu.Unlock()
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("could not listen on %q: %w", l.channel, err)
	}
	l.conn = conn
	log.Info().Str("channel", l.channel).Msg("Listening for kill requests")
	return nil
}

// Drain returns the job ids received since the last call. A round trip on the connection reads
// any notifications the server has queued.
func (l *Listener) Drain(ctx context.Context) ([]int64, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("listener on %q is not connected", l.channel)
	}
	if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
		return nil, err
	}

	l.pendingMu.Lock()
	payloads := l.pending
	l.pending = nil
	l.pendingMu.Unlock()

	ids := make([]int64, 0, len(payloads))
	for _, p := range payloads {
		id, err := queue.ParseKillPayload(p)
		if err != nil {
			log.Warn().Err(err).Str("payload", p).Msg("Ignoring malformed kill request")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close(ctx)
	l.conn = nil
	return err
}

// Notify sends a kill request for jobID to every agent listening on channel
func Notify(ctx context.Context, db *sqlx.DB, channel string, jobID int64) error {
	_, err := db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, fmt.Sprint(jobID))
	return err
}
