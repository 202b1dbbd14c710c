package database

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"pgagent/internal/models"
	"pgagent/internal/step"
)

// Connector opens a dedicated connection for each step session
type Connector struct {
	// AppName is reported to the server as application_name
	AppName string
}

// ConnConfig builds the connection settings for target. A connection string, when present, is
// the base and the other fields override it. The merged settings are parsed once so TLS and
// fallback hosts follow the resolved host.
func ConnConfig(target step.Target, appName string) (*pgx.ConnConfig, error) {
	settings, err := connSettings(target.ConnStr)
	if err != nil {
		return nil, err
	}

	set := func(key, val string) {
		if val != "" {
			settings[key] = val
		}
	}
	set("host", target.Host)
	if target.Port > 0 {
		set("port", strconv.Itoa(target.Port))
	}
	set("dbname", target.Database)
	set("user", target.Login)
	set("password", target.Password)
	set("sslmode", target.SSLMode)
	set("application_name", appName)

	cfg, err := pgx.ParseConfig(renderSettings(settings))
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}
	// step code may hold several statements
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	return cfg, nil
}

// FormatNotice renders a server notice the way it is kept in a step's output
func FormatNotice(n *pgconn.Notice) string {
	if n.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", n.Severity, n.Message, n.Detail)
	}
	return fmt.Sprintf("%s: %s", n.Severity, n.Message)
}

func (c *Connector) Open(ctx context.Context, target step.Target, notice func(string)) (step.Session, error) {
	cfg, err := ConnConfig(target, c.AppName)
	if err != nil {
		return nil, err
	}
	if notice != nil {
		cfg.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
			notice(FormatNotice(n))
		}
	}

	db := sqlx.NewDb(stdlib.OpenDB(*cfg), "pgx")
	db.SetMaxOpenConns(1)
	conn, err := db.Connx(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &session{db: db, conn: conn}, nil
}

type session struct {
	db   *sqlx.DB
	conn *sqlx.Conn
}

func (s *session) Exec(ctx context.Context, code string) error {
	_, err := s.conn.ExecContext(ctx, code)
	return err
}

// Credentials runs an auth query. The first two columns are the login and password.
func (s *session) Credentials(ctx context.Context, query string) ([]models.Credential, error) {
	rows, err := s.conn.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var creds []models.Credential
	for rows.Next() {
		var c models.Credential
		if err := rows.Scan(&c.Login, &c.Password); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *session) Close() error {
	err := s.conn.Close()
	if dbErr := s.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
