// Package database opens connections to Postgres: the agent's own pool and the sessions steps run
// their statements on.
package database

import (
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"pgagent/internal/config"
)

// New opens the agent's connection pool. Every running step writes its log through it, so it is
// sized to the worker pool.
func New(conf *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", conf.GetDatabaseURL())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conf.Agent.PoolSize + 2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}
