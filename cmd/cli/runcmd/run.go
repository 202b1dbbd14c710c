package runcmd

import (
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"pgagent/internal/config"
	"pgagent/internal/database"
	"pgagent/internal/queue"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(agentCmd)
}

func mustDatabase(conf *config.Config) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}

	return db
}

func mustQueue(conf *config.Config) *queue.RedisClient {
	redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB, conf.Queue.Channel)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to redis queue")
	}
	return redis
}
