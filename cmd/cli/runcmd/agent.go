package runcmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"pgagent/internal/agent"
	"pgagent/internal/api"
	"pgagent/internal/config"
	"pgagent/internal/database"
	"pgagent/internal/logging"
	"pgagent/internal/mail"
	"pgagent/internal/pool"
	"pgagent/internal/queue"
	"pgagent/internal/step"
	"pgagent/internal/store"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Runs the job agent",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		logging.Setup(conf.LogLevel, conf.LogFormat)

		db := mustDatabase(conf)
		st := store.New(db, conf.Agent.Hostname)
		listener := store.NewListener(conf.GetDatabaseURL(), conf.Agent.KillChannel)
		kills := []agent.KillSource{listener}

		var rq *queue.RedisClient
		if conf.Queue.Enabled {
			rq = mustQueue(conf)
			kills = append(kills, rq)
		}

		workers := pool.New(conf.Agent.PoolSize)
		a := agent.New(agent.Config{
			PollInterval:    conf.Agent.PollInterval,
			RetryInterval:   conf.Agent.RetryInterval,
			WaitInterval:    conf.Agent.WaitInterval,
			CleanupSchedule: conf.Agent.CleanupSchedule,
		}, agent.Deps{
			Store:     st,
			Pool:      workers,
			Kills:     kills,
			Connector: &database.Connector{AppName: "pgagent: " + conf.Agent.Hostname},
			Mailer:    mail.New(conf.Mail),
			Tokens:    conf.Tokens,
			Defaults: step.Target{
				Host:     conf.Database.Host,
				Port:     conf.Database.Port,
				Database: conf.Database.Name,
				Login:    conf.Database.User,
				Password: conf.Database.Password,
				SSLMode:  conf.Database.SSLMode,
			},
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info().
			Str("agent_id", a.ID).
			Str("hostname", conf.Agent.Hostname).
			Int("pool_size", workers.Size()).
			Str("kill_channel", listener.Channel()).
			Msg("Running agent process")

		if conf.Server.Enabled {
			var forward api.Forwarder
			if rq != nil {
				forward = rq
			}
			srv := api.New(ctx, a.ID, a, forward).WithWorkers(workers)
			go func() {
				if err := srv.ListenAndServe(ctx, conf.Server.Addr()); err != nil {
					log.Error().Err(err).Msg("API server stopped")
				}
			}()
		}

		defer func() {
			// running jobs were killed when the agent stopped, wait for them to record it
			workers.Close()

			if err := listener.Close(context.Background()); err != nil {
				log.Error().Err(err).Msg("Could not close listener cleanly on shutdown")
			}
			if err := st.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close primary connection cleanly on shutdown")
			}
			if rq != nil {
				if err := rq.Close(); err != nil {
					log.Error().Err(err).Msg("Could not close redis queue cleanly on shutdown")
				}
			}
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
			}
		}()

		if err := a.Run(ctx); err != nil {
			log.Error().Err(err).Str("agent_id", a.ID).Msg("Agent could not start")
			return
		}
		log.Info().Str("agent_id", a.ID).Msg("Agent stopped")
	},
}

func init() {
	agentCmd.Flags().String("log-level", "", "overrides log_level")
	agentCmd.Flags().String("hostname", "", "overrides agent.hostname")
	agentCmd.Flags().Int("pool-size", 0, "overrides agent.pool_size")
	agentCmd.Flags().Duration("poll-interval", 0, "overrides agent.poll_interval")
}
