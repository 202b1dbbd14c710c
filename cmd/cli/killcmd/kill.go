package killcmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"pgagent/internal/config"
	"pgagent/internal/database"
	"pgagent/internal/logging"
	"pgagent/internal/queue"
	"pgagent/internal/store"
)

var Command = &cobra.Command{
	Use:   "kill JOB_ID",
	Short: "Asks the agent running a job to kill it",
	Long: `Sends a kill request for a job to every agent. The request goes out as a NOTIFY on the
agents' kill channel, or through the redis queue when --redis is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || jobID <= 0 {
			return fmt.Errorf("invalid job id %q", args[0])
		}
		reason, _ := cmd.Flags().GetString("reason")
		useRedis, _ := cmd.Flags().GetBool("redis")

		conf := config.FromCobraCmd(cmd)
		logging.Setup(conf.LogLevel, conf.LogFormat)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if useRedis {
			rq, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB, conf.Queue.Channel)
			if err != nil {
				return fmt.Errorf("could not connect to redis queue: %w", err)
			}
			defer func() { _ = rq.Close() }()
			if err := rq.Publish(ctx, queue.KillRequest{JobID: jobID, Reason: reason}); err != nil {
				return err
			}
		} else {
			db, err := database.New(conf)
			if err != nil {
				return fmt.Errorf("could not connect to database: %w", err)
			}
			defer func() { _ = db.Close() }()
			if err := store.Notify(ctx, db, conf.Agent.KillChannel, jobID); err != nil {
				return err
			}
		}

		log.Info().Int64("job_id", jobID).Bool("redis", useRedis).Msg("Kill request sent")
		return nil
	},
}

func init() {
	Command.Flags().Bool("redis", false, "send the request through the redis queue")
	Command.Flags().String("reason", "", "reason recorded with a redis kill request")
}
