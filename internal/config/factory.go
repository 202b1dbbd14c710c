package config

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// FromCobraCmd loads the configuration named by the --config flag, or the default locations when
// it is not given, then applies any override flags the command defines. It exits the process if
// the configuration cannot be loaded.
func FromCobraCmd(cmd *cobra.Command) *Config {
	var flags *pflag.FlagSet
	if cmd.Name() == "pgagent" {
		flags = cmd.PersistentFlags()
	} else {
		flags = cmd.InheritedFlags()
	}

	var paths []string
	if f := flags.Lookup("config"); f != nil && f.Changed {
		paths = append(paths, f.Value.String())
	}

	conf, err := LoadConfig(paths...)
	if err != nil {
		log.Fatal().Err(err).Strs("paths", paths).Msg("Could not load config file")
	}

	applyOverrides(conf, cmd.Flags())
	return conf
}

// applyOverrides copies the flags set on the command line over the loaded values
func applyOverrides(conf *Config, flags *pflag.FlagSet) {
	flags.Visit(func(f *pflag.Flag) {
		var err error
		switch f.Name {
		case "log-level":
			conf.LogLevel = f.Value.String()
		case "hostname":
			conf.Agent.Hostname = f.Value.String()
		case "pool-size":
			conf.Agent.PoolSize, err = flags.GetInt(f.Name)
		case "poll-interval":
			conf.Agent.PollInterval, err = flags.GetDuration(f.Name)
		}
		if err != nil {
			log.Warn().Err(err).Str("flag", f.Name).Msg("Ignoring flag")
		}
	})
}
