package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"pgagent/internal/api"
	"pgagent/internal/mail"
	"pgagent/internal/queue"
)

// Config holds the application configuration
type Config struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Agent struct {
		PoolSize        int           `mapstructure:"pool_size"`
		PollInterval    time.Duration `mapstructure:"poll_interval"`
		RetryInterval   time.Duration `mapstructure:"retry_interval"`
		WaitInterval    time.Duration `mapstructure:"wait_interval"`
		Hostname        string        `mapstructure:"hostname"`
		CleanupSchedule string        `mapstructure:"cleanup_schedule"`
		KillChannel     string        `mapstructure:"kill_channel"`
	} `mapstructure:"agent"`

	Queue struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Channel  string `mapstructure:"channel"`
	} `mapstructure:"queue"`

	Mail   mail.Config `mapstructure:"mail"`
	Tokens mail.Tokens `mapstructure:"tokens"`

	Server api.Config `mapstructure:"server"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*Config, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("PGA_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err == nil {
		return config, nil
	}

	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}
	// no file anywhere, run on defaults and the environment
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "postgres")
	v.SetDefault("database.sslmode", "disable")

	// Agent defaults
	v.SetDefault("agent.pool_size", 10)
	v.SetDefault("agent.poll_interval", "10s")
	v.SetDefault("agent.retry_interval", "30s")
	v.SetDefault("agent.wait_interval", "200ms")
	v.SetDefault("agent.hostname", "")
	v.SetDefault("agent.cleanup_schedule", "@every 10m")
	v.SetDefault("agent.kill_channel", "pgagent_kill_job")

	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)
	v.SetDefault("queue.channel", queue.DefaultKillChannel)

	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.host", "localhost")
	v.SetDefault("mail.port", 25)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.from", "pgagent@localhost")
	v.SetDefault("mail.rate_per_sec", 2)
	v.SetDefault("mail.timeout", "30s")

	v.SetDefault("tokens.status", mail.DefaultTokens.Status)
	v.SetDefault("tokens.job_name", mail.DefaultTokens.JobName)
	v.SetDefault("tokens.step_name", mail.DefaultTokens.StepName)

	// Server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetEnvPrefix("PGA")                              // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	config, err := unmarshal(v)
	if err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}
	return config, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if config.Agent.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			config.Agent.Hostname = host
		}
	}
	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string
func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     "/" + c.Database.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.Database.SSLMode),
	}
	return u.String()
}
