package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ClientConfig struct {
	Host                string `mapstructure:"host"`
	Secure              bool   `mapstructure:"secure"`
	Codec               string `mapstructure:"codec"`
	StartFrom           int64  `mapstructure:"start_from"`
	StrictPositions     bool   `mapstructure:"strict_positions"`
	HandshakeTimeoutSec int    `mapstructure:"handshake_timeout_sec"`
	Export              string `mapstructure:"export"`
}

type ServerConfig struct {
	Port           int     `mapstructure:"port"`
	File           string  `mapstructure:"file"`
	MaxRate        float64 `mapstructure:"max_rate"`
	PollIntervalMs int     `mapstructure:"poll_interval_ms"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

// HandshakeTimeout returns the dial handshake timeout.
func (c ClientConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

// PollInterval returns how often a caught-up session re-checks the log.
func (c ServerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("client.host", "localhost:8080")
	v.SetDefault("client.secure", false)
	v.SetDefault("client.codec", "json")
	v.SetDefault("client.start_from", 0)
	v.SetDefault("client.strict_positions", true)
	v.SetDefault("client.handshake_timeout_sec", 10)
	v.SetDefault("client.export", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.file", "")
	v.SetDefault("server.max_rate", 0)
	v.SetDefault("server.poll_interval_ms", 200)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("LOGTAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
