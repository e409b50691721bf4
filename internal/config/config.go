// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// Package config loads the settings shared by the cistem commands:
// where the cisTEM programs are, how much parallelism to use, and
// which storage and queues to work with.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"rescribe.xyz/cistem/internal/pipeline"
)

// Storage backends
const (
	StorageLocal = "local"
	StorageAWS   = "aws"
)

// Config holds the settings of a cistem installation
type Config struct {
	Cistem CistemConfig `mapstructure:"cistem"`
	// Threads overrides the number of threads or parallel blocks of
	// a job, if greater than zero
	Threads int `mapstructure:"threads"`
	// Mpi overrides the number of MPI processes of a job, if greater
	// than zero
	Mpi     int       `mapstructure:"mpi"`
	Storage string    `mapstructure:"storage"`
	AWS     AWSConfig `mapstructure:"aws"`
	Verbose bool      `mapstructure:"verbose"`
}

// CistemConfig locates the cisTEM programs
type CistemConfig struct {
	// Home is the directory holding the binaries; empty means $PATH
	Home string `mapstructure:"home"`
	// Env holds KEY=VALUE pairs added to the environment the
	// programs run in. It is a list as viper lowercases map keys.
	Env []string `mapstructure:"env"`
}

type AWSConfig struct {
	Region string `mapstructure:"region"`
}

// Default returns the settings used when nothing is configured
func Default() *Config {
	return &Config{
		Storage: StorageLocal,
		AWS:     AWSConfig{Region: "eu-west-2"},
	}
}

// SetDefaults registers the defaults with v
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("cistem.home", d.Cistem.Home)
	v.SetDefault("cistem.env", d.Cistem.Env)
	v.SetDefault("threads", d.Threads)
	v.SetDefault("mpi", d.Mpi)
	v.SetDefault("storage", d.Storage)
	v.SetDefault("aws.region", d.AWS.Region)
	v.SetDefault("verbose", d.Verbose)
}

// Dir returns the directory holding the config file
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cistem")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cistem"
	}
	return filepath.Join(home, ".config", "cistem")
}

// File returns the path of the default config file
func File() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Init sets up v to read the config file and CISTEM_ environment
// variables. If file is empty config.yaml is looked for in Dir() and
// the current directory. A missing config file is not an error.
func Init(v *viper.Viper, file string) error {
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	// e.g. CISTEM_CISTEM_HOME for cistem.home
	v.SetEnvPrefix("CISTEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("Error reading config: %w", err)
	}
	return nil
}

// Load reads the settings from v and checks them
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("Error parsing config: %w", err)
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings are usable
func (c *Config) Validate() error {
	var msgs []string
	switch c.Storage {
	case StorageLocal, StorageAWS:
	default:
		msgs = append(msgs, fmt.Sprintf("storage must be %s or %s, not %q", StorageLocal, StorageAWS, c.Storage))
	}
	if c.Threads < 0 {
		msgs = append(msgs, fmt.Sprintf("threads must not be negative, got %d", c.Threads))
	}
	if c.Mpi < 0 {
		msgs = append(msgs, fmt.Sprintf("mpi must not be negative, got %d", c.Mpi))
	}
	if c.Storage == StorageAWS && c.AWS.Region == "" {
		msgs = append(msgs, "aws.region must be set to use aws storage")
	}
	for _, kv := range c.Cistem.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			msgs = append(msgs, fmt.Sprintf("cistem.env entry %q is not of the form KEY=VALUE", kv))
		}
	}
	if c.Cistem.Home != "" {
		info, err := os.Stat(c.Cistem.Home)
		if err != nil || !info.IsDir() {
			msgs = append(msgs, fmt.Sprintf("cistem.home %s is not a directory", c.Cistem.Home))
		}
	}
	return pipeline.Validation(msgs)
}

// Programs returns where to find the cisTEM programs and what to run
// them with
func (c *Config) Programs() pipeline.Programs {
	p := pipeline.Programs{Home: c.Cistem.Home}
	for _, kv := range c.Cistem.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if p.Env == nil {
			p.Env = make(map[string]string)
		}
		p.Env[k] = v
	}
	return p
}

// Logger builds the structured logger for the commands: production
// JSON logs, or human readable debug logs if verbose.
func Logger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("Error initialising logger: %w", err)
	}
	return logger, nil
}

// StdLog returns a standard library logger writing to logger, for
// the storage and queue connections. It discards everything unless
// verbose.
func StdLog(logger *zap.Logger, verbose bool) *log.Logger {
	if !verbose {
		return log.New(pipeline.NullWriter(true), "", 0)
	}
	return zap.NewStdLog(logger.Named("conn"))
}
