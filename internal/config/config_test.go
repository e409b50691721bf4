// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"rescribe.xyz/cistem/internal/pipeline"
)

func TestDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	chdir(t, t.TempDir())

	v := viper.New()
	require.NoError(t, Init(v, ""))
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, StorageLocal, cfg.Storage)
	assert.Equal(t, "eu-west-2", cfg.AWS.Region)
	assert.Equal(t, 0, cfg.Threads)
	assert.False(t, cfg.Verbose)
	assert.Equal(t, pipeline.Programs{}, cfg.Programs())
}

func TestFile(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	assert.Equal(t, filepath.Join(xdg, "cistem", "config.yaml"), File())

	home := t.TempDir()
	require.NoError(t, os.MkdirAll(Dir(), 0755))
	err := os.WriteFile(File(), []byte(`cistem:
  home: `+home+`
  env:
    - OMP_NUM_THREADS=2
threads: 8
mpi: 4
storage: aws
aws:
  region: us-east-1
`), 0644)
	require.NoError(t, err)

	v := viper.New()
	require.NoError(t, Init(v, ""))
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, home, cfg.Cistem.Home)
	assert.Equal(t, 8, cfg.Threads)
	assert.Equal(t, 4, cfg.Mpi)
	assert.Equal(t, StorageAWS, cfg.Storage)
	assert.Equal(t, "us-east-1", cfg.AWS.Region)
	p := cfg.Programs()
	assert.Equal(t, filepath.Join(home, pipeline.Unblur), p.Path(pipeline.Unblur))
	assert.Contains(t, p.Environ(), "OMP_NUM_THREADS=2")
}

func TestEnv(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	chdir(t, t.TempDir())
	t.Setenv("CISTEM_THREADS", "6")
	t.Setenv("CISTEM_AWS_REGION", "ap-south-1")

	v := viper.New()
	require.NoError(t, Init(v, ""))
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Threads)
	assert.Equal(t, "ap-south-1", cfg.AWS.Region)
}

func TestExplicitFileMissing(t *testing.T) {
	v := viper.New()
	err := Init(v, filepath.Join(t.TempDir(), "nothere.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
		msgs []string
	}{
		{"default", func(c *Config) {}, nil},
		{"storage", func(c *Config) { c.Storage = "gcs" }, []string{`storage must be local or aws, not "gcs"`}},
		{"negative", func(c *Config) { c.Threads = -1; c.Mpi = -2 }, []string{"threads must not be negative, got -1", "mpi must not be negative, got -2"}},
		{"region", func(c *Config) { c.Storage = StorageAWS; c.AWS.Region = "" }, []string{"aws.region must be set to use aws storage"}},
		{"env", func(c *Config) { c.Cistem.Env = []string{"A=1", "broken"} }, []string{`cistem.env entry "broken" is not of the form KEY=VALUE`}},
		{"home", func(c *Config) { c.Cistem.Home = "/no/such/cistem" }, []string{"cistem.home /no/such/cistem is not a directory"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mod(cfg)
			err := cfg.Validate()
			if c.msgs == nil {
				assert.NoError(t, err)
				return
			}
			var ve *pipeline.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, c.msgs, ve.Messages)
		})
	}
}

func TestLogger(t *testing.T) {
	for _, verbose := range []bool{false, true} {
		logger, err := Logger(verbose)
		require.NoError(t, err)
		assert.Equal(t, verbose, logger.Core().Enabled(zapcore.DebugLevel))
		StdLog(logger, verbose).Println("connection message")
	}
}

// chdir changes the working directory to dir for the duration of the
// test, like testing.T.Chdir (Go 1.24+)
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
