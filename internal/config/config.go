// Package config loads the backoffice service configuration: an optional
// YAML file for deploy-time settings, with environment variables taking
// precedence over both the file and the built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alcast-labs/alcast-go/internal/platform/env"
)

type Config struct {
	HTTP      HTTP      `yaml:"http"`
	Scheduler Scheduler `yaml:"scheduler"`
	Exports   Exports   `yaml:"exports"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Scheduler struct {
	IngestHourUTC   int    `yaml:"ingest_hour_utc"`
	PipelineHourUTC int    `yaml:"pipeline_hour_utc"`
	PipelineVersion string `yaml:"pipeline_version"`
	PipelineEnabled bool   `yaml:"pipeline_enabled"`
	EmitExports     bool   `yaml:"emit_exports"`
}

type Exports struct {
	WorkerInterval time.Duration `yaml:"worker_interval"`
	BuildVersion   string        `yaml:"build_version"`
}

func defaults() Config {
	return Config{
		HTTP: HTTP{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Scheduler: Scheduler{
			PipelineVersion: "daily.v1",
		},
		Exports: Exports{
			WorkerInterval: 15 * time.Second,
			BuildVersion:   "dev",
		},
	}
}

// Load resolves the configuration. path may be empty; a missing file is not
// an error, only an unreadable or malformed one is.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = env.String("ALCAST_CONFIG_FILE", "")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Addr = env.String("ALCAST_HTTP_ADDR", c.HTTP.Addr)

	shutdown, err := env.Duration("ALCAST_HTTP_SHUTDOWN_TIMEOUT", c.HTTP.ShutdownTimeout)
	if err != nil {
		return err
	}
	c.HTTP.ShutdownTimeout = shutdown

	ingestHour, err := env.Int("ALCAST_SCHEDULER_INGEST_HOUR_UTC", c.Scheduler.IngestHourUTC)
	if err != nil {
		return err
	}
	c.Scheduler.IngestHourUTC = ingestHour

	pipelineHour, err := env.Int("ALCAST_SCHEDULER_PIPELINE_HOUR_UTC", c.Scheduler.PipelineHourUTC)
	if err != nil {
		return err
	}
	c.Scheduler.PipelineHourUTC = pipelineHour

	c.Scheduler.PipelineVersion = env.String("ALCAST_PIPELINE_VERSION", c.Scheduler.PipelineVersion)

	pipelineEnabled, err := env.Bool("ALCAST_PIPELINE_DAILY_ENABLED", c.Scheduler.PipelineEnabled)
	if err != nil {
		return err
	}
	c.Scheduler.PipelineEnabled = pipelineEnabled

	emitExports, err := env.Bool("ALCAST_PIPELINE_EMIT_EXPORTS", c.Scheduler.EmitExports)
	if err != nil {
		return err
	}
	c.Scheduler.EmitExports = emitExports

	interval, err := env.Duration("ALCAST_EXPORTS_WORKER_INTERVAL", c.Exports.WorkerInterval)
	if err != nil {
		return err
	}
	c.Exports.WorkerInterval = interval

	c.Exports.BuildVersion = env.String("ALCAST_BUILD_VERSION", c.Exports.BuildVersion)
	return nil
}
