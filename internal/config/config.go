// Package config содержит логику чтения конфигурации сервиса видеокредитов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса видеокредитов.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	RenderEngineAddress string        `env:"RENDER_ENGINE_ADDRESS"`
	AuthSecret          string        `env:"AUTH_SECRET"`
	MaxProcessingJobs   int           `env:"MAX_PROCESSING_JOBS"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRenderAddress := cfg.RenderEngineAddress
	envAuthSecret := cfg.AuthSecret
	envMaxProcessing := cfg.MaxProcessingJobs
	envSweepInterval := cfg.SweepInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RenderEngineAddress, "r", "", "render engine address")
	flag.StringVar(&cfg.AuthSecret, "k", "", "secret key for auth cookies")
	flag.IntVar(&cfg.MaxProcessingJobs, "p", 3, "max simultaneously processing jobs per account")
	flag.DurationVar(&cfg.SweepInterval, "s", time.Minute, "interval between expiry sweeps")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRenderAddress != "" {
		cfg.RenderEngineAddress = envRenderAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envMaxProcessing != 0 {
		cfg.MaxProcessingJobs = envMaxProcessing
	}
	if envSweepInterval != 0 {
		cfg.SweepInterval = envSweepInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.MaxProcessingJobs <= 0 {
		cfg.MaxProcessingJobs = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	return cfg, nil
}
