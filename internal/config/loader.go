package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
)

const (
	envPrefix  = "DLO"
	envFileVar = envPrefix + "_ENV_FILE"
)

// Load reads an optional .env file, then environment variables, validates the
// result and ensures required directories exist. When DLO_ENV_FILE is set,
// that file is read instead of .env and must exist.
func Load() (*Config, error) {
	if path := os.Getenv(envFileVar); path != "" {
		return LoadFile(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return load()
}

// LoadFile is Load with an explicit env file, which must exist.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errpkg.ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return load()
}

func load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := createDirs(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &cfg, nil
}

func createDirs(cfg *Config) error {
	dirs := []string{
		cfg.DownloadDir,
		filepath.Dir(cfg.StateFile),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		slog.Debug("directory created or verified", "path", dir)
	}
	return nil
}

// SetupLogger configures the global slog logger based on configuration.
// Supports "json" or "text" formats and log levels: debug, info, warn, error.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("env", cfg.Environment)
	slog.SetDefault(logger)
	return logger
}
