package worker

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var envOnce sync.Once

// LoadEnv loads a dotenv file into the process environment exactly once per
// process, no matter how many services start. An empty path tries ".env"
// best-effort; a named path must exist. Start calls this lazily, so callers
// only need it directly when they read the environment before constructing
// the service.
func LoadEnv(path string) error {
	var err error
	envOnce.Do(func() {
		target := path
		if target == "" {
			target = ".env"
		}
		loadErr := godotenv.Load(target)
		if loadErr == nil {
			return
		}
		if path == "" && os.IsNotExist(loadErr) {
			return
		}
		err = fmt.Errorf("failed to load env file %q: %w", target, loadErr)
	})
	return err
}

// LoadConfigFromEnv fills a Config from WORKER_* environment variables.
// Hooks, log sinks and guards cannot come from the environment and are left
// for the caller to set.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		Name:         os.Getenv("WORKER_SERVICE_NAME"),
		Description:  os.Getenv("WORKER_SERVICE_DESCRIPTION"),
		Version:      os.Getenv("WORKER_SERVICE_VERSION"),
		PollInterval: 10 * time.Second,
		BatchSize:    10,
		EnvFile:      os.Getenv("WORKER_ENV_FILE"),
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("WORKER_SERVICE_NAME environment variable not set")
	}

	if raw := os.Getenv("WORKER_POLL_INTERVAL"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_POLL_INTERVAL %q: %w", raw, err)
		}
		cfg.PollInterval = interval
	}
	if raw := os.Getenv("WORKER_BATCH_SIZE"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_BATCH_SIZE %q: %w", raw, err)
		}
		cfg.BatchSize = size
	}
	if raw := os.Getenv("WORKER_MAX_IN_FLIGHT"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_MAX_IN_FLIGHT %q: %w", raw, err)
		}
		cfg.MaxInFlight = limit
	}
	return cfg, nil
}
