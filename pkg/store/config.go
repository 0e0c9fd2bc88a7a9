package store

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the configuration for the durable queue store.
type Config struct {
	// Path is the location of the SQLite database file shared by all
	// processes of the application.
	Path string `env:"IPCBUS_DB_PATH" envDefault:"ipcbus.db"`
	// BusyTimeout is how long a writer waits for the cross-process write
	// lock before giving up.
	BusyTimeout time.Duration `env:"IPCBUS_BUSY_TIMEOUT" envDefault:"5s"`
}

// Load loads the store configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse store config: %w", err)
	}
	return cfg, nil
}
