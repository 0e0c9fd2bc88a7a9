package bus

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultGrace is the fixed interval added to a message's creation time to
// form its absolute timeout. A message still undelivered past its timeout is
// purged by any process's next sweep.
const DefaultGrace = 2 * time.Minute

// Config holds the configuration for a bus endpoint.
type Config struct {
	// Identity is this process's destination name. Every process of the
	// application must pick a unique identity.
	Identity string `env:"IPCBUS_IDENTITY"`
	// SocketDir is the shared runtime directory holding the wakeup sockets
	// of all processes.
	SocketDir string `env:"IPCBUS_SOCKET_DIR" envDefault:"/tmp/ipcbus"`
	// Grace bounds how long an undelivered message stays in the store.
	Grace time.Duration `env:"IPCBUS_GRACE" envDefault:"2m"`
}

// Load loads the endpoint configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse bus config: %w", err)
	}
	return cfg, nil
}
