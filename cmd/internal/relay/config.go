package relay

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for an unusable relay configuration.
var ErrConfig = errors.New("relay: invalid config")

// Config controls the event relay.
type Config struct {
	// URL is the AMQP broker URL. Empty means events are only logged.
	URL string
	// Exchange is the topic exchange events are published to.
	Exchange string
	// QueueSize bounds events waiting for the broker. A full queue drops new events.
	QueueSize int

	DialAttempts   int
	DialDelay      time.Duration
	PublishTimeout time.Duration
}

// DefaultConfig returns the configuration used when no environment is set.
func DefaultConfig() Config {
	return Config{
		Exchange:       "desk.events",
		QueueSize:      1024,
		DialAttempts:   5,
		DialDelay:      time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// LoadConfigFromEnv reads relay config.
//
// Env:
//   - DESK_RELAY_AMQP_URL
//   - DESK_RELAY_EXCHANGE
//   - DESK_RELAY_QUEUE
//   - DESK_RELAY_DIAL_ATTEMPTS
//   - DESK_RELAY_DIAL_DELAY
//   - DESK_RELAY_PUBLISH_TIMEOUT
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	cfg.URL = strings.TrimSpace(os.Getenv("DESK_RELAY_AMQP_URL"))
	if v := strings.TrimSpace(os.Getenv("DESK_RELAY_EXCHANGE")); v != "" {
		cfg.Exchange = v
	}

	var err error
	if cfg.QueueSize, err = envInt("DESK_RELAY_QUEUE", cfg.QueueSize); err != nil {
		return Config{}, err
	}
	if cfg.DialAttempts, err = envInt("DESK_RELAY_DIAL_ATTEMPTS", cfg.DialAttempts); err != nil {
		return Config{}, err
	}
	if cfg.DialDelay, err = envDuration("DESK_RELAY_DIAL_DELAY", cfg.DialDelay); err != nil {
		return Config{}, err
	}
	if cfg.PublishTimeout, err = envDuration("DESK_RELAY_PUBLISH_TIMEOUT", cfg.PublishTimeout); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool { return c.URL != "" }

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, ErrConfig
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, ErrConfig
	}
	return d, nil
}
