package chat

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("chat: invalid config")

// Config tunes the conversation service.
type Config struct {
	// StrictTransitions restricts status changes to new -> processing -> closed and closed -> processing.
	StrictTransitions bool

	DefaultPageSize int
	MaxPageSize     int
}

// DefaultConfig allows any status change and pages of 50 (max 200).
func DefaultConfig() Config {
	return Config{
		DefaultPageSize: defaultPageSize,
		MaxPageSize:     maxPageSize,
	}
}

// LoadConfigFromEnv loads service configuration from environment variables.
//
// Optional:
//   - DESK_CHAT_STRICT_TRANSITIONS (bool)
//   - DESK_CHAT_PAGE_SIZE (1..DESK_CHAT_MAX_PAGE_SIZE)
//   - DESK_CHAT_MAX_PAGE_SIZE (1..200)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("DESK_CHAT_STRICT_TRANSITIONS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.StrictTransitions = b
	}

	if v := strings.TrimSpace(os.Getenv("DESK_CHAT_MAX_PAGE_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageSize {
			return Config{}, ErrConfig
		}
		cfg.MaxPageSize = n
	}

	if v := strings.TrimSpace(os.Getenv("DESK_CHAT_PAGE_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, ErrConfig
		}
		cfg.DefaultPageSize = n
	}

	if cfg.DefaultPageSize > cfg.MaxPageSize {
		return Config{}, ErrConfig
	}

	return cfg, nil
}

func (c Config) transitions() TransitionPolicy {
	if c.StrictTransitions {
		return StrictTransitions
	}
	return AnyTransition
}
