package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the REST surface.
type Config struct {
	// MaxBodyBytes bounds every JSON request body.
	MaxBodyBytes int64
	// AllowedOrigins enables CORS for browser clients. Empty disables CORS handling.
	AllowedOrigins []string
	// CORSMaxAge is the preflight cache lifetime in seconds.
	CORSMaxAge int
	// WriteLimit caps POST and PATCH requests per subject within WriteWindow. Zero disables the cap.
	WriteLimit  int
	WriteWindow time.Duration
}

// DefaultConfig returns the configuration used when no environment is set.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 64 << 10,
		CORSMaxAge:   300,
		WriteLimit:   60,
		WriteWindow:  time.Minute,
	}
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
//
// Env:
//   - DESK_API_MAX_BODY_BYTES
//   - DESK_API_CORS_ORIGINS (comma-separated)
//   - DESK_API_CORS_MAX_AGE (seconds)
//   - DESK_API_WRITE_LIMIT (0 disables)
//   - DESK_API_WRITE_WINDOW (Go duration)
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		MaxBodyBytes:   envInt64("DESK_API_MAX_BODY_BYTES", def.MaxBodyBytes),
		AllowedOrigins: splitCSV(os.Getenv("DESK_API_CORS_ORIGINS")),
		CORSMaxAge:     envInt("DESK_API_CORS_MAX_AGE", def.CORSMaxAge),
		WriteLimit:     envNonNegative("DESK_API_WRITE_LIMIT", def.WriteLimit),
		WriteWindow:    envDuration("DESK_API_WRITE_WINDOW", def.WriteWindow),
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.CORSMaxAge <= 0 {
		c.CORSMaxAge = def.CORSMaxAge
	}
	if c.WriteLimit < 0 {
		c.WriteLimit = 0
	}
	if c.WriteWindow <= 0 {
		c.WriteWindow = def.WriteWindow
	}
	return c
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envNonNegative(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
