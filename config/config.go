// Package config loads the server's settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the cashback server.
type Config struct {
	// HTTP Server
	Port        string
	CORSOrigins []string

	// Storage
	DataBackend string // "sqlite" or "memory"
	DBPath      string

	// Logging
	LogLevel    string
	Environment string

	// AMQP. An empty URL means recomputes run inside the request.
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Ledger
	RecomputeParallelism int
	HistoryCycles        int
}

// Load reads configuration from environment variables and .env file (if present).
func Load() *Config {
	// godotenv.Load does not override variables that are already set, and a
	// missing .env file is not an error here.
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),

		DataBackend: strings.ToLower(getEnv("DATA_BACKEND", "sqlite")),
		DBPath:      getEnv("DB_PATH", "cashback.db"),

		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Environment: strings.ToLower(getEnv("ENVIRONMENT", "development")),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "cashback"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "cashback_recompute"),

		RecomputeParallelism: getEnvInt("RECOMPUTE_PARALLELISM", 4),
		HistoryCycles:        getEnvInt("HISTORY_CYCLES", 3),
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		problems = append(problems, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	switch c.DataBackend {
	case "memory":
	case "sqlite":
		if c.DBPath == "" {
			problems = append(problems, "DB_PATH cannot be empty when using sqlite backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid data backend '%s': must be one of [memory sqlite]", c.DataBackend))
	}

	if c.AMQPURL != "" {
		if parsed, err := url.Parse(c.AMQPURL); err != nil {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsed.Scheme))
		}
		if c.AMQPExchange == "" {
			problems = append(problems, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			problems = append(problems, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.RecomputeParallelism < 1 {
		problems = append(problems, fmt.Sprintf("invalid recompute parallelism %d: must be at least 1", c.RecomputeParallelism))
	}
	if c.HistoryCycles < 0 {
		problems = append(problems, fmt.Sprintf("invalid history cycles %d: must not be negative", c.HistoryCycles))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// UsesQueue reports whether recomputes are handed to AMQP.
func (c *Config) UsesQueue() bool {
	return c.AMQPURL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt maps an unparsable value to -1 so Validate rejects it rather
// than silently falling back to the default.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return i
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
