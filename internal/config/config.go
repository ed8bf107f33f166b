package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	AnthropicAPIKey string
	AIModel         string

	CalendarBaseURL string
	CalendarToken   string

	SourceDir string

	CachePath   string
	LedgerPath  string
	UsageDBPath string

	CalendarConfigPath string
	Timezone           string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables and returns a Config
// struct. It applies defaults for optional fields and validates required
// fields. If a .env file exists in the current directory or project root, it
// will be loaded automatically; environment variables already set take
// precedence over .env file values.
func Load() (*Config, error) {
	_ = godotenv.Load() // current directory first

	// Walk up toward the project root looking for a .env.
	wd, err := os.Getwd()
	if err == nil {
		dir := wd
		for i := 0; i < 5; i++ {
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	cfg := &Config{
		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		AIModel:            getEnv("AI_MODEL", "claude-sonnet-4-20250514"),
		CalendarBaseURL:    getEnv("CALENDAR_BASE_URL", "https://www.googleapis.com/calendar/v3"),
		CalendarToken:      os.Getenv("CALENDAR_TOKEN"),
		SourceDir:          getEnv("SOURCE_DIR", "./inbox"),
		CachePath:          getEnv("CACHE_PATH", "./data/event_cache.json"),
		LedgerPath:         getEnv("LEDGER_PATH", "./data/source_ledger.json"),
		UsageDBPath:        getEnv("USAGE_DB_PATH", "./data/usage.db"),
		CalendarConfigPath: getEnv("CALENDAR_CONFIG", "./calendars.yaml"),
		Timezone:           getEnv("TIMEZONE", "America/Santiago"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
	}

	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if cfg.CalendarToken == "" {
		return nil, fmt.Errorf("CALENDAR_TOKEN is required")
	}

	// The JSON stores and the usage database share ./data by default.
	for _, p := range []string{cfg.CachePath, cfg.LedgerPath, cfg.UsageDBPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
