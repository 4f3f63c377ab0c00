package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Data directory
	DataDir string

	// Database
	DatabasePath string

	// Agent CLI
	AgentCLI        string
	BootstrapPrompt bool

	// Session policy
	MaxSessions       int
	SessionTimeout    time.Duration
	PermissionTimeout time.Duration
	QuestionTimeout   time.Duration
	TerminalIdle      time.Duration

	// Cookie signing secret
	SessionSecret []byte

	// Debug settings
	DBLogQueries bool
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	dataDir := getEnv("AGENTDECK_DATA_DIR", "./data")

	return &Config{
		// Server
		Port: getEnvInt("PORT", 8080),
		Host: getEnv("HOST", "0.0.0.0"),
		Env:  getEnv("ENV", "development"),

		// Data
		DataDir:      dataDir,
		DatabasePath: getEnv("DATABASE_PATH", filepath.Join(dataDir, "agentdeck.sqlite")),

		// Agent
		AgentCLI:        getEnv("AGENT_CLI", "claude"),
		BootstrapPrompt: getEnv("BOOTSTRAP_PROMPT", "1") == "1",

		// Session policy
		MaxSessions:       getEnvInt("MAX_SESSIONS", 5),
		SessionTimeout:    getEnvMillis("SESSION_TIMEOUT_MS", 3_600_000),
		PermissionTimeout: getEnvMillis("PERMISSION_TIMEOUT_MS", 60_000),
		QuestionTimeout:   getEnvMillis("QUESTION_TIMEOUT_MS", 120_000),
		TerminalIdle:      getEnvMillis("TERMINAL_IDLE_MS", 1_800_000),

		// Auth
		SessionSecret: []byte(getEnv("SESSION_SECRET", "")),

		// Debug
		DBLogQueries: getEnv("DB_LOG_QUERIES", "") == "1",
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}
