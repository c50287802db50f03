package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting. Values are read once at startup and
// never mutated afterwards.
type Config struct {
	Port     string
	ProxyURL string
	GinMode  string

	// Stream store backend. When DatabaseURL is set the Postgres store is
	// used; when ElectricURL is set the remote HTTP store is used; otherwise
	// the in-memory store.
	DatabaseURL string
	ElectricURL string

	// NATS (optional, enables cross-instance stop-generation)
	NatsURL string

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Long-poll / live streaming
	LongPollTimeoutSeconds int
	LivePollIntervalMillis int

	// Agent invocation
	AgentRequestTimeoutMinutes int

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string

	// DefaultAgents are loaded from the optional config file and registered
	// on every newly created session.
	DefaultAgents []AgentSpec `yaml:"agents"`
}

// AgentSpec describes a registered agent endpoint.
type AgentSpec struct {
	ID           string                 `yaml:"id" json:"id"`
	Name         string                 `yaml:"name" json:"name,omitempty"`
	Endpoint     string                 `yaml:"endpoint" json:"endpoint"`
	Headers      map[string]string      `yaml:"headers" json:"headers,omitempty"`
	Triggers     []string               `yaml:"triggers" json:"triggers,omitempty"`
	BodyTemplate map[string]interface{} `yaml:"body_template" json:"bodyTemplate,omitempty"`
}

var AppConfig *Config

// LoadConfig reads .env, environment variables and the optional YAML config
// file, in that order of precedence (env wins over file defaults).
func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:     getEnvOrDefault("PROXY_PORT", "4001"),
		ProxyURL: getEnvOrDefault("PROXY_URL", "http://localhost:4001"),
		GinMode:  getEnvOrDefault("GIN_MODE", "release"),

		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),
		ElectricURL: getEnvOrDefault("ELECTRIC_URL", ""),

		NatsURL: getEnvOrDefault("NATS_URL", ""),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Long-poll / live streaming
		LongPollTimeoutSeconds: getEnvAsInt("LONG_POLL_TIMEOUT_SECONDS", 20),
		LivePollIntervalMillis: getEnvAsInt("LIVE_POLL_INTERVAL_MILLIS", 250),

		// Agent invocation
		AgentRequestTimeoutMinutes: getEnvAsInt("AGENT_REQUEST_TIMEOUT_MINUTES", 10),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// The config file only carries default agent registrations; it is
	// optional and never overrides environment variables.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	configFile, err := os.Open(configFilePath)
	if err != nil {
		log.Printf("No config file at %s, starting without default agents", configFilePath)
		return
	}
	defer configFile.Close()

	if err := LoadConfigFile(configFile, AppConfig); err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}

	if len(AppConfig.DefaultAgents) > 0 {
		log.Printf("Loaded %d default agent registration(s) from %s", len(AppConfig.DefaultAgents), configFilePath)
	}
}

// LoadConfigFile decodes YAML settings into config.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		// An empty file is fine.
		if err == io.EOF {
			return nil
		}
		return err
	}

	return nil
}

// LongPollTimeout returns the long-poll wait as a duration.
func (c *Config) LongPollTimeout() time.Duration {
	return time.Duration(c.LongPollTimeoutSeconds) * time.Second
}

// LivePollInterval returns the live re-poll cadence as a duration.
func (c *Config) LivePollInterval() time.Duration {
	return time.Duration(c.LivePollIntervalMillis) * time.Millisecond
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
