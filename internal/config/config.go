package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultRealtimeURL is the endpoint the client dials when REALTIME_URL is unset.
const DefaultRealtimeURL = "ws://localhost:8080/api/v1/ws"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	WebSocket WebSocketConfig
	Realtime  RealtimeConfig
	Logging   LoggingConfig
	App       AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration. An empty URL selects the
// in-memory message store.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsPath  string
}

// RedisConfig holds the cross-instance fan-out settings. An empty URL keeps
// broadcasts local to the process.
type RedisConfig struct {
	URL     string
	Channel string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	FramesPerSecond   float64 // inbound websocket frames per client
	FrameBurst        int
}

// WebSocketConfig holds server-side WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	MaxMessageSize  int64
}

// RealtimeConfig holds the client connection settings used by deskchat.
type RealtimeConfig struct {
	URL                  string
	APIURL               string // REST base, derived from URL when empty
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
	TokenFile            string
	ProbeInterval        time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// LoadServer loads the configuration for cmd/api.
func LoadServer() (*Config, error) {
	cfg := load()
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient loads the configuration for the terminal client.
func LoadClient() (*Config, error) {
	cfg := load()
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() *Config {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	realtimeURL := getEnvOrDefault("REALTIME_URL", DefaultRealtimeURL)

	return &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getIntOrDefault("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			MigrationsPath:  getEnvOrDefault("DB_MIGRATIONS_PATH", "file://migrations"),
		},
		Redis: RedisConfig{
			URL:     os.Getenv("REDIS_URL"),
			Channel: getEnvOrDefault("REDIS_CHANNEL", "service-desk:realtime"),
		},
		JWT: JWTConfig{
			Secret:         os.Getenv("JWT_SECRET"),
			AccessTokenTTL: getDurationOrDefault("JWT_ACCESS_TOKEN_TTL", 1*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 10),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 20),
			FramesPerSecond:   getFloatOrDefault("WS_FRAMES_PER_SECOND", 5),
			FrameBurst:        getIntOrDefault("WS_FRAME_BURST", 10),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			PingInterval:    getDurationOrDefault("WS_PING_INTERVAL", 54*time.Second),
			PongWait:        getDurationOrDefault("WS_PONG_WAIT", 60*time.Second),
			MaxMessageSize:  int64(getIntOrDefault("WS_MAX_MESSAGE_SIZE", 16*1024)),
		},
		Realtime: RealtimeConfig{
			URL:                  realtimeURL,
			APIURL:               getEnvOrDefault("DESK_API_URL", apiURLFromRealtime(realtimeURL)),
			BaseDelay:            getDurationOrDefault("REALTIME_BASE_DELAY", time.Second),
			MaxDelay:             getDurationOrDefault("REALTIME_MAX_DELAY", 30*time.Second),
			MaxReconnectAttempts: getIntOrDefault("REALTIME_MAX_ATTEMPTS", 5),
			ConnectTimeout:       getDurationOrDefault("REALTIME_CONNECT_TIMEOUT", 20*time.Second),
			TokenFile:            getEnvOrDefault("DESK_TOKEN_FILE", defaultTokenFile()),
			ProbeInterval:        getDurationOrDefault("REALTIME_PROBE_INTERVAL", 5*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "service-desk-realtime"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
	}
}

// ValidateServer validates the fields the server needs.
func (c *Config) ValidateServer() error {
	var errs []string

	if c.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	}

	if c.App.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, "DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, "WS_PING_INTERVAL must be shorter than WS_PONG_WAIT")
	}

	return joinErrors(errs)
}

// ValidateClient validates the fields the realtime client needs.
func (c *Config) ValidateClient() error {
	var errs []string

	u, err := url.Parse(c.Realtime.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("REALTIME_URL is invalid: %v", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, "REALTIME_URL must use the ws or wss scheme")
	}

	if c.Realtime.BaseDelay <= 0 {
		errs = append(errs, "REALTIME_BASE_DELAY must be positive")
	}
	if c.Realtime.MaxDelay < c.Realtime.BaseDelay {
		errs = append(errs, "REALTIME_MAX_DELAY cannot be shorter than REALTIME_BASE_DELAY")
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		errs = append(errs, "REALTIME_MAX_ATTEMPTS cannot be negative")
	}

	return joinErrors(errs)
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
}

// apiURLFromRealtime derives http(s)://host from a ws(s) endpoint.
func apiURLFromRealtime(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "http://localhost:8080"
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "service-desk", "auth.json")
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getDurationOrDefault accepts Go durations ("1500ms") and bare integers,
// which are read as milliseconds.
func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, DB: %s, Redis: %s, JWT: [REDACTED], Realtime: %s, RateLimit: %v, Environment: %s}",
		c.Server.Port,
		redactURL(c.Database.URL),
		redactURL(c.Redis.URL),
		c.Realtime.URL,
		c.RateLimit.Enabled,
		c.App.Environment,
	)
}

// redactURL hides the credentials of a connection URL
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	if idx := strings.LastIndex(raw, "@"); idx > 0 {
		return "[REDACTED]" + raw[idx:]
	}
	return "[REDACTED]"
}
