package app

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aussiebroadwan/tabline/internal/live/bus"
	"github.com/aussiebroadwan/tabline/pkg/httpx"
)

type Config struct {
	APIBaseURL string // REST API root (default: http://localhost:8080/api)
	WSBaseURL  string // Websocket server root (default: http://localhost:8080)
	WSPath     string // Raw websocket endpoint of the STOMP broker (default: /ws/websocket)

	DatabaseFile  string // SQLite file holding the sealed session, empty keeps it in memory (default: tabline.db)
	MasterKeyPath string // Key file for sealing tokens at rest (default: tabline.key)

	ReconnectDelay       time.Duration // Base delay of automatic bus reconnect (default: 3s)
	ReconnectMaxAttempts int           // Automatic reconnect attempts before giving up (default: 5)
	Heartbeat            time.Duration // STOMP heart-beat offered both ways, 0 disables (default: 30s)
	HTTPTimeout          time.Duration // Per request timeout (default: 10s)
	RateLimit            httpx.RateLimitConfig

	MetricsAddr string // Optional: serve /metrics here while listening

	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: text)
}

// LoadConfig reads the environment. envFile, when set, must exist and is
// loaded first; otherwise a .env in the working directory is used if present.
// Variables already set in the environment win over the file.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		APIBaseURL:           getEnvOrDefault("TABLINE_API_BASE_URL", "http://localhost:8080/api"),
		WSBaseURL:            getEnvOrDefault("TABLINE_WS_BASE_URL", "http://localhost:8080"),
		WSPath:               getEnvOrDefault("TABLINE_WS_PATH", "/ws/websocket"),
		DatabaseFile:         getEnvOrDefault("TABLINE_DATABASE_FILE", "tabline.db"),
		MasterKeyPath:        getEnvOrDefault("TABLINE_MASTER_KEY_PATH", "tabline.key"),
		ReconnectDelay:       getEnvDurationOrDefault("TABLINE_RECONNECT_DELAY", bus.DefaultReconnectDelay),
		ReconnectMaxAttempts: getEnvIntOrDefault("TABLINE_RECONNECT_MAX_ATTEMPTS", bus.DefaultMaxReconnectAttempts),
		Heartbeat:            getEnvDurationOrDefault("TABLINE_HEARTBEAT", bus.DefaultHeartbeat),
		HTTPTimeout:          getEnvDurationOrDefault("TABLINE_HTTP_TIMEOUT", 10*time.Second),
		RateLimit:            httpx.ParseRateLimitFromEnv("API", httpx.DefaultClientLimit),
		MetricsAddr:          os.Getenv("TABLINE_METRICS_ADDR"),
		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// "memory" is easier to type than an empty value in a .env file
	if cfg.DatabaseFile == "memory" {
		cfg.DatabaseFile = ""
	}

	return cfg, nil
}

// BusURL is the websocket URL of the broker, with http(s) mapped to ws(s).
func (c Config) BusURL() (string, error) {
	u, err := url.Parse(c.WSBaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket base url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported websocket base url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(c.WSPath, "/")
	return u.String(), nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are milliseconds, matching the web client's settings.
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	return defaultValue
}
