package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

const (
	DefaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	CallbackPath = "/oauth2/callback"
	ChannelPath  = "/v1/channel"
)

// Config contains runtime settings shared by the host, the observer and the
// control CLI. Each binary reads the fields it needs.
type Config struct {
	BindAddr         string
	PublicURL        string
	StateDSN         string
	FolderName       string
	AuthURL          string
	TokenURL         string
	DriveEndpoint    string
	HTTPTimeout      time.Duration
	AuthTimeout      time.Duration
	BrowserCommand   string
	StrictClientID   bool
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         log.Level

	ChannelURL     string
	PageFile       string
	PageURL        string
	PollInterval   time.Duration
	Debounce       time.Duration
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	MaxAttempts    int
	RedactPII      bool
	MetricsAddr    string
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none are
// given) without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("HOST_BIND_ADDR", "127.0.0.1:8787"),
		PublicURL:        stringsTrimSpace("HOST_PUBLIC_URL"),
		StateDSN:         envOrDefault("HOST_STATE_DSN", defaultStateDSN()),
		FolderName:       envOrDefault("HOST_FOLDER_NAME", "ChatGPT Logs"),
		AuthURL:          envOrDefault("HOST_AUTH_URL", DefaultAuthURL),
		TokenURL:         envOrDefault("HOST_TOKEN_URL", DefaultTokenURL),
		DriveEndpoint:    stringsTrimSpace("HOST_DRIVE_ENDPOINT"),
		BrowserCommand:   stringsTrimSpace("HOST_BROWSER_CMD"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "drivelogger"),
		ChannelURL:       stringsTrimSpace("OBSERVER_CHANNEL_URL"),
		PageFile:         stringsTrimSpace("OBSERVER_PAGE_FILE"),
		PageURL:          stringsTrimSpace("OBSERVER_PAGE_URL"),
		MetricsAddr:      envOrDefault("OBSERVER_METRICS_ADDR", "127.0.0.1:8788"),
		HTTPTimeout:      30 * time.Second,
		AuthTimeout:      5 * time.Minute,
		ShutdownTimeout:  10 * time.Second,
		PollInterval:     2 * time.Second,
		Debounce:         300 * time.Millisecond,
		PingInterval:     15 * time.Second,
		ReconnectDelay:   600 * time.Millisecond,
		MaxAttempts:      5,
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://" + cfg.BindAddr
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.ChannelURL == "" {
		cfg.ChannelURL = channelURLFromPublic(cfg.PublicURL)
	}

	var err error
	cfg.LogLevel, err = log.ParseLevel(envOrDefault("APP_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, fmt.Errorf("APP_LOG_LEVEL parse error: %w", err)
	}
	cfg.HTTPTimeout, err = durationFromEnv("HOST_HTTP_TIMEOUT", cfg.HTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthTimeout, err = durationFromEnv("HOST_AUTH_TIMEOUT", cfg.AuthTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("HOST_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StrictClientID, err = boolFromEnv("HOST_STRICT_CLIENT_ID", cfg.StrictClientID)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("OBSERVER_POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.Debounce, err = durationFromEnv("OBSERVER_DEBOUNCE", cfg.Debounce)
	if err != nil {
		return Config{}, err
	}
	cfg.PingInterval, err = durationFromEnv("OBSERVER_PING_INTERVAL", cfg.PingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectDelay, err = durationFromEnv("OBSERVER_RECONNECT_DELAY", cfg.ReconnectDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxAttempts, err = intFromEnv("OBSERVER_MAX_ATTEMPTS", cfg.MaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPII, err = boolFromEnv("OBSERVER_REDACT_PII", cfg.RedactPII)
	if err != nil {
		return Config{}, err
	}

	if _, err := url.ParseRequestURI(cfg.PublicURL); err != nil {
		return Config{}, fmt.Errorf("HOST_PUBLIC_URL is invalid: %w", err)
	}
	if cfg.HTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("HOST_HTTP_TIMEOUT must be positive")
	}
	if cfg.AuthTimeout < 10*time.Second {
		return Config{}, fmt.Errorf("HOST_AUTH_TIMEOUT must be at least 10s")
	}
	if cfg.PollInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("OBSERVER_POLL_INTERVAL must be at least 100ms")
	}
	if cfg.Debounce <= 0 {
		return Config{}, fmt.Errorf("OBSERVER_DEBOUNCE must be positive")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("OBSERVER_PING_INTERVAL must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("OBSERVER_MAX_ATTEMPTS must be positive")
	}

	return cfg, nil
}

// RedirectURL is the fixed OAuth redirect URI served by the host.
func (c Config) RedirectURL() string {
	return c.PublicURL + CallbackPath
}

func channelURLFromPublic(public string) string {
	switch {
	case strings.HasPrefix(public, "https://"):
		return "wss://" + strings.TrimPrefix(public, "https://") + ChannelPath
	case strings.HasPrefix(public, "http://"):
		return "ws://" + strings.TrimPrefix(public, "http://") + ChannelPath
	default:
		return public + ChannelPath
	}
}

func defaultStateDSN() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "badger://" + filepath.Join(".drivelogger", "state")
	}
	return "badger://" + filepath.Join(home, ".drivelogger", "state")
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
