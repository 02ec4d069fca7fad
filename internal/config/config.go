// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Visitor   VisitorConfig
	Simulator SimulatorConfig
	DBPath    string
	Logging   bool
}

// VisitorConfig mirrors the options a page passes to the chat client.
type VisitorConfig struct {
	SessionAPIKey string
	// ServerSet overrides the server set parsed from the API key when
	// ServerSetSet is true, even if it is empty.
	ServerSet           string
	ServerSetSet        bool
	APIOrigin           string
	UploadHost          string
	RetryTimeout        time.Duration
	ThrowErrors         bool
	MessageCache        bool
	ChatCookie          string
	ConfigCookie        string
	ChatRecoverCookie   string
	Secured             []string
	LocalSecured        []string
	ChatEndedStateCheck bool
	PageParameters      string
	SessionTTL          time.Duration
}

// SimulatorConfig controls the local backend simulator.
type SimulatorConfig struct {
	Port          string
	FrontendURL   string
	AccountID     string
	OperatorName  string
	OperatorDelay time.Duration
	// Heartbeat is how often the frame pushes a heartbeat.
	Heartbeat     time.Duration
	PreChat       bool
	PostChat      bool
	Unavailable   bool
	RateLimit     float64
	RateBurst     int
	UploadDir     string
	SessionTTL    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	serverSet, serverSetSet := os.LookupEnv("BC_SERVER_SET")

	cfg := &Config{
		DBPath:  getEnv("BC_DB_PATH", "./data/visitor.db"),
		Logging: getEnvBool("BC_LOGGING", true),
		Visitor: VisitorConfig{
			SessionAPIKey:       getEnv("BC_SESSION_API_KEY", ""),
			ServerSet:           serverSet,
			ServerSetSet:        serverSetSet,
			APIOrigin:           getEnv("BC_API_ORIGIN", ""),
			UploadHost:          getEnv("BC_UPLOAD_HOST", ""),
			RetryTimeout:        time.Duration(getEnvInt("BC_RETRY_TIMEOUT_MS", 15000)) * time.Millisecond,
			ThrowErrors:         getEnvBool("BC_THROW_ERRORS", true),
			MessageCache:        getEnvBool("BC_MESSAGE_CACHE", true),
			ChatCookie:          getEnv("BC_CHAT_COOKIE", "_bcck"),
			ConfigCookie:        getEnv("BC_CONFIG_COOKIE", "_bccfg"),
			ChatRecoverCookie:   getEnv("BC_CHAT_RECOVER_COOKIE", "_bc-curl"),
			Secured:             getEnvList("BC_SECURED"),
			LocalSecured:        getEnvList("BC_LOCAL_SECURED"),
			ChatEndedStateCheck: getEnvBool("BC_CHAT_ENDED_STATE_CHECK", false),
			PageParameters:      getEnv("BC_PAGE_PARAMETERS", ""),
			SessionTTL:          time.Duration(getEnvInt("BC_SESSION_TTL_MINUTES", 24*60)) * time.Minute,
		},
		Simulator: SimulatorConfig{
			Port:          getEnv("PORT", "8080"),
			FrontendURL:   getEnv("FRONTEND_URL", ""),
			AccountID:     getEnv("SIM_ACCOUNT_ID", "2307475884"),
			OperatorName:  getEnv("SIM_OPERATOR_NAME", "Operator"),
			OperatorDelay: time.Duration(getEnvInt("SIM_OPERATOR_DELAY_MS", 1500)) * time.Millisecond,
			Heartbeat:     time.Duration(getEnvInt("SIM_HEARTBEAT_MS", 10000)) * time.Millisecond,
			PreChat:       getEnvBool("SIM_PRECHAT", false),
			PostChat:      getEnvBool("SIM_POSTCHAT", true),
			Unavailable:   getEnvBool("SIM_UNAVAILABLE", false),
			RateLimit:     getEnvFloat("SIM_RATE_LIMIT", 20),
			RateBurst:     getEnvInt("SIM_RATE_BURST", 40),
			UploadDir:     getEnv("SIM_UPLOAD_DIR", "./data/uploads"),
			SessionTTL:    time.Duration(getEnvInt("SIM_SESSION_TTL_MINUTES", 60)) * time.Minute,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("BC_DB_PATH cannot be empty")
	}
	if c.Visitor.RetryTimeout <= 0 {
		return fmt.Errorf("BC_RETRY_TIMEOUT_MS must be > 0")
	}
	if c.Visitor.ChatCookie == "" || c.Visitor.ConfigCookie == "" || c.Visitor.ChatRecoverCookie == "" {
		return fmt.Errorf("cookie names cannot be empty")
	}
	if c.Simulator.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Simulator.AccountID == "" {
		return fmt.Errorf("SIM_ACCOUNT_ID cannot be empty")
	}
	if c.Simulator.Heartbeat <= 0 {
		return fmt.Errorf("SIM_HEARTBEAT_MS must be > 0")
	}
	if c.Simulator.RateLimit <= 0 || c.Simulator.RateBurst <= 0 {
		return fmt.Errorf("SIM_RATE_LIMIT and SIM_RATE_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	u := c.Simulator.FrontendURL
	return u == "" ||
		strings.Contains(u, "localhost") ||
		strings.Contains(u, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
