package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AutoReplyRule maps an inbound text pattern to a canned reply.
type AutoReplyRule struct {
	Match string `yaml:"match"` // regular expression, case-insensitive
	Reply string `yaml:"reply"`
}

type WebhookConfig struct {
	DefaultURL    string
	DefaultSecret string
	Timeout       time.Duration
	Retries       int
	Backoff       time.Duration
	Jitter        time.Duration
	MaxBackoff    time.Duration
	ActionDelay   time.Duration

	CircuitThreshold int
	CircuitOpen      time.Duration
}

type SessionConfig struct {
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	ReconnectMaxExp  int
	QRTTL            time.Duration
	RelaunchOnLogout bool
	DataDir          string
	CredentialsDir   string
	RegistryDBURL    string
	HTTPSProxy       string
}

type AuthConfig struct {
	AdminAPIKey    string
	UserAPIKeys    []string
	JWTSecret      string
	WSTicketTTL    time.Duration
	Authentication string // "user:pass,user2:$2a$..." for basic-auth gated routes
}

type LimitConfig struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
	SpamCooldown    time.Duration
	QuotaWindow     time.Duration
	QuotaMax        int
	RedisURL        string
}

type AutoReplyConfig struct {
	Enabled  bool            `yaml:"enabled"`
	PingPong bool            `yaml:"pingPong"`
	Rules    []AutoReplyRule `yaml:"rules"`
	Cooldown time.Duration   `yaml:"-"`

	AIEnabled       bool    `yaml:"aiEnabled"`
	AITriggerPrefix string  `yaml:"aiTriggerPrefix"`
	GeminiAPIKey    string  `yaml:"-"`
	GeminiModel     string  `yaml:"geminiModel"`
	AITemperature   float64 `yaml:"aiTemperature"`
	AIMaxTokens     int     `yaml:"aiMaxTokens"`
	AISystemPrompt  string  `yaml:"aiSystemPrompt"`
}

type Config struct {
	Host           string
	Port           string
	AllowedOrigins []string
	LogLevel       string
	LogPretty      bool

	Webhook   WebhookConfig
	Session   SessionConfig
	Auth      AuthConfig
	Limits    LimitConfig
	AutoReply AutoReplyConfig
}

// fileOverlay is the optional YAML document named by CONFIG_FILE.
type fileOverlay struct {
	AutoReply *AutoReplyConfig `yaml:"autoReply"`
}

// Load reads .env (if present), the process environment and the optional
// YAML overlay.
func Load() (*Config, error) {
	// .env boleh tidak ada, misal di production
	_ = godotenv.Load()

	cfg := &Config{
		Host:           getEnv("HOST", "0.0.0.0"),
		Port:           getEnv("PORT", "4000"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:4000")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogPretty:      GetEnvAsBool("LOG_PRETTY", false),
		Webhook: WebhookConfig{
			DefaultURL:       getEnv("WEBHOOK_DEFAULT_URL", ""),
			DefaultSecret:    getEnv("WEBHOOK_DEFAULT_SECRET", "supersecret"),
			Timeout:          GetEnvAsMillis("WEBHOOK_TIMEOUT_MS", 10000),
			Retries:          GetEnvAsInt("WEBHOOK_RETRIES", 3),
			Backoff:          GetEnvAsMillis("WEBHOOK_BACKOFF_MS", 800),
			Jitter:           GetEnvAsMillis("WEBHOOK_JITTER_MS", 300),
			MaxBackoff:       GetEnvAsMillis("WEBHOOK_MAX_BACKOFF_MS", 10000),
			ActionDelay:      GetEnvAsMillis("WEBHOOK_ACTION_DELAY_MS", 1200),
			CircuitThreshold: GetEnvAsInt("WEBHOOK_CIRCUIT_THRESHOLD", 5),
			CircuitOpen:      GetEnvAsMillis("WEBHOOK_CIRCUIT_OPEN_MS", 60000),
		},
		Session: SessionConfig{
			ReconnectBase:    GetEnvAsMillis("RECONNECT_BASE_MS", 1000),
			ReconnectMax:     GetEnvAsMillis("RECONNECT_MAX_MS", 30000),
			ReconnectMaxExp:  GetEnvAsInt("RECONNECT_MAX_EXPONENT", 5),
			QRTTL:            time.Duration(GetEnvAsInt("QR_TTL_SECONDS", 60)) * time.Second,
			RelaunchOnLogout: GetEnvAsBool("RELAUNCH_ON_LOGOUT", true),
			DataDir:          getEnv("DATA_DIR", "data"),
			CredentialsDir:   getEnv("CREDENTIALS_DIR", "credentials"),
			RegistryDBURL:    getEnv("REGISTRY_DATABASE_URL", ""),
			HTTPSProxy:       getEnv("HTTPS_PROXY", ""),
		},
		Auth: AuthConfig{
			AdminAPIKey:    getEnv("ADMIN_API_KEY", "changeme-admin-key"),
			UserAPIKeys:    splitList(getEnv("USER_API_KEYS", "")),
			JWTSecret:      getEnv("JWT_SECRET", ""),
			WSTicketTTL:    GetEnvAsDuration("WS_TICKET_TTL", 5*time.Minute),
			Authentication: getEnv("AUTHENTICATION", ""),
		},
		Limits: LimitConfig{
			RateLimitWindow: GetEnvAsMillis("RATE_LIMIT_WINDOW_MS", 60000),
			RateLimitMax:    GetEnvAsInt("RATE_LIMIT_MAX", 120),
			SpamCooldown:    GetEnvAsMillis("SPAM_COOLDOWN_MS", 3000),
			QuotaWindow:     GetEnvAsMillis("QUOTA_WINDOW_MS", 60000),
			QuotaMax:        GetEnvAsInt("QUOTA_MAX", 500),
			RedisURL:        getEnv("REDIS_URL", ""),
		},
		AutoReply: AutoReplyConfig{
			Enabled:         GetEnvAsBool("AUTOREPLY_ENABLED", false),
			PingPong:        GetEnvAsBool("AUTOREPLY_PING_PONG", true),
			Cooldown:        time.Duration(GetEnvAsInt("AUTOREPLY_COOLDOWN_SECONDS", 60)) * time.Second,
			AIEnabled:       GetEnvAsBool("AI_ENABLED", false),
			AITriggerPrefix: getEnv("AI_TRIGGER_PREFIX", "/ai"),
			GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
			GeminiModel:     getEnv("GEMINI_DEFAULT_MODEL", "gemini-1.5-flash"),
			AITemperature:   GetEnvAsFloat("AI_DEFAULT_TEMPERATURE", 0.7),
			AIMaxTokens:     GetEnvAsInt("AI_DEFAULT_MAX_TOKENS", 150),
		},
	}

	if cfg.Auth.JWTSecret == "" {
		// tiket WS hanya berlaku selama proses hidup
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWTSecret = hex.EncodeToString(buf)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	apiKey := c.AutoReply.GeminiAPIKey
	// decode over the env values so keys missing from the file keep them
	overlay := fileOverlay{AutoReply: &c.AutoReply}
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.AutoReply.GeminiAPIKey = apiKey
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func GetEnvAsInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func GetEnvAsFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func GetEnvAsBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func GetEnvAsMillis(key string, fallbackMs int) time.Duration {
	return time.Duration(GetEnvAsInt(key, fallbackMs)) * time.Millisecond
}

func GetEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
