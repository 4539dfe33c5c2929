package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	yaml "gopkg.in/yaml.v3"
)

type AppConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	StoreBackend    string `yaml:"store_backend"`
	RedisURL        string `yaml:"redis_url"`
	RedisGameTTLSec int    `yaml:"redis_game_ttl_sec"`
	DatabaseURL     string `yaml:"database_url"`

	RulesOracle string `yaml:"rules_oracle"`

	AuthJWTSecret string `yaml:"auth_jwt_secret"`
	AuthJWKSURL   string `yaml:"auth_jwks_url"`
	AuthIssuer    string `yaml:"auth_issuer"`
	AuthAudience  string `yaml:"auth_audience"`

	SessionIdleGraceSec     int `yaml:"session_idle_grace_sec"`
	SessionSweepIntervalSec int `yaml:"session_sweep_interval_sec"`
	ForfeitAfterSec         int `yaml:"forfeit_after_sec"`
	PersistTimeoutMS        int `yaml:"persist_timeout_ms"`

	WSSendBuffer      int `yaml:"ws_send_buffer"`
	WSPingIntervalSec int `yaml:"ws_ping_interval_sec"`
	WSWriteTimeoutSec int `yaml:"ws_write_timeout_sec"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	ResultWebhookURL string `yaml:"result_webhook_url"`
	MessagesDir      string `yaml:"messages_dir"`

	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	LogToConsole bool   `yaml:"log_to_console"`
	LogToFile    bool   `yaml:"log_to_file"`
	LogFile      string `yaml:"log_file"`
	LogCaller    bool   `yaml:"log_caller"`
}

func defaults() *AppConfig {
	return &AppConfig{
		HTTPAddr:                ":8080",
		RulesOracle:             "corentings",
		SessionIdleGraceSec:     300,
		SessionSweepIntervalSec: 15,
		PersistTimeoutMS:        2000,
		WSSendBuffer:            64,
		WSPingIntervalSec:       30,
		WSWriteTimeoutSec:       10,
		LogLevel:                "info",
		LogFormat:               "legacy",
		LogToConsole:            true,
		LogFile:                 "logs/arena.log",
	}
}

// Load builds the config from defaults, the optional CONFIG_FILE overlay and
// the environment, in that order. A .env file in the working directory is
// merged into the environment at startup without overriding set variables.
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.StoreBackend, "STORE_BACKEND")
	setString(&cfg.RedisURL, "REDIS_URL")
	setInt(&cfg.RedisGameTTLSec, "REDIS_GAME_TTL_SEC", true)
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RulesOracle, "RULES_ORACLE")

	setString(&cfg.AuthJWTSecret, "AUTH_JWT_SECRET")
	setString(&cfg.AuthJWKSURL, "AUTH_JWKS_URL")
	setString(&cfg.AuthIssuer, "AUTH_ISSUER")
	setString(&cfg.AuthAudience, "AUTH_AUDIENCE")

	setInt(&cfg.SessionIdleGraceSec, "SESSION_IDLE_GRACE_SEC", false)
	setInt(&cfg.SessionSweepIntervalSec, "SESSION_SWEEP_INTERVAL_SEC", false)
	setInt(&cfg.ForfeitAfterSec, "FORFEIT_AFTER_SEC", true)
	setInt(&cfg.PersistTimeoutMS, "PERSIST_TIMEOUT_MS", false)

	setInt(&cfg.WSSendBuffer, "WS_SEND_BUFFER", false)
	setInt(&cfg.WSPingIntervalSec, "WS_PING_INTERVAL_SEC", false)
	setInt(&cfg.WSWriteTimeoutSec, "WS_WRITE_TIMEOUT_SEC", false)

	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	setString(&cfg.ResultWebhookURL, "RESULT_WEBHOOK_URL")
	setString(&cfg.MessagesDir, "MESSAGES_DIR")

	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setBool(&cfg.LogToConsole, "LOG_TO_CONSOLE")
	setBool(&cfg.LogToFile, "LOG_TO_FILE")
	setString(&cfg.LogFile, "LOG_FILE")
	setBool(&cfg.LogCaller, "LOG_CALLER")

	if cfg.StoreBackend == "" {
		switch {
		case cfg.DatabaseURL != "":
			cfg.StoreBackend = "postgres"
		case cfg.RedisURL != "":
			cfg.StoreBackend = "redis"
		default:
			cfg.StoreBackend = "memory"
		}
	}
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.RulesOracle = strings.ToLower(cfg.RulesOracle)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *AppConfig) Validate() error {
	if c.AuthJWTSecret == "" && c.AuthJWKSURL == "" {
		return errors.New("AUTH_JWT_SECRET or AUTH_JWKS_URL is required")
	}
	switch c.StoreBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.RulesOracle {
	case "corentings", "notnil":
	default:
		return fmt.Errorf("unknown RULES_ORACLE %q", c.RulesOracle)
	}
	if c.WSSendBuffer <= 0 {
		return errors.New("WS_SEND_BUFFER must be positive")
	}
	return nil
}

func (c *AppConfig) IdleGrace() time.Duration {
	return time.Duration(c.SessionIdleGraceSec) * time.Second
}

func (c *AppConfig) SweepInterval() time.Duration {
	return time.Duration(c.SessionSweepIntervalSec) * time.Second
}

func (c *AppConfig) ForfeitAfter() time.Duration {
	return time.Duration(c.ForfeitAfterSec) * time.Second
}

func (c *AppConfig) PersistTimeout() time.Duration {
	return time.Duration(c.PersistTimeoutMS) * time.Millisecond
}

func (c *AppConfig) RedisGameTTL() time.Duration {
	return time.Duration(c.RedisGameTTLSec) * time.Second
}

func (c *AppConfig) PingInterval() time.Duration {
	return time.Duration(c.WSPingIntervalSec) * time.Second
}

func (c *AppConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WSWriteTimeoutSec) * time.Second
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// setInt ignores unparsable values like the rest of the loader. Zero is
// accepted only when allowZero is set.
func setInt(dst *int, key string, allowZero bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || (n == 0 && !allowZero) {
		return
	}
	*dst = n
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
