package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	JWTSecret string        `yaml:"jwt_secret"`
	JWTTTL    time.Duration `yaml:"jwt_ttl"`

	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"admin_password"`

	TicketCodeSecret string `yaml:"ticket_code_secret"`
	CodeMaxAttempts  int    `yaml:"code_max_attempts"`
	MaxPerPurchase   int    `yaml:"max_per_purchase"`

	WebhookSecret  string `yaml:"webhook_secret"`
	WebhookMaxBody int64  `yaml:"webhook_max_body"`

	Currency        string        `yaml:"currency"`
	RefundFee       int64         `yaml:"refund_processing_fee"`
	RefundMinimum   int64         `yaml:"refund_minimum"`
	GatewayTimeout  time.Duration `yaml:"gateway_timeout"`
	GatewayProvider string        `yaml:"gateway_provider"`
	PendingMatchTTL time.Duration `yaml:"pending_match_ttl"`

	Sandbox SandboxConfig `yaml:"sandbox"`
	Xendit  XenditConfig  `yaml:"xendit"`
	PubNub  PubNubConfig  `yaml:"pubnub"`
}

type SandboxConfig struct {
	CallbackURL string        `yaml:"callback_url"`
	Delay       time.Duration `yaml:"delay"`
}

type XenditConfig struct {
	SecretKey string `yaml:"secret_key"`
	PublicKey string `yaml:"public_key"`
	BaseURL   string `yaml:"base_url"`
}

type PubNubConfig struct {
	PublishKey   string `yaml:"publish_key"`
	SubscribeKey string `yaml:"subscribe_key"`
	UserID       string `yaml:"user_id"`
}

func defaults() *Config {
	return &Config{
		Port:            "8080",
		LogLevel:        "info",
		DBHost:          "localhost",
		DBPort:          "5432",
		DBName:          "spoticket",
		RedisAddr:       "localhost:6379",
		JWTTTL:          24 * time.Hour,
		CodeMaxAttempts: 10,
		MaxPerPurchase:  10,
		WebhookMaxBody:  1 << 20,
		Currency:        "INR",
		RefundFee:       4000,
		RefundMinimum:   100,
		GatewayTimeout:  10 * time.Second,
		GatewayProvider: "sandbox",
		PendingMatchTTL: 10 * time.Minute,
		Sandbox:         SandboxConfig{Delay: 2 * time.Second},
		PubNub:          PubNubConfig{UserID: "spoticket-gate"},
	}
}

// LoadConfig layers defaults, the optional YAML file at path, then
// environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.DBHost = getEnv("DB_HOST", cfg.DBHost)
	cfg.DBPort = getEnv("DB_PORT", cfg.DBPort)
	cfg.DBUser = getEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = getEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = getEnv("DB_NAME", cfg.DBName)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvAsInt("REDIS_DB", cfg.RedisDB)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTTTL = getEnvAsDuration("JWT_TTL", cfg.JWTTTL)
	cfg.AdminEmail = getEnv("ADMIN_EMAIL", cfg.AdminEmail)
	cfg.AdminPassword = getEnv("ADMIN_PASSWORD", cfg.AdminPassword)

	cfg.TicketCodeSecret = getEnv("TICKET_CODE_SECRET", cfg.TicketCodeSecret)
	cfg.CodeMaxAttempts = getEnvAsInt("CODE_MAX_ATTEMPTS", cfg.CodeMaxAttempts)
	cfg.MaxPerPurchase = getEnvAsInt("MAX_PER_PURCHASE", cfg.MaxPerPurchase)

	cfg.WebhookSecret = getEnv("WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.WebhookMaxBody = getEnvAsInt64("WEBHOOK_MAX_BODY", cfg.WebhookMaxBody)

	cfg.Currency = getEnv("CURRENCY", cfg.Currency)
	cfg.RefundFee = getEnvAsInt64("REFUND_PROCESSING_FEE", cfg.RefundFee)
	cfg.RefundMinimum = getEnvAsInt64("REFUND_MINIMUM", cfg.RefundMinimum)
	cfg.GatewayTimeout = getEnvAsDuration("GATEWAY_TIMEOUT", cfg.GatewayTimeout)
	cfg.GatewayProvider = getEnv("GATEWAY_PROVIDER", cfg.GatewayProvider)
	cfg.PendingMatchTTL = getEnvAsDuration("PENDING_MATCH_TTL", cfg.PendingMatchTTL)

	cfg.Sandbox.CallbackURL = getEnv("SANDBOX_CALLBACK_URL", cfg.Sandbox.CallbackURL)
	cfg.Sandbox.Delay = getEnvAsDuration("SANDBOX_DELAY", cfg.Sandbox.Delay)

	cfg.Xendit.SecretKey = getEnv("XENDIT_SECRET_KEY", cfg.Xendit.SecretKey)
	cfg.Xendit.PublicKey = getEnv("XENDIT_PUBLIC_KEY", cfg.Xendit.PublicKey)
	cfg.Xendit.BaseURL = getEnv("XENDIT_BASE_URL", cfg.Xendit.BaseURL)

	cfg.PubNub.PublishKey = getEnv("PUBNUB_PUBLISH_KEY", cfg.PubNub.PublishKey)
	cfg.PubNub.SubscribeKey = getEnv("PUBNUB_SUBSCRIBE_KEY", cfg.PubNub.SubscribeKey)
	cfg.PubNub.UserID = getEnv("PUBNUB_USER_ID", cfg.PubNub.UserID)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.TicketCodeSecret == "" {
		errs = append(errs, errors.New("TICKET_CODE_SECRET is required"))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required"))
	}
	if c.RefundMinimum <= 0 {
		errs = append(errs, errors.New("REFUND_MINIMUM must be positive"))
	}
	if c.RefundFee < 0 {
		errs = append(errs, errors.New("REFUND_PROCESSING_FEE must not be negative"))
	}
	switch c.GatewayProvider {
	case "sandbox":
	case "xendit":
		if c.Xendit.SecretKey == "" {
			errs = append(errs, errors.New("XENDIT_SECRET_KEY is required for the xendit gateway"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.GatewayProvider))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
