// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Mpesa    MpesaConfig
	Donation DonationConfig
	SMTP     SMTPConfig
	Redis    RedisConfig

	// PublicBaseURL is the externally reachable base URL of this service.
	// Callback URLs handed to the provider must live under it.
	PublicBaseURL string

	// CallbackSecret is the shared secret used to verify callback signatures.
	CallbackSecret string
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type MpesaConfig struct {
	Environment    string
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string

	// ShortCode is the paybill business short code. TillCode is used when a
	// donation comes in via the till (buy-goods) flow.
	ShortCode string
	TillCode  string

	// TimeoutSeconds bounds a single STK push attempt. MaxRetries is the
	// number of additional attempts allowed after a timeout.
	TimeoutSeconds int
	MaxRetries     int
}

type DonationConfig struct {
	MinAmount float64
	MaxAmount float64

	// AllowedPrefixes lists the subscriber prefixes a normalized phone
	// number may start with.
	AllowedPrefixes []string
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func Load(logger *zap.Logger) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8030"),
			Env:  getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "donations"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Mpesa: MpesaConfig{
			Environment:    getEnv("MPESA_ENVIRONMENT", "sandbox"),
			ConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
			Passkey:        getEnv("MPESA_PASSKEY", ""),
			ShortCode:      getEnv("MPESA_SHORT_CODE", ""),
			TillCode:       getEnv("MPESA_TILL_CODE", ""),
			TimeoutSeconds: getEnvInt("MPESA_TIMEOUT_SECONDS", 30),
			MaxRetries:     getEnvInt("MPESA_MAX_RETRIES", 2),
		},
		Donation: DonationConfig{
			MinAmount:       getEnvFloat("DONATION_MIN_AMOUNT", 1),
			MaxAmount:       getEnvFloat("DONATION_MAX_AMOUNT", 150000),
			AllowedPrefixes: getEnvList("ALLOWED_PHONE_PREFIXES", "2547,2541"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnv("SMTP_PORT", "587"),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "donations@localhost"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", "http://localhost:8030"),
		CallbackSecret: getEnv("CALLBACK_SECRET", ""),
	}

	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if cfg.Mpesa.ConsumerKey == "" || cfg.Mpesa.ConsumerSecret == "" {
		return nil, fmt.Errorf("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required")
	}
	if cfg.Mpesa.ShortCode == "" {
		return nil, fmt.Errorf("MPESA_SHORT_CODE is required")
	}
	if cfg.CallbackSecret == "" {
		logger.Warn("CALLBACK_SECRET is empty, callback signature verification is disabled")
	}
	if cfg.Donation.MinAmount <= 0 || cfg.Donation.MaxAmount < cfg.Donation.MinAmount {
		return nil, fmt.Errorf("invalid donation amount bounds: min=%v max=%v",
			cfg.Donation.MinAmount, cfg.Donation.MaxAmount)
	}

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Server.Env),
		zap.String("mpesa_environment", cfg.Mpesa.Environment),
		zap.Float64("min_amount", cfg.Donation.MinAmount),
		zap.Float64("max_amount", cfg.Donation.MaxAmount),
		zap.Bool("redis_token_cache", cfg.Redis.Addr != ""))

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
