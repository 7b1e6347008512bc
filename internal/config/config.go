package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// ProviderMode selects the protocol backend ("sim" is the only
	// built-in; external transport bindings register their own).
	ProviderMode string

	// AuthDir is where the connection provider persists per-account
	// credentials, one session-<key> directory per account.
	AuthDir string
	// UploadDir holds transient image uploads awaiting transcode.
	UploadDir string

	// QRTimeout is the authentication window for an unscanned code.
	QRTimeout time.Duration
	// ResetInterval between unattended full resets.
	ResetInterval time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":3000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "mensajero"),
		AllowAnyOrigin:   false,
		ProviderMode:     envOrDefault("WA_PROVIDER", "sim"),
		AuthDir:          envOrDefault("WA_AUTH_DIR", ".wa_auth"),
		UploadDir:        envOrDefault("WA_UPLOAD_DIR", "uploads"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:  15 * time.Second,
		QRTimeout:        2 * time.Minute,
		ResetInterval:    24 * time.Hour,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.QRTimeout, err = durationFromEnv("WA_QR_TIMEOUT", cfg.QRTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ResetInterval, err = durationFromEnv("WA_RESET_INTERVAL", cfg.ResetInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.QRTimeout < time.Minute || cfg.QRTimeout > 60*time.Minute {
		return Config{}, fmt.Errorf("WA_QR_TIMEOUT must be between 1m and 60m")
	}
	if cfg.ResetInterval < time.Minute {
		return Config{}, fmt.Errorf("WA_RESET_INTERVAL must be at least 1m")
	}
	if strings.TrimSpace(cfg.AuthDir) == "" {
		return Config{}, fmt.Errorf("WA_AUTH_DIR must not be empty")
	}
	if strings.TrimSpace(cfg.UploadDir) == "" {
		return Config{}, fmt.Errorf("WA_UPLOAD_DIR must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
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
