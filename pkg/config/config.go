// Package config assembles the runtime configuration from environment
// variables, optionally layered over a YAML file carrying the same keys
// in lower_snake_case. The environment wins over the file; empty values
// count as unset. File values use the environment string forms, so lists
// stay comma-separated.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Defaults for everything but ALLOW_ORIGINS, which has no sane default
// and must be configured.
const (
	DefaultCoreURL   = "http://127.0.0.1:8332/"
	DefaultWallet    = "escrowwatch"
	DefaultRateLimit = "100/minute"
	DefaultOrdersDB  = "orders.sqlite"
	DefaultWebhookDB = "webhooks.db"
	DefaultPort      = 8080
	DefaultLogLevel  = "info"
)

// Config is the assembled runtime configuration.
type Config struct {
	CoreURL    string
	CoreUser   string
	CorePass   string
	CoreWallet string

	// APIKeys empty disables auth entirely.
	APIKeys       []string
	APIKeyRevoked []string
	AllowOrigins  []string

	// CallbackURL and HMACSecret both empty disables webhook delivery.
	CallbackURL    string
	HMACSecret     string
	WebhookRetries int
	WebhookBackoff float64
	WebhookDB      string

	StuckOrderAge   time.Duration
	StuckInterval   time.Duration
	SigningDeadline time.Duration

	// RateLimit stays in its <n>/<window> string form; the API server
	// parses it.
	RateLimit string

	OrdersDB string
	Port     int
	LogLevel string

	// PrometheusAddr and PprofAddr empty keep the listeners off.
	PrometheusAddr string
	PprofAddr      string
}

// ListenAddr is the API bind address derived from Port.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load reads the configuration, layering the environment over the YAML
// file at path (skipped when path is empty) over the defaults.
func Load(path string) (Config, error) {
	file, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}
	l := &lookup{file: file}

	cfg := Config{
		CoreURL:    l.str("BTC_CORE_URL", DefaultCoreURL),
		CoreUser:   l.str("BTC_CORE_USER", ""),
		CorePass:   l.str("BTC_CORE_PASS", ""),
		CoreWallet: l.str("BTC_CORE_WALLET", DefaultWallet),

		APIKeys:       l.list("API_KEYS"),
		APIKeyRevoked: l.list("API_KEY_REVOKED"),
		AllowOrigins:  l.list("ALLOW_ORIGINS"),

		CallbackURL:    l.str("WOO_CALLBACK_URL", ""),
		HMACSecret:     l.str("WOO_HMAC_SECRET", ""),
		WebhookRetries: l.num("WEBHOOK_RETRIES", 3),
		WebhookBackoff: l.float("WEBHOOK_BACKOFF", 2.0),
		WebhookDB:      l.str("WEBHOOK_DB", DefaultWebhookDB),

		StuckOrderAge:   time.Duration(l.num("STUCK_ORDER_HOURS", 24)) * time.Hour,
		StuckInterval:   time.Duration(l.num("STUCK_CHECK_INTERVAL", 600)) * time.Second,
		SigningDeadline: time.Duration(l.num("SIGNING_DEADLINE_DAYS", 7)) * 24 * time.Hour,

		RateLimit: l.str("RATE_LIMIT", DefaultRateLimit),
		OrdersDB:  l.str("ORDERS_DB", DefaultOrdersDB),
		Port:      l.num("PORT", DefaultPort),
		LogLevel:  l.str("LOG_LEVEL", DefaultLogLevel),

		PrometheusAddr: l.str("PROMETHEUS_ADDR", ""),
		PprofAddr:      l.str("PPROF_ADDR", ""),
	}
	if l.err != nil {
		return Config{}, l.err
	}

	if len(cfg.AllowOrigins) == 0 {
		return Config{}, errors.New("config: ALLOW_ORIGINS must be set")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("config: PORT %d out of range", cfg.Port)
	}
	if cfg.WebhookRetries < 0 {
		return Config{}, errors.New("config: WEBHOOK_RETRIES must not be negative")
	}
	if cfg.WebhookBackoff < 0 {
		return Config{}, errors.New("config: WEBHOOK_BACKOFF must not be negative")
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

func loadFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	file := make(map[string]string, len(doc))
	for k, v := range doc {
		file[k] = fmt.Sprint(v)
	}
	return file, nil
}

// lookup resolves one key at a time, remembering the first bad value.
type lookup struct {
	file map[string]string
	err  error
}

// raw finds the configured value for an environment variable name, with
// the lower_snake_case file key as fallback.
func (l *lookup) raw(env string) (string, bool) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		return v, true
	}
	v, ok := l.file[strings.ToLower(env)]
	return v, ok && v != ""
}

func (l *lookup) fail(env, v string) {
	if l.err == nil {
		l.err = fmt.Errorf("config: %s: bad value %q", env, v)
	}
}

func (l *lookup) str(env, def string) string {
	if v, ok := l.raw(env); ok {
		return v
	}
	return def
}

func (l *lookup) num(env string, def int) int {
	v, ok := l.raw(env)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		l.fail(env, v)
		return def
	}
	return n
}

func (l *lookup) float(env string, def float64) float64 {
	v, ok := l.raw(env)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		l.fail(env, v)
		return def
	}
	return f
}

func (l *lookup) list(env string) []string {
	v, ok := l.raw(env)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
