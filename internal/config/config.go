package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	AuthMode    string `mapstructure:"AUTH_MODE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
	AuthDevKey   string `mapstructure:"AUTH_DEV_SIGNING_KEY"`

	DefaultDomain string `mapstructure:"DEFAULT_DOMAIN"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	// DeidKey keys the de-identification transforms: 64 hex chars
	// (32 bytes decoded). Rotating it changes every hashed and shifted
	// value, so treat it like any other long-lived secret.
	DeidKey string `mapstructure:"DEID_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	SubmissionRPS     float64       `mapstructure:"SUBMISSION_RPS"`
	SubmissionBurst   int           `mapstructure:"SUBMISSION_BURST"`
	SubmissionMaxWait time.Duration `mapstructure:"SUBMISSION_MAX_WAIT"`

	BodyLimit           string `mapstructure:"BODY_LIMIT"`
	SubmissionBodyLimit string `mapstructure:"SUBMISSION_BODY_LIMIT"`

	CORSOriginsRaw string   `mapstructure:"CORS_ORIGINS"`
	CORSOrigins    []string `mapstructure:"-"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV when empty
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_DOMAIN", "default")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SUBMISSION_RPS", 50)
	v.SetDefault("SUBMISSION_BURST", 100)
	v.SetDefault("SUBMISSION_MAX_WAIT", "15s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("SUBMISSION_BODY_LIMIT", "25M")
	v.SetDefault("CORS_ORIGINS", "*")

	for _, key := range []string{
		"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_DEV_SIGNING_KEY",
		"DEFAULT_DOMAIN", "MIGRATIONS_DIR", "DEID_KEY",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"SUBMISSION_RPS", "SUBMISSION_BURST", "SUBMISSION_MAX_WAIT",
		"BODY_LIMIT", "SUBMISSION_BODY_LIMIT", "CORS_ORIGINS",
		"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	} {
		v.BindEnv(key)
	}

	// A .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	for _, origin := range strings.Split(cfg.CORSOriginsRaw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; all requests get admin access.")
		log.Println("WARNING: set ENV=production and configure AUTH_ISSUER for production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode: an explicit
// AUTH_MODE wins; otherwise development when ENV=development, external
// when an issuer is configured, and hmac (shared signing key) otherwise.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "hmac"
}

// DeidKeyBytes decodes the de-identification key. Empty when unset.
func (c *Config) DeidKeyBytes() ([]byte, error) {
	if c.DeidKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.DeidKey)
	if err != nil {
		return nil, fmt.Errorf("DEID_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("DEID_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	switch mode {
	case "development", "hmac":
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is \"external\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"hmac\", or \"external\", got %q", mode)
	}

	if mode == "hmac" && c.AuthDevKey == "" {
		return fmt.Errorf("AUTH_DEV_SIGNING_KEY is required when AUTH_MODE is \"hmac\"")
	}

	if c.IsProduction() && c.DeidKey == "" {
		return fmt.Errorf("DEID_KEY is required in production")
	}
	if _, err := c.DeidKeyBytes(); err != nil {
		return err
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
