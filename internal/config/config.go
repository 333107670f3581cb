package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	AuditDatabaseURL string        `mapstructure:"AUDIT_DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	RoleCacheTTL     time.Duration `mapstructure:"ROLE_CACHE_TTL"`
	AuthJWTSecret    string        `mapstructure:"AUTH_JWT_SECRET"`
	AuthJWKSURL      string        `mapstructure:"AUTH_JWKS_URL"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience     string        `mapstructure:"AUTH_AUDIENCE"`
	ResearchSalt     string        `mapstructure:"RESEARCH_EXPORT_SALT"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit        string        `mapstructure:"BODY_LIMIT"`
	MigrationsDir    string        `mapstructure:"MIGRATIONS_DIR"`
	MetricsInterval  time.Duration `mapstructure:"METRICS_INTERVAL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("ROLE_CACHE_TTL", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("METRICS_INTERVAL", "60s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("AUDIT_DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("ROLE_CACHE_TTL")
	v.BindEnv("AUTH_JWT_SECRET")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("RESEARCH_EXPORT_SALT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("METRICS_INTERVAL")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AuditDatabaseURL == "" {
		cfg.AuditDatabaseURL = cfg.DatabaseURL
	}

	if cfg.IsDev() && cfg.AuthJWTSecret == "" && cfg.AuthJWKSURL == "" {
		log.Println("WARNING: no AUTH_JWT_SECRET or AUTH_JWKS_URL configured; every export request will be rejected with 401")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to serve exports with.
// A missing pseudonymization salt is fatal: there is no safe default, and
// falling back to one would make tokens guessable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ResearchSalt) == "" {
		return fmt.Errorf("RESEARCH_EXPORT_SALT is required; refusing to serve research exports without a pseudonymization salt")
	}
	if c.IsProduction() && len(c.ResearchSalt) < 32 {
		return fmt.Errorf("RESEARCH_EXPORT_SALT must be at least 32 characters in production, got %d", len(c.ResearchSalt))
	}
	if c.AuthJWTSecret == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		if c.IsProduction() {
			return fmt.Errorf("one of AUTH_JWT_SECRET, AUTH_JWKS_URL or AUTH_ISSUER must be set in production")
		}
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RoleCacheTTL < 0 {
		return fmt.Errorf("ROLE_CACHE_TTL must not be negative, got %s", c.RoleCacheTTL)
	}
	return nil
}
