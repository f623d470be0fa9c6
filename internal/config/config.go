package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	AuthMode              string        `mapstructure:"AUTH_MODE"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	LookupRateLimitRPS    float64       `mapstructure:"LOOKUP_RATE_LIMIT_RPS"`
	LookupRateLimitBurst  int           `mapstructure:"LOOKUP_RATE_LIMIT_BURST"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit             string        `mapstructure:"BODY_LIMIT"`
	AdminPasswordHash     string        `mapstructure:"ADMIN_PASSWORD_HASH"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthTokenTTL          time.Duration `mapstructure:"AUTH_TOKEN_TTL"`
	PublicSiteURL         string        `mapstructure:"PUBLIC_SITE_URL"`
	LookupAllowOrderOnly  bool          `mapstructure:"LOOKUP_ALLOW_ORDER_ONLY"`
	SentryDSN             string        `mapstructure:"SENTRY_DSN"`
	TLSEnabled            bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile           string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile            string        `mapstructure:"TLS_KEY_FILE"`
	TrustedProxies        []string      `mapstructure:"TRUSTED_PROXIES"`
}

// Load reads the server configuration. DATABASE_URL is required.
func Load() (*Config, error) {
	cfg, err := LoadWithoutDatabase()
	if err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ResolvedAuthMode() == "development" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running with AUTH_MODE=development.")
		log.Println("WARNING: Staff endpoints are open, every request acts as lab staff.")
		log.Println("WARNING: Set ENV=production, ADMIN_PASSWORD_HASH and AUTH_SIGNING_KEY.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// LoadWithoutDatabase reads the same settings as Load for commands that never
// open a connection.
func LoadWithoutDatabase() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("LOOKUP_RATE_LIMIT_RPS", 1)
	v.SetDefault("LOOKUP_RATE_LIMIT_BURST", 10)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("AUTH_TOKEN_TTL", "12h")
	v.SetDefault("PUBLIC_SITE_URL", "https://allergoexpressmed.vercel.app")
	v.SetDefault("LOOKUP_ALLOW_ORDER_ONLY", true)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("LOOKUP_RATE_LIMIT_RPS")
	v.BindEnv("LOOKUP_RATE_LIMIT_BURST")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("ADMIN_PASSWORD_HASH")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("AUTH_TOKEN_TTL")
	v.BindEnv("PUBLIC_SITE_URL")
	v.BindEnv("LOOKUP_ALLOW_ORDER_ONLY")
	v.BindEnv("SENTRY_DSN")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")
	v.BindEnv("TRUSTED_PROXIES")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.PublicSiteURL = strings.TrimRight(cfg.PublicSiteURL, "/")
	cfg.TrustedProxies = splitList(cfg.TrustedProxies)

	return cfg, nil
}

// splitList flattens comma separated entries and drops blanks.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// TrustedProxyNets parses TRUSTED_PROXIES. Bare addresses become single-host
// ranges.
func (c *Config) TrustedProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: invalid address %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. An explicit AUTH_MODE wins;
// otherwise development environments run without auth and everything else
// uses the built-in staff login.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "standalone"
}

// SigningKey decodes AUTH_SIGNING_KEY. Callers must run Validate first.
func (c *Config) SigningKey() []byte {
	key, _ := hex.DecodeString(c.AuthSigningKey)
	return key
}

// Validate checks that the configuration is safe to run. Standalone mode
// needs both the bcrypt hash of the staff password and a hex HMAC key of at
// least 32 bytes.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "standalone" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"standalone\", got %q", mode)
	}
	if c.IsProduction() && mode == "development" {
		return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
	}

	if mode == "standalone" {
		if c.AdminPasswordHash == "" {
			return fmt.Errorf("ADMIN_PASSWORD_HASH is required when AUTH_MODE is \"standalone\"")
		}
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is \"standalone\"")
		}
	}
	if c.AuthSigningKey != "" {
		keyBytes, err := hex.DecodeString(c.AuthSigningKey)
		if err != nil {
			return fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("AUTH_TOKEN_TTL must be positive")
	}

	if _, err := c.TrustedProxyNets(); err != nil {
		return err
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
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
