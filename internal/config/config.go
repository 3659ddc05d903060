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
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Escalation workflow
	SignalRetention      time.Duration `mapstructure:"SIGNAL_RETENTION"`
	SignalQueueMax       int64         `mapstructure:"SIGNAL_QUEUE_MAX"`
	PendingRequestTTL    time.Duration `mapstructure:"PENDING_REQUEST_TTL"`
	SweepInterval        time.Duration `mapstructure:"SWEEP_INTERVAL"`
	PreferredSpecialty   string        `mapstructure:"PREFERRED_SPECIALTY"`
	EscalationRiskLevels []string      `mapstructure:"ESCALATION_RISK_LEVELS"`

	// Push fan-out across instances: local, redis or nats.
	PushBroker string `mapstructure:"PUSH_BROKER"`
	NATSURL    string `mapstructure:"NATS_URL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SIGNAL_RETENTION", 5*time.Minute)
	v.SetDefault("SIGNAL_QUEUE_MAX", 256)
	v.SetDefault("PENDING_REQUEST_TTL", 15*time.Minute)
	v.SetDefault("SWEEP_INTERVAL", time.Minute)
	v.SetDefault("ESCALATION_RISK_LEVELS", "high,suicidal,depressed")
	v.SetDefault("PUSH_BROKER", "redis")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"SIGNAL_RETENTION", "SIGNAL_QUEUE_MAX", "PENDING_REQUEST_TTL", "SWEEP_INTERVAL",
		"PREFERRED_SPECIALTY", "ESCALATION_RISK_LEVELS", "PUSH_BROKER", "NATS_URL",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.EscalationRiskLevels = splitList(cfg.EscalationRiskLevels, v.GetString("ESCALATION_RISK_LEVELS"))
	for i, lvl := range cfg.EscalationRiskLevels {
		cfg.EscalationRiskLevels[i] = strings.ToLower(lvl)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; identities come from X-Dev-User/X-Dev-Role headers.")
	}

	return cfg, nil
}

// splitList normalises a list setting that may arrive either already split or
// as one comma-separated string.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		raw = parsed[0]
		parsed = nil
	}
	if parsed == nil && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := parsed[:0]
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKey decodes AUTH_SIGNING_KEY. It returns nil when unset.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// Validate checks that the configuration is safe to run. Outside development
// some token verification source must be configured.
func (c *Config) Validate() error {
	key, err := c.SigningKey()
	if err != nil {
		return err
	}
	if key != nil && len(key) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	if !c.IsDev() && key == nil && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"one of AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER must be set when ENV=%q", c.Env)
	}

	switch c.PushBroker {
	case "local", "redis":
	case "nats":
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required when PUSH_BROKER is \"nats\"")
		}
	default:
		return fmt.Errorf("PUSH_BROKER must be \"local\", \"redis\", or \"nats\", got %q", c.PushBroker)
	}

	if c.SignalRetention <= 0 {
		return fmt.Errorf("SIGNAL_RETENTION must be positive")
	}
	if c.SignalQueueMax <= 0 {
		return fmt.Errorf("SIGNAL_QUEUE_MAX must be positive")
	}
	if c.PendingRequestTTL <= 0 {
		return fmt.Errorf("PENDING_REQUEST_TTL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	return nil
}
