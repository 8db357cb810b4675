package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port                 string `mapstructure:"PORT"`
	Env                  string `mapstructure:"ENV"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32  `mapstructure:"DB_MIN_CONNS"`
	MasterSecret         string `mapstructure:"PHI_MASTER_SECRET"`
	SharingSecret        string `mapstructure:"PHI_SHARING_SECRET"`
	AuditIntegritySecret string `mapstructure:"AUDIT_INTEGRITY_SECRET"`
	KeyRotationDays      int    `mapstructure:"KEY_ROTATION_DAYS"`
	AuditRetentionYears  int    `mapstructure:"AUDIT_RETENTION_YEARS"`
	AuditBatchSize       int    `mapstructure:"AUDIT_BATCH_SIZE"`
	AuditFlushInterval   string `mapstructure:"AUDIT_FLUSH_INTERVAL"`
	KeyDeriveTimeout     string `mapstructure:"KEY_DERIVE_TIMEOUT"`
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
	v.SetDefault("KEY_ROTATION_DAYS", 90)
	v.SetDefault("AUDIT_RETENTION_YEARS", 6)
	v.SetDefault("AUDIT_BATCH_SIZE", 100)
	v.SetDefault("AUDIT_FLUSH_INTERVAL", "5s")
	v.SetDefault("KEY_DERIVE_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("PHI_MASTER_SECRET")
	v.BindEnv("PHI_SHARING_SECRET")
	v.BindEnv("AUDIT_INTEGRITY_SECRET")
	v.BindEnv("KEY_ROTATION_DAYS")
	v.BindEnv("AUDIT_RETENTION_YEARS")
	v.BindEnv("AUDIT_BATCH_SIZE")
	v.BindEnv("AUDIT_FLUSH_INTERVAL")
	v.BindEnv("KEY_DERIVE_TIMEOUT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
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

// FlushInterval parses AUDIT_FLUSH_INTERVAL, falling back to 5s on a bad
// value so a typo degrades to the default instead of disabling flushes.
func (c *Config) FlushInterval() time.Duration {
	d, err := time.ParseDuration(c.AuditFlushInterval)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// DeriveTimeout parses KEY_DERIVE_TIMEOUT with a 10s fallback.
func (c *Config) DeriveTimeout() time.Duration {
	d, err := time.ParseDuration(c.KeyDeriveTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Validate checks that the configuration is safe to run. In production all
// three secrets are required; each must be a 64-character hex string encoding
// 32 bytes. The master and integrity secrets must differ so compromising the
// audit checksum key does not expose the PHI keyspace.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.MasterSecret == "" {
			return fmt.Errorf("PHI_MASTER_SECRET is required in production")
		}
		if c.SharingSecret == "" {
			return fmt.Errorf("PHI_SHARING_SECRET is required in production")
		}
		if c.AuditIntegritySecret == "" {
			return fmt.Errorf("AUDIT_INTEGRITY_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	for _, s := range []struct{ name, value string }{
		{"PHI_MASTER_SECRET", c.MasterSecret},
		{"PHI_SHARING_SECRET", c.SharingSecret},
		{"AUDIT_INTEGRITY_SECRET", c.AuditIntegritySecret},
	} {
		if s.value == "" {
			continue
		}
		decoded, err := hex.DecodeString(s.value)
		if err != nil {
			return fmt.Errorf("%s is not valid hex: %w", s.name, err)
		}
		if len(decoded) != 32 {
			return fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", s.name, len(decoded))
		}
	}

	if c.MasterSecret != "" && c.MasterSecret == c.AuditIntegritySecret {
		return fmt.Errorf("AUDIT_INTEGRITY_SECRET must differ from PHI_MASTER_SECRET")
	}
	if c.MasterSecret != "" && c.MasterSecret == c.SharingSecret {
		return fmt.Errorf("PHI_SHARING_SECRET must differ from PHI_MASTER_SECRET")
	}

	if c.KeyRotationDays <= 0 {
		return fmt.Errorf("KEY_ROTATION_DAYS must be positive, got %d", c.KeyRotationDays)
	}
	if c.AuditRetentionYears < 6 {
		return fmt.Errorf("AUDIT_RETENTION_YEARS must be at least 6 (HIPAA minimum), got %d", c.AuditRetentionYears)
	}

	return nil
}

// ResolveSecrets decodes the configured secrets. In development, a missing
// secret is replaced by a fresh random one with a loud warning; data
// encrypted under it does not survive a restart. Production never reaches
// here with missing secrets because Validate refuses them first.
func (c *Config) ResolveSecrets(logger zerolog.Logger) (master, sharing, integrity []byte, err error) {
	master, err = c.resolveSecret("PHI_MASTER_SECRET", c.MasterSecret, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	sharing, err = c.resolveSecret("PHI_SHARING_SECRET", c.SharingSecret, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	integrity, err = c.resolveSecret("AUDIT_INTEGRITY_SECRET", c.AuditIntegritySecret, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return master, sharing, integrity, nil
}

func (c *Config) resolveSecret(name, value string, logger zerolog.Logger) ([]byte, error) {
	if value != "" {
		decoded, err := hex.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
		}
		return decoded, nil
	}
	if !c.IsDev() {
		return nil, fmt.Errorf("%s is required when ENV is not development", name)
	}

	logger.Warn().Str("secret", name).
		Msg("secret not configured: using an ephemeral random value; encrypted data and audit checksums will NOT survive a restart. Never run this configuration outside local development")

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate ephemeral %s: %w", name, err)
	}
	return secret, nil
}
