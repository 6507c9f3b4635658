// Package config provides application configuration management.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Vault      VaultConfig
	Security   SecurityConfig
	Rotation   RotationConfig
	Audit      AuditConfig
	BreakGlass BreakGlassConfig
}

// VaultConfig holds storage and operation settings.
type VaultConfig struct {
	Dir                 string
	OpTimeout           time.Duration
	RetentionWindow     time.Duration // tombstone and deprecated-version retention
	MaintenanceInterval time.Duration
	MetricsAddr         string // empty disables the metrics endpoint
}

// SecurityConfig holds crypto and policy settings. The master
// passphrase arrives here exactly once at process start from the
// bootstrap environment; it is never persisted or re-prompted for.
type SecurityConfig struct {
	MasterPassphrase string
	KDFIterations    int
	ExecutiveTeam    string
	AdminTeam        string
	PolicySeedFile   string
	LogLevel         string
}

// RotationConfig holds rotation cadence settings. Zero max-age values
// fall back to the per-type defaults.
type RotationConfig struct {
	GraceWindow   time.Duration
	CheckInterval time.Duration
	MaxAge        map[string]time.Duration
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Retention time.Duration
}

// BreakGlassConfig holds emergency access settings.
type BreakGlassConfig struct {
	DefaultDuration time.Duration
	MaxDuration     time.Duration
}

// Load reads configuration from environment variables, prefixed
// TEAMVAULT_ (e.g. TEAMVAULT_VAULT_DIR, TEAMVAULT_MASTER_PASSPHRASE).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("teamvault")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		Vault: VaultConfig{
			Dir:                 v.GetString("vault.dir"),
			OpTimeout:           v.GetDuration("vault.op_timeout"),
			RetentionWindow:     v.GetDuration("vault.retention_window"),
			MaintenanceInterval: v.GetDuration("vault.maintenance_interval"),
			MetricsAddr:         v.GetString("metrics.addr"),
		},
		Security: SecurityConfig{
			MasterPassphrase: v.GetString("master.passphrase"),
			KDFIterations:    v.GetInt("security.kdf_iterations"),
			ExecutiveTeam:    v.GetString("security.executive_team"),
			AdminTeam:        v.GetString("security.admin_team"),
			PolicySeedFile:   v.GetString("security.policy_seed_file"),
			LogLevel:         v.GetString("log.level"),
		},
		Rotation: RotationConfig{
			GraceWindow:   v.GetDuration("rotation.grace_window"),
			CheckInterval: v.GetDuration("rotation.check_interval"),
			MaxAge: map[string]time.Duration{
				"api_key":         v.GetDuration("rotation.max_age.api_key"),
				"database":        v.GetDuration("rotation.max_age.database"),
				"service_account": v.GetDuration("rotation.max_age.service_account"),
				"webhook":         v.GetDuration("rotation.max_age.webhook"),
				"jwt_secret":      v.GetDuration("rotation.max_age.jwt_secret"),
				"certificate":     v.GetDuration("rotation.max_age.certificate"),
			},
		},
		Audit: AuditConfig{
			Retention: v.GetDuration("audit.retention"),
		},
		BreakGlass: BreakGlassConfig{
			DefaultDuration: v.GetDuration("break_glass.default_duration"),
			MaxDuration:     v.GetDuration("break_glass.max_duration"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("vault.dir", "")
	v.SetDefault("vault.op_timeout", 10*time.Second)
	v.SetDefault("vault.retention_window", 7*24*time.Hour)
	v.SetDefault("vault.maintenance_interval", time.Hour)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("security.kdf_iterations", 600_000)
	v.SetDefault("security.executive_team", "executive")
	v.SetDefault("security.admin_team", "security")
	v.SetDefault("security.policy_seed_file", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("rotation.grace_window", 24*time.Hour)
	v.SetDefault("rotation.check_interval", time.Hour)
	v.SetDefault("rotation.max_age.api_key", 30*24*time.Hour)
	v.SetDefault("rotation.max_age.database", 7*24*time.Hour)
	v.SetDefault("rotation.max_age.service_account", 90*24*time.Hour)
	v.SetDefault("rotation.max_age.webhook", 60*24*time.Hour)
	v.SetDefault("rotation.max_age.jwt_secret", 14*24*time.Hour)
	v.SetDefault("rotation.max_age.certificate", 365*24*time.Hour)

	v.SetDefault("audit.retention", 90*24*time.Hour)

	v.SetDefault("break_glass.default_duration", time.Hour)
	v.SetDefault("break_glass.max_duration", 24*time.Hour)
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.Vault.Dir == "" {
		return fmt.Errorf("vault dir is required (TEAMVAULT_VAULT_DIR)")
	}
	if c.Security.MasterPassphrase == "" {
		return fmt.Errorf("master passphrase is required (TEAMVAULT_MASTER_PASSPHRASE)")
	}
	if c.Security.KDFIterations < 100_000 {
		return fmt.Errorf("kdf iterations must be at least 100000, got %d", c.Security.KDFIterations)
	}
	if c.Rotation.GraceWindow <= 0 {
		return fmt.Errorf("rotation grace window must be positive")
	}
	if c.Rotation.CheckInterval <= 0 {
		return fmt.Errorf("rotation check interval must be positive")
	}
	if c.Vault.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance interval must be positive")
	}
	if c.BreakGlass.MaxDuration < c.BreakGlass.DefaultDuration {
		return fmt.Errorf("break-glass max duration is below the default duration")
	}
	return nil
}
