package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/snapshot/internal/platform/apperror"
	"github.com/ehr/snapshot/internal/platform/auth"
)

const (
	ProviderCerner = "cerner"
	ProviderEpic   = "epic"
)

// CernerTokenURLTemplate derives the token endpoint from a tenant id when
// CERNER_TOKEN_URL is not set.
const CernerTokenURLTemplate = "https://authorization.cerner.com/tenants/%s/protocols/oauth2/profiles/smart-v1/token"

// DefaultEpicScope requests read access to every resource a snapshot uses.
const DefaultEpicScope = "system/Patient.read system/Observation.read system/AllergyIntolerance.read system/Condition.read system/MedicationStatement.read"

// Config is loaded once at startup and passed by value afterwards.
type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	Provider           string        `mapstructure:"SNAPSHOT_PROVIDER"`
	SetLimit           bool          `mapstructure:"SET_LIMIT"`
	PartialResults     bool          `mapstructure:"PARTIAL_RESULTS"`
	RequirePatient     bool          `mapstructure:"REQUIRE_PATIENT"`
	HTTPTimeout        time.Duration `mapstructure:"HTTP_TIMEOUT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TokenSafetyMargin  time.Duration `mapstructure:"TOKEN_SAFETY_MARGIN"`
	FHIRRateLimitRPS   float64       `mapstructure:"FHIR_RATE_LIMIT_RPS"`
	FHIRRateLimitBurst int           `mapstructure:"FHIR_RATE_LIMIT_BURST"`
	MaxPages           int           `mapstructure:"FHIR_MAX_PAGES"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	TracingEnabled bool `mapstructure:"TRACING_ENABLED"`

	CernerTenantID       string      `mapstructure:"CERNER_TENANT_ID"`
	CernerClientID       string      `mapstructure:"CERNER_CLIENT_ID"`
	CernerClientSecret   auth.Secret `mapstructure:"CERNER_CLIENT_SECRET"`
	CernerPrivateKeyPath string      `mapstructure:"CERNER_PRIVATE_KEY_PATH"`
	CernerJWKKID         string      `mapstructure:"CERNER_JWK_KID"`
	CernerJWTAlg         string      `mapstructure:"CERNER_JWT_ALG"`
	CernerTokenURL       string      `mapstructure:"CERNER_TOKEN_URL"`
	CernerFHIRBase       string      `mapstructure:"CERNER_FHIR_BASE"`
	CernerScope          string      `mapstructure:"CERNER_SCOPE"`
	CernerAuthMethod     string      `mapstructure:"CERNER_AUTH_METHOD"`

	EpicClientID       string `mapstructure:"EPIC_CLIENT_ID"`
	EpicPrivateKeyPath string `mapstructure:"EPIC_PRIVATE_KEY_PATH"`
	EpicJWKKID         string `mapstructure:"EPIC_JWK_KID"`
	EpicJWTAlg         string `mapstructure:"EPIC_JWT_ALG"`
	EpicTokenURL       string `mapstructure:"EPIC_TOKEN_URL"`
	EpicFHIRBase       string `mapstructure:"EPIC_FHIR_BASE"`
	EpicFHIRMedBase    string `mapstructure:"EPIC_FHIR_MED_BASE"`
	EpicScope          string `mapstructure:"EPIC_SCOPE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"SNAPSHOT_PROVIDER", "SET_LIMIT", "PARTIAL_RESULTS", "REQUIRE_PATIENT",
	"HTTP_TIMEOUT", "REQUEST_TIMEOUT", "TOKEN_SAFETY_MARGIN",
	"FHIR_RATE_LIMIT_RPS", "FHIR_RATE_LIMIT_BURST", "FHIR_MAX_PAGES",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"TRACING_ENABLED",
	"CERNER_TENANT_ID", "CERNER_CLIENT_ID", "CERNER_CLIENT_SECRET", "CERNER_PRIVATE_KEY_PATH",
	"CERNER_JWK_KID", "CERNER_JWT_ALG", "CERNER_TOKEN_URL", "CERNER_FHIR_BASE",
	"CERNER_SCOPE", "CERNER_AUTH_METHOD",
	"EPIC_CLIENT_ID", "EPIC_PRIVATE_KEY_PATH", "EPIC_JWK_KID", "EPIC_JWT_ALG",
	"EPIC_TOKEN_URL", "EPIC_FHIR_BASE", "EPIC_FHIR_MED_BASE", "EPIC_SCOPE",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SNAPSHOT_PROVIDER", ProviderCerner)
	v.SetDefault("SET_LIMIT", false)
	v.SetDefault("PARTIAL_RESULTS", false)
	v.SetDefault("REQUIRE_PATIENT", true)
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "120s")
	v.SetDefault("TOKEN_SAFETY_MARGIN", "15s")
	v.SetDefault("FHIR_RATE_LIMIT_RPS", 0)
	v.SetDefault("FHIR_RATE_LIMIT_BURST", 1)
	v.SetDefault("FHIR_MAX_PAGES", 100)
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("CERNER_JWT_ALG", auth.DefaultAlgorithm)
	v.SetDefault("EPIC_JWT_ALG", auth.DefaultAlgorithm)
	v.SetDefault("EPIC_SCOPE", DefaultEpicScope)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperror.Wrap(apperror.KindConfiguration, "load config", "unmarshal config", err)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CernerTokenEndpoint returns CERNER_TOKEN_URL, or the tenant template when
// only a tenant id is configured.
func (c *Config) CernerTokenEndpoint() string {
	if c.CernerTokenURL != "" {
		return c.CernerTokenURL
	}
	if c.CernerTenantID != "" {
		return fmt.Sprintf(CernerTokenURLTemplate, c.CernerTenantID)
	}
	return ""
}

// Credentials returns the client credentials for the configured provider.
func (c *Config) Credentials() auth.Credentials {
	switch c.Provider {
	case ProviderEpic:
		return auth.Credentials{
			ClientID:       c.EpicClientID,
			AuthMethod:     auth.AuthPrivateKeyJWT,
			PrivateKeyPath: c.EpicPrivateKeyPath,
			KeyID:          c.EpicJWKKID,
			Algorithm:      c.EpicJWTAlg,
			TokenURL:       c.EpicTokenURL,
			Scope:          c.EpicScope,
		}
	default:
		return auth.Credentials{
			ClientID:       c.CernerClientID,
			ClientSecret:   c.CernerClientSecret,
			AuthMethod:     auth.ResolveAuthMethod(c.CernerAuthMethod, c.CernerPrivateKeyPath, c.CernerClientSecret),
			PrivateKeyPath: c.CernerPrivateKeyPath,
			KeyID:          c.CernerJWKKID,
			Algorithm:      c.CernerJWTAlg,
			TokenURL:       c.CernerTokenEndpoint(),
			Scope:          c.CernerScope,
		}
	}
}

// FHIRBase returns the FHIR base URL of the configured provider, without a
// trailing slash.
func (c *Config) FHIRBase() string {
	if c.Provider == ProviderEpic {
		return strings.TrimRight(c.EpicFHIRBase, "/")
	}
	return strings.TrimRight(c.CernerFHIRBase, "/")
}

// MedicationBase returns the base URL for medication searches. Only epic
// can override it; everything else uses FHIRBase.
func (c *Config) MedicationBase() string {
	if c.Provider == ProviderEpic && c.EpicFHIRMedBase != "" {
		return strings.TrimRight(c.EpicFHIRMedBase, "/")
	}
	return c.FHIRBase()
}

// Validate checks that the configuration is usable before any network call
// is made. Every failure is a configuration error.
func (c *Config) Validate() error {
	const op = "validate config"

	if c.Provider != ProviderCerner && c.Provider != ProviderEpic {
		return apperror.Configuration(op, "SNAPSHOT_PROVIDER must be %q or %q, got %q", ProviderCerner, ProviderEpic, c.Provider)
	}
	if c.Provider == ProviderCerner && c.CernerTokenEndpoint() == "" {
		return apperror.Configuration(op, "missing token url; set CERNER_TOKEN_URL or CERNER_TENANT_ID")
	}
	if err := c.Credentials().Validate(); err != nil {
		return err
	}
	if c.FHIRBase() == "" {
		return apperror.Configuration(op, "missing FHIR base url for provider %s", c.Provider)
	}
	if c.TokenSafetyMargin < auth.MinSafetyMargin {
		return apperror.Configuration(op, "TOKEN_SAFETY_MARGIN must be at least %s, got %s", auth.MinSafetyMargin, c.TokenSafetyMargin)
	}
	if c.HTTPTimeout <= 0 {
		return apperror.Configuration(op, "HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.FHIRRateLimitRPS < 0 {
		return apperror.Configuration(op, "FHIR_RATE_LIMIT_RPS must not be negative")
	}
	return nil
}
