package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehr/snapshot/internal/platform/apperror"
	"github.com/ehr/snapshot/internal/platform/auth"
)

// clearEnv blanks every key so the host environment cannot leak into a test.
// Empty values are treated as unset by viper.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func loadFrom(t *testing.T, envFile string) *Config {
	t.Helper()
	cfg, err := load(envFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

func validCerner() *Config {
	return &Config{
		Provider:             ProviderCerner,
		CernerTenantID:       "tenant-1",
		CernerClientID:       "client-1",
		CernerPrivateKeyPath: "/keys/cerner.pem",
		CernerJWTAlg:         auth.DefaultAlgorithm,
		CernerFHIRBase:       "https://fhir.example.com/r4/",
		CernerScope:          "system/Patient.read",
		HTTPTimeout:          30 * time.Second,
		TokenSafetyMargin:    15 * time.Second,
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := loadFrom(t, filepath.Join(t.TempDir(), "missing.env"))

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.Provider != ProviderCerner {
		t.Errorf("expected default provider cerner, got %s", cfg.Provider)
	}
	if cfg.SetLimit || cfg.PartialResults {
		t.Error("bounded pagination and partial results should be off by default")
	}
	if !cfg.RequirePatient {
		t.Error("expected REQUIRE_PATIENT to default to true")
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("expected HTTP_TIMEOUT 30s, got %s", cfg.HTTPTimeout)
	}
	if cfg.TokenSafetyMargin != 15*time.Second {
		t.Errorf("expected TOKEN_SAFETY_MARGIN 15s, got %s", cfg.TokenSafetyMargin)
	}
	if cfg.CernerJWTAlg != "RS384" || cfg.EpicJWTAlg != "RS384" {
		t.Errorf("expected RS384 defaults, got %s / %s", cfg.CernerJWTAlg, cfg.EpicJWTAlg)
	}
	if cfg.EpicScope != DefaultEpicScope {
		t.Errorf("expected default epic scope, got %q", cfg.EpicScope)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("SNAPSHOT_PROVIDER", " EPIC ")
	t.Setenv("SET_LIMIT", "1")
	t.Setenv("PARTIAL_RESULTS", "true")
	t.Setenv("HTTP_TIMEOUT", "5s")
	t.Setenv("FHIR_RATE_LIMIT_RPS", "2.5")
	t.Setenv("EPIC_CLIENT_ID", "epic-client")

	cfg := loadFrom(t, filepath.Join(t.TempDir(), "missing.env"))

	if cfg.Provider != ProviderEpic {
		t.Errorf("expected provider to be normalized to epic, got %q", cfg.Provider)
	}
	if !cfg.SetLimit {
		t.Error("expected SET_LIMIT=1 to enable bounded pagination")
	}
	if !cfg.PartialResults {
		t.Error("expected PARTIAL_RESULTS=true")
	}
	if cfg.HTTPTimeout != 5*time.Second {
		t.Errorf("expected 5s, got %s", cfg.HTTPTimeout)
	}
	if cfg.FHIRRateLimitRPS != 2.5 {
		t.Errorf("expected 2.5 rps, got %v", cfg.FHIRRateLimitRPS)
	}
	if cfg.EpicClientID != "epic-client" {
		t.Errorf("expected epic client id, got %q", cfg.EpicClientID)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	content := "CERNER_TENANT_ID=abc\nCERNER_CLIENT_ID=from-file\nCERNER_SCOPE=system/Patient.read\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := loadFrom(t, path)
	if cfg.CernerClientID != "from-file" {
		t.Errorf("expected client id from .env, got %q", cfg.CernerClientID)
	}
	if cfg.CernerTenantID != "abc" {
		t.Errorf("expected tenant from .env, got %q", cfg.CernerTenantID)
	}
}

func TestLoad_EnvironmentOverridesDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CERNER_CLIENT_ID=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CERNER_CLIENT_ID", "from-env")

	if cfg := loadFrom(t, path); cfg.CernerClientID != "from-env" {
		t.Errorf("expected environment to win, got %q", cfg.CernerClientID)
	}
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
	if !c.IsProduction() {
		t.Error("expected IsProduction() to return true for production")
	}
}

func TestConfig_CernerTokenEndpoint(t *testing.T) {
	c := &Config{CernerTenantID: "ec2458f2"}
	want := "https://authorization.cerner.com/tenants/ec2458f2/protocols/oauth2/profiles/smart-v1/token"
	if got := c.CernerTokenEndpoint(); got != want {
		t.Errorf("tenant template: got %s", got)
	}

	c.CernerTokenURL = "https://auth.example.com/token"
	if got := c.CernerTokenEndpoint(); got != c.CernerTokenURL {
		t.Errorf("explicit url should win, got %s", got)
	}

	if got := (&Config{}).CernerTokenEndpoint(); got != "" {
		t.Errorf("expected empty endpoint, got %s", got)
	}
}

func TestConfig_CredentialsCerner(t *testing.T) {
	c := validCerner()
	creds := c.Credentials()
	if creds.ClientID != "client-1" || creds.AuthMethod != auth.AuthPrivateKeyJWT {
		t.Errorf("unexpected credentials: %+v", creds)
	}
	if creds.TokenURL != c.CernerTokenEndpoint() {
		t.Errorf("token url = %s", creds.TokenURL)
	}

	c.CernerPrivateKeyPath = ""
	c.CernerClientSecret = "s3cret"
	if got := c.Credentials().AuthMethod; got != auth.AuthClientSecret {
		t.Errorf("expected client_secret to be inferred, got %s", got)
	}
}

func TestConfig_CredentialsEpic(t *testing.T) {
	c := &Config{
		Provider:           ProviderEpic,
		EpicClientID:       "epic-1",
		EpicPrivateKeyPath: "/keys/epic.pem",
		EpicTokenURL:       "https://fhir.epic.com/oauth2/token",
		EpicScope:          DefaultEpicScope,
	}
	creds := c.Credentials()
	if creds.ClientID != "epic-1" || creds.AuthMethod != auth.AuthPrivateKeyJWT || creds.Scope != DefaultEpicScope {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestConfig_MedicationBase(t *testing.T) {
	c := &Config{Provider: ProviderEpic, EpicFHIRBase: "https://fhir.example.com/r4/"}
	if got := c.MedicationBase(); got != "https://fhir.example.com/r4" {
		t.Errorf("expected med base to default to FHIR base, got %s", got)
	}
	c.EpicFHIRMedBase = "https://meds.example.com/r4"
	if got := c.MedicationBase(); got != "https://meds.example.com/r4" {
		t.Errorf("expected med base override, got %s", got)
	}

	cerner := validCerner()
	if cerner.MedicationBase() != cerner.FHIRBase() {
		t.Error("cerner medications should use the main FHIR base")
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestConfig_Validate(t *testing.T) {
	if err := validCerner().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider = "allscripts" }},
		{"no token url", func(c *Config) { c.CernerTenantID = "" }},
		{"no client id", func(c *Config) { c.CernerClientID = "" }},
		{"key method without key", func(c *Config) { c.CernerAuthMethod = "private_key_jwt"; c.CernerPrivateKeyPath = "" }},
		{"secret method without secret", func(c *Config) { c.CernerAuthMethod = "client_secret" }},
		{"empty scope", func(c *Config) { c.CernerScope = ` "" ` }},
		{"no fhir base", func(c *Config) { c.CernerFHIRBase = "" }},
		{"margin below minimum", func(c *Config) { c.TokenSafetyMargin = 5 * time.Second }},
		{"zero http timeout", func(c *Config) { c.HTTPTimeout = 0 }},
		{"negative rate", func(c *Config) { c.FHIRRateLimitRPS = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCerner()
			tt.mutate(c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !apperror.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestConfig_ValidateEpic(t *testing.T) {
	c := &Config{
		Provider:           ProviderEpic,
		EpicClientID:       "epic-1",
		EpicPrivateKeyPath: "/keys/epic.pem",
		EpicTokenURL:       "https://fhir.epic.com/oauth2/token",
		EpicFHIRBase:       "https://fhir.epic.com/api/FHIR/R4",
		EpicScope:          DefaultEpicScope,
		HTTPTimeout:        30 * time.Second,
		TokenSafetyMargin:  15 * time.Second,
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	c.EpicTokenURL = ""
	if err := c.Validate(); !apperror.IsConfiguration(err) {
		t.Errorf("expected configuration error for missing token url, got %v", err)
	}
}
