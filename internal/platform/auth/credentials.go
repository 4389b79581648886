package auth

import (
	"regexp"
	"strings"

	"github.com/ehr/snapshot/internal/platform/apperror"
)

// AuthMethod selects how the client proves its identity to the token endpoint.
type AuthMethod string

const (
	// AuthPrivateKeyJWT sends a signed JWT client assertion (SMART Backend Services).
	AuthPrivateKeyJWT AuthMethod = "private_key_jwt"
	// AuthClientSecret sends the client id and secret as HTTP basic auth.
	AuthClientSecret AuthMethod = "client_secret"
)

// DefaultAlgorithm is the signing algorithm SMART Backend Services servers
// are required to accept.
const DefaultAlgorithm = "RS384"

// Secret is a string that never prints its value.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

// MarshalText keeps secrets out of JSON and structured logs.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reveal returns the raw secret value for use on the wire.
func (s Secret) Reveal() string { return string(s) }

// Credentials is the static, immutable client configuration for one
// provider. The private key itself is only read from PrivateKeyPath by the
// AssertionBuilder.
type Credentials struct {
	ClientID       string
	ClientSecret   Secret
	AuthMethod     AuthMethod
	PrivateKeyPath string
	KeyID          string
	Algorithm      string
	TokenURL       string
	Scope          string
}

// ResolveAuthMethod returns the explicit method when set, otherwise infers
// it from which credential material is configured.
func ResolveAuthMethod(explicit, privateKeyPath string, secret Secret) AuthMethod {
	if m := strings.ToLower(strings.TrimSpace(explicit)); m != "" {
		return AuthMethod(m)
	}
	if privateKeyPath != "" {
		return AuthPrivateKeyJWT
	}
	if secret != "" {
		return AuthClientSecret
	}
	return AuthPrivateKeyJWT
}

// Validate checks the credentials are usable without touching the network.
func (c Credentials) Validate() error {
	const op = "validate credentials"
	if c.ClientID == "" {
		return apperror.Configuration(op, "client id is required")
	}
	if c.TokenURL == "" {
		return apperror.Configuration(op, "token url is required")
	}
	switch c.AuthMethod {
	case AuthPrivateKeyJWT:
		if c.PrivateKeyPath == "" {
			return apperror.Configuration(op, "auth method %s requires a private key path", c.AuthMethod)
		}
	case AuthClientSecret:
		if c.ClientSecret == "" {
			return apperror.Configuration(op, "auth method %s requires a client secret", c.AuthMethod)
		}
	default:
		return apperror.Configuration(op, "unsupported auth method %q", c.AuthMethod)
	}
	if NormalizeScope(c.Scope) == "" {
		return apperror.Configuration(op, "no OAuth scopes configured; expected a space-delimited list such as \"system/Patient.read system/Observation.read\"")
	}
	return nil
}

var (
	envPrefixRe  = regexp.MustCompile(`^[A-Z][A-Z0-9_]*SCOPE=`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeScope turns a scope value as it tends to appear in env files into
// the space-delimited form the token endpoint expects: a pasted
// "NAME_SCOPE=" prefix is dropped, commas become spaces, whitespace runs
// collapse, and one layer of surrounding quotes is removed.
func NormalizeScope(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if loc := envPrefixRe.FindStringIndex(s); loc != nil {
		s = strings.TrimSpace(s[loc[1]:])
	}
	s = strings.ReplaceAll(s, ",", " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}
