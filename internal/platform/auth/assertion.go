package auth

import (
	"crypto"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/snapshot/internal/platform/apperror"
)

// ClientAssertionType is the RFC 7523 client assertion type for JWT bearer
// client authentication.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// AssertionLifetime is how long a client assertion stays valid. SMART
// Backend Services servers reject assertions living longer than 5 minutes.
const AssertionLifetime = 180 * time.Second

// AssertionBuilder produces one-time signed JWT client assertions
// (iss == sub == client_id, aud == token endpoint, unique jti).
type AssertionBuilder struct {
	creds    Credentials
	now      func() time.Time
	readFile func(string) ([]byte, error)
}

// NewAssertionBuilder creates an AssertionBuilder for creds.
func NewAssertionBuilder(creds Credentials) *AssertionBuilder {
	return &AssertionBuilder{
		creds:    creds,
		now:      time.Now,
		readFile: os.ReadFile,
	}
}

// Build signs a fresh assertion. The private key is read from disk on every
// call and discarded afterwards.
func (b *AssertionBuilder) Build() (string, error) {
	const op = "build client assertion"

	alg := b.creds.Algorithm
	if alg == "" {
		alg = DefaultAlgorithm
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", apperror.Configuration(op, "unsupported signing algorithm %q", alg)
	}

	key, err := b.loadKey(method)
	if err != nil {
		return "", err
	}

	now := b.now()
	claims := jwt.MapClaims{
		"iss": b.creds.ClientID,
		"sub": b.creds.ClientID,
		"aud": b.creds.TokenURL,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(AssertionLifetime).Unix(),
	}

	token := jwt.NewWithClaims(method, claims)
	if b.creds.KeyID != "" {
		token.Header["kid"] = b.creds.KeyID
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", apperror.Wrap(apperror.KindConfiguration, op, "signing failed", err)
	}
	return signed, nil
}

// loadKey reads and parses the PEM private key matching the signing method.
// Errors never include key material.
func (b *AssertionBuilder) loadKey(method jwt.SigningMethod) (crypto.PrivateKey, error) {
	const op = "load private key"
	if b.creds.PrivateKeyPath == "" {
		return nil, apperror.Configuration(op, "private key path is not configured")
	}

	pem, err := b.readFile(b.creds.PrivateKeyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperror.Configuration(op, "private key file %s does not exist", b.creds.PrivateKeyPath)
		}
		return nil, apperror.Configuration(op, "private key file %s is not readable", b.creds.PrivateKeyPath)
	}

	var key crypto.PrivateKey
	switch method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		key, err = jwt.ParseRSAPrivateKeyFromPEM(pem)
	case *jwt.SigningMethodECDSA:
		key, err = jwt.ParseECPrivateKeyFromPEM(pem)
	case *jwt.SigningMethodEd25519:
		key, err = jwt.ParseEdPrivateKeyFromPEM(pem)
	default:
		return nil, apperror.Configuration(op, "algorithm %s is not an asymmetric signing algorithm", method.Alg())
	}
	if err != nil {
		return nil, apperror.Configuration(op, "private key in %s is malformed for %s", b.creds.PrivateKeyPath, method.Alg())
	}
	return key, nil
}
