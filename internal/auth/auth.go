// Package auth issues the bearer tokens presented to the dashboard backend
// on the WebSocket handshake and on REST polling requests.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrEmptyToken is returned by a StaticToken with no value.
var ErrEmptyToken = errors.New("empty token")

// TokenSource supplies bearer tokens.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed, pre-issued token.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrEmptyToken
	}
	return string(t), nil
}

// Credentials holds the key ID and private key used to sign tokens.
type Credentials struct {
	KeyID      string          // Key ID registered with the backend
	PrivateKey *rsa.PrivateKey // RSA private key for signing
}

// LoadCredentials loads credentials from key ID and private key file path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key ID is required")
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{
		KeyID:      keyID,
		PrivateKey: privateKey,
	}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// JWTConfig configures a JWTSource.
type JWTConfig struct {
	Issuer   string        // "iss" claim, identifies this client
	Audience string        // "aud" claim, the backend
	TTL      time.Duration // Token lifetime
}

// DefaultJWTConfig returns sensible defaults.
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{
		Issuer: "dashlink",
		TTL:    5 * time.Minute,
	}
}

// JWTSource signs short-lived RS256 tokens and reuses each one until it is
// close to expiry.
type JWTSource struct {
	creds *Credentials
	cfg   JWTConfig
	now   func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWTSource creates a JWTSource.
func NewJWTSource(creds *Credentials, cfg JWTConfig) *JWTSource {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultJWTConfig().TTL
	}
	return &JWTSource{creds: creds, cfg: cfg, now: time.Now}
}

// Token returns a valid signed token.
func (s *JWTSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	// Refresh once less than a fifth of the lifetime remains.
	if s.token != "" && now.Before(s.expires.Add(-s.cfg.TTL/5)) {
		return s.token, nil
	}

	expires := now.Add(s.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   s.creds.KeyID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.creds.KeyID

	signed, err := token.SignedString(s.creds.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	s.token = signed
	s.expires = expires
	return signed, nil
}
