// Package auth issues and verifies signed session tokens. A token binds a
// websocket connection to one user id; there is no account system behind it.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer = "nearwave"
	defaultTTL    = 12 * time.Hour
)

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures, and claim
	// mismatches.
	ErrTokenInvalid = errors.New("session token is invalid")
	// ErrTokenExpired is returned for structurally valid but expired tokens.
	ErrTokenExpired = errors.New("session token is expired")
)

// tokenEnv holds raw env values before post-parse validation.
type tokenEnv struct {
	Secret string        `env:"NEARWAVE_SESSION_SECRET"`
	Issuer string        `env:"NEARWAVE_SESSION_ISSUER"`
	TTL    time.Duration `env:"NEARWAVE_SESSION_TTL"`
}

// Config defines how session tokens are signed and verified.
type Config struct {
	Issuer string
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// Claims captures the validated contents of a session token.
type Claims struct {
	UserID    string
	JWTID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// sessionClaims is the internal claims type used for JWT parsing.
type sessionClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// LoadConfigFromEnv reads session token configuration. The secret is
// required; issuer and ttl fall back to defaults.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw tokenEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse session token env: %w", err)
	}
	secret := strings.TrimSpace(raw.Secret)
	if secret == "" {
		return Config{}, fmt.Errorf("NEARWAVE_SESSION_SECRET is required")
	}
	issuer := strings.TrimSpace(raw.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	ttl := raw.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer: issuer,
		Secret: []byte(secret),
		TTL:    ttl,
		Now:    now,
	}, nil
}

// Issuer signs and verifies session tokens with a shared HMAC secret.
type Issuer struct {
	cfg Config
}

// NewIssuer validates cfg and returns a token issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("session secret is required")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{cfg: cfg}, nil
}

// Issue mints a session token for userID.
func (i *Issuer) Issue(userID string) (string, Claims, error) {
	if i == nil {
		return "", Claims{}, fmt.Errorf("token issuer is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", Claims{}, fmt.Errorf("user id is required")
	}

	now := i.cfg.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TTL)),
		},
		UserID: userID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.cfg.Secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, Claims{
		UserID:    userID,
		JWTID:     claims.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.cfg.TTL),
	}, nil
}

// Verify parses and validates a session token and returns its claims.
func (i *Issuer) Verify(token string) (Claims, error) {
	if i == nil {
		return Claims{}, fmt.Errorf("token issuer is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: token is required", ErrTokenInvalid)
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return i.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer != i.cfg.Issuer {
		return Claims{}, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if parsed.ID == "" {
		return Claims{}, fmt.Errorf("%w: jti is required", ErrTokenInvalid)
	}
	if strings.TrimSpace(parsed.UserID) == "" {
		return Claims{}, fmt.Errorf("%w: user_id is required", ErrTokenInvalid)
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: exp is required", ErrTokenInvalid)
	}

	now := i.cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, ErrTokenExpired
	}

	claims := Claims{
		UserID:    parsed.UserID,
		JWTID:     parsed.ID,
		ExpiresAt: exp,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to package errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return fmt.Errorf("%w: signature", ErrTokenInvalid)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return fmt.Errorf("%w: alg", ErrTokenInvalid)
	}
	return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
}
