package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrTokenRevoked  = errors.New("token has been revoked")
	ErrMissingSecret = errors.New("token secret is required")
)

// VerifierConfig configures HS256 token verification.
type VerifierConfig struct {
	Secret []byte
	Issuer string
	Leeway time.Duration
	// Revoked is optional; nil skips the revocation check.
	Revoked RevokedTokenStore
}

// TokenVerifier validates bearer tokens presented to /auth/verify.
type TokenVerifier struct {
	secret  []byte
	parser  *jwt.Parser
	revoked RevokedTokenStore
}

func NewTokenVerifier(cfg VerifierConfig) (*TokenVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	return &TokenVerifier{
		secret:  cfg.Secret,
		parser:  jwt.NewParser(opts...),
		revoked: cfg.Revoked,
	}, nil
}

// Verify parses the token and checks it against the revoked store.
func (v *TokenVerifier) Verify(ctx context.Context, tokenString string) (*jwt.RegisteredClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidClaims
	}

	if v.revoked != nil && claims.ID != "" {
		revoked, err := v.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check token revocation: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// IssueToken signs an HS256 token for subject with a random jti.
func IssueToken(secret []byte, issuer, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrMissingSecret
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
