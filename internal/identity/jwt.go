package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// JWTConfig selects how tokens are verified. Exactly one of Secret or
// JWKSURL must be set.
type JWTConfig struct {
	Secret  string
	JWKSURL string
	Issuer  string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID string   `json:"id"`
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Roles  []string `json:"roles"`
}

// JWTVerifier validates signed tokens issued by the authentication service.
type JWTVerifier struct {
	keyFunc jwt.Keyfunc
	jwks    *keyfunc.JWKS
	opts    []jwt.ParserOption
	log     *zap.Logger
}

// NewJWTVerifier builds a verifier for cfg. When a JWKS URL is configured
// the key set is fetched once and refreshed in the background.
func NewJWTVerifier(cfg JWTConfig, log *zap.Logger) (*JWTVerifier, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := &JWTVerifier{log: log}

	switch {
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			Ctx:               context.Background(),
			RefreshInterval:   5 * time.Minute,
			RefreshRateLimit:  time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.Error("jwks refresh failed", zap.Error(err))
			},
		})
		if err != nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		v.jwks = jwks
		v.keyFunc = jwks.Keyfunc
		v.opts = append(v.opts, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
	case cfg.Secret != "":
		secret := []byte(cfg.Secret)
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return secret, nil }
		v.opts = append(v.opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	default:
		return nil, errors.New("jwt verifier needs a secret or a jwks url")
	}

	v.opts = append(v.opts, jwt.WithExpirationRequired())
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	return v, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, v.keyFunc, v.opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidCredential
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrInvalidCredential)
	}
	return Identity{
		ID:    ID(id),
		Email: claims.Email,
		Name:  claims.Name,
		Roles: append([]string(nil), claims.Roles...),
	}, nil
}

// Close stops the background key refresh, if any.
func (v *JWTVerifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// SignHS256 issues a short-lived HMAC token for id. It exists for tooling
// and tests; production tokens come from the authentication service.
func SignHS256(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: string(id.ID),
		Email:  id.Email,
		Name:   id.Name,
		Roles:  id.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
