// Package auth resolves callers from bearer tokens and decides who may touch which submission.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"autograder/internal/common/cache"
	pkgerrors "autograder/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin   = "ADMIN"
	RoleStudent = "STUDENT"

	accessTokenType    = "access"
	blacklistKeyPrefix = "auth:blacklist:"
)

// Config holds token settings.
type Config struct {
	JWTSecret     string `yaml:"jwtSecret"`
	JWTIssuer     string `yaml:"jwtIssuer"`
	InternalToken string `yaml:"internalToken"`
}

// Caller is an authenticated identity.
type Caller struct {
	ID   int64
	Role string
}

// IsAdmin reports whether the caller has the administrator role.
func (c Caller) IsAdmin() bool {
	return strings.EqualFold(c.Role, RoleAdmin)
}

type tokenClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 access tokens.
type Authenticator struct {
	jwtSecret []byte
	jwtIssuer string
	blacklist cache.Cache
}

// NewAuthenticator creates an Authenticator. blacklist may be nil.
func NewAuthenticator(jwtSecret, jwtIssuer string, blacklist cache.Cache) *Authenticator {
	return &Authenticator{
		jwtSecret: []byte(jwtSecret),
		jwtIssuer: jwtIssuer,
		blacklist: blacklist,
	}
}

// Authenticate maps a raw token to exactly one caller.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (Caller, error) {
	if raw == "" {
		return Caller{}, pkgerrors.New(pkgerrors.Unauthorized).WithMessage("missing bearer token")
	}
	claims, err := a.parseToken(raw)
	if err != nil {
		return Caller{}, err
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Caller{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if a.blacklist != nil {
		revoked, err := a.blacklist.Get(ctx, blacklistKeyPrefix+hashToken(raw))
		if err != nil {
			return Caller{}, pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable)
		}
		if revoked != "" {
			return Caller{}, pkgerrors.New(pkgerrors.TokenInvalid).WithMessage("token has been revoked")
		}
	}
	return Caller{ID: userID, Role: strings.ToUpper(claims.Role)}, nil
}

func (a *Authenticator) parseToken(raw string) (*tokenClaims, error) {
	if len(a.jwtSecret) == 0 {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if a.jwtIssuer != "" && claims.Issuer != a.jwtIssuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != accessTokenType || claims.Subject == "" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return claims, nil
}

// IssueAccessToken signs an access token. The identity service owns issuance in production;
// this exists for local tooling and tests.
func (a *Authenticator) IssueAccessToken(userID int64, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Role:      role,
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    a.jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
