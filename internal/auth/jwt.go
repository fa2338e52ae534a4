package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adred-codev/ws_fanout/internal/subscription"
)

var (
	// ErrInvalidToken is the only error clients ever see for a bad token.
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrTokenRevoked = errors.New("token revoked")
)

// Principal is the identity carried by a verified token.
type Principal struct {
	UserID    string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresWithin reports whether the token expires less than d after now.
func (p Principal) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(now.Add(d))
}

// TokenVerifier turns a bearer token into a Principal.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-signed tokens.
type JWTVerifier struct {
	secretKey     []byte
	issuer        string
	tokenDuration time.Duration
}

func NewJWTVerifier(secretKey, issuer string, tokenDuration time.Duration) *JWTVerifier {
	if tokenDuration <= 0 {
		tokenDuration = time.Hour
	}
	return &JWTVerifier{
		secretKey:     []byte(secretKey),
		issuer:        issuer,
		tokenDuration: tokenDuration,
	}
}

// Issue creates a signed token. Used by tests and the dev client.
func (v *JWTVerifier) Issue(userID, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    v.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// Verify validates the token signature, expiry and issuer.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secretKey, nil
		},
		opts...,
	)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, errors.New("invalid token claims")
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Principal{}, errors.New("token has no subject")
	}

	p := Principal{UserID: userID, Role: normalizeRole(claims.Role)}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// StaticVerifier accepts "<userID>" or "<userID>:<ROLE>" as a token. Only for
// AUTH_DEV_MODE.
type StaticVerifier struct{}

func (StaticVerifier) Verify(_ context.Context, token string) (Principal, error) {
	userID, role, _ := strings.Cut(strings.TrimSpace(token), ":")
	if userID == "" {
		return Principal{}, errors.New("empty dev token")
	}
	return Principal{UserID: userID, Role: normalizeRole(role), IssuedAt: time.Now()}, nil
}

func normalizeRole(role string) string {
	role = strings.ToUpper(strings.TrimSpace(role))
	if role == "" {
		return subscription.RoleUser
	}
	return role
}
