// Package identity resolves the calling user for tutor and credits routes.
//
// A Resolver turns a request into a stable user ID. Production deployments
// verify an HS256 bearer token; development and trusted-proxy setups may
// also read the X-User-ID header. Resolvers compose with Chain.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoCredentials = errors.New("identity: no credentials")
	ErrInvalidToken  = errors.New("identity: invalid token")
)

// HeaderUserID carries the user ID for HeaderResolver.
const HeaderUserID = "X-User-ID"

// Resolver extracts the authenticated user ID from a request.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// JWTResolver verifies "Authorization: Bearer <jwt>" signed with HS256 and
// uses the subject claim as the user ID.
type JWTResolver struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// JWTOption configures a JWTResolver.
type JWTOption func(*JWTResolver)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) JWTOption {
	return func(r *JWTResolver) { r.issuer = iss }
}

// WithLeeway allows clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) JWTOption {
	return func(r *JWTResolver) { r.leeway = d }
}

func NewJWTResolver(secret string, opts ...JWTOption) *JWTResolver {
	r := &JWTResolver{secret: []byte(secret), leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (j *JWTResolver) Resolve(r *http.Request) (string, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return "", ErrNoCredentials
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(j.leeway),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, parserOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// IssueToken signs a token for userID valid for ttl. Used by creditctl and
// tests; the production issuer is the identity provider.
func (j *JWTResolver) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    j.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// HeaderResolver trusts the X-User-ID header.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return "", ErrNoCredentials
	}
	return id, nil
}

// Chain tries each resolver in order. A resolver that finds no credentials
// passes to the next; one that finds bad credentials stops the chain.
type Chain []Resolver

func (c Chain) Resolve(r *http.Request) (string, error) {
	for _, res := range c {
		id, err := res.Resolve(r)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNoCredentials) {
			return "", err
		}
	}
	return "", ErrNoCredentials
}
