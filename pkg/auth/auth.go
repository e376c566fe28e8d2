// Package auth turns an incoming request into a models.Principal.
//
// With a signing secret configured, requests carry an HS256 bearer token
// whose subject is the principal id. Without one the server runs in
// development mode and trusts the X-Principal header.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/surrealdb/notetree/pkg/models"
)

// DevHeader names the principal in development mode.
const DevHeader = "X-Principal"

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type contextKey struct{}

// Claims are the token claims. Subject holds the principal id.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator validates credentials.
type Authenticator struct {
	secret []byte
	issuer string
}

// New creates an Authenticator. An empty secret enables development mode.
func New(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Development reports whether header authentication is in use.
func (a *Authenticator) Development() bool {
	return len(a.secret) == 0
}

// Issue signs a token for principal valid for ttl.
func (a *Authenticator) Issue(principal string, ttl time.Duration) (string, error) {
	if a.Development() {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   principal,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify parses token and returns its principal.
func (a *Authenticator) Verify(token string) (models.Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return models.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return models.Principal{}, ErrInvalidToken
	}
	return models.Principal{ID: claims.Subject}, nil
}

// Authenticate extracts the principal from r.
func (a *Authenticator) Authenticate(r *http.Request) (models.Principal, error) {
	if a.Development() {
		p := models.Principal{ID: strings.TrimSpace(r.Header.Get(DevHeader))}
		if p.IsZero() {
			return p, ErrMissingCredentials
		}
		return p, nil
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		// websocket clients cannot set headers from browsers
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return models.Principal{}, ErrMissingCredentials
	}
	return a.Verify(token)
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		p, err := a.Authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(models.Principal)
	return p, ok && !p.IsZero()
}
