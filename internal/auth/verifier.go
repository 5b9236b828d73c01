// Package auth verifies bearer tokens issued for the dashboard.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredential = errors.New("auth: missing credential")
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrExpiredCredential = errors.New("auth: credential expired")
)

// Identity is the verified caller.
type Identity struct {
	Subject string
	Role    string
	Claims  map[string]any
}

func (id Identity) IsAdmin() bool { return id.Role == "admin" }

// Anonymous is used where a connection proceeds without a subject claim.
var Anonymous = Identity{Subject: "anonymous", Role: "user"}

type Claims struct {
	Role string `json:"role,omitempty"`
	Type string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens for one audience.
type Verifier struct {
	secret   []byte
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewVerifier(secret, audience string, ttl time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: jwt secret is empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Verifier{secret: []byte(secret), audience: audience, ttl: ttl, now: time.Now}, nil
}

// Verify checks signature, expiry and audience and returns the caller.
// A token without a subject verifies as anonymous.
func (v *Verifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingCredential
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredCredential
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidCredential
	}
	if claims.Type == "api_key" {
		return Identity{}, fmt.Errorf("%w: api keys are not accepted here", ErrInvalidCredential)
	}

	id := Identity{Subject: claims.Subject, Role: claims.Role}
	if id.Subject == "" {
		id.Subject = Anonymous.Subject
	}
	if id.Role == "" {
		id.Role = "user"
	}
	raw := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, raw); err == nil {
		id.Claims = raw
	}
	return id, nil
}

// Issue signs an access token for subject. Used by the demo client and tests.
func (v *Verifier) Issue(subject, role string) (string, error) {
	now := v.now()
	claims := &Claims{
		Role: role,
		Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// APIKeyHeader carries service API keys.
const APIKeyHeader = "X-API-Key"

// APIKeyClaims are the claims of a long-lived service key. Keys carry no
// audience or expiry; revocation is by rotating the secret.
type APIKeyClaims struct {
	KeyID       string   `json:"kid"`
	Name        string   `json:"name,omitempty"`
	Type        string   `json:"type"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// IssueAPIKey signs a service key. Permissions default to read.
func (v *Verifier) IssueAPIKey(keyID, name string, permissions []string) (string, error) {
	if keyID == "" {
		return "", errors.New("auth: api key id is empty")
	}
	if len(permissions) == 0 {
		permissions = []string{"read"}
	}
	claims := &APIKeyClaims{
		KeyID:            keyID,
		Name:             name,
		Type:             "api_key",
		Permissions:      permissions,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(v.now())},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign api key: %w", err)
	}
	return s, nil
}

// VerifyAPIKey accepts only tokens of type api_key. The identity subject is
// "api-key:<kid>" with role "service".
func (v *Verifier) VerifyAPIKey(_ context.Context, key string) (Identity, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Identity{}, ErrMissingCredential
	}
	claims := &APIKeyClaims{}
	parsed, err := jwt.ParseWithClaims(key, claims, func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithTimeFunc(v.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid || claims.Type != "api_key" || claims.KeyID == "" {
		return Identity{}, fmt.Errorf("%w: not an api key", ErrInvalidCredential)
	}
	return Identity{
		Subject: "api-key:" + claims.KeyID,
		Role:    "service",
		Claims:  map[string]any{"kid": claims.KeyID, "name": claims.Name, "permissions": claims.Permissions},
	}, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by the auth middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
