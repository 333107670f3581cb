package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Claims is the token payload this service relies on. Roles in the token are
// ignored: the role store is the source of truth.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is the shared HS256 secret of the hosted auth provider.
	SigningKey []byte
}

// ErrMissingCredential is returned when no bearer token was presented.
var ErrMissingCredential = errors.New("missing bearer credential")

// JWKSKey represents a single JSON Web Key from a JWKS endpoint.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSResponse represents the response from a JWKS endpoint.
type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

// JWKSCache caches JWKS keys fetched from a remote endpoint with a configurable TTL.
type JWKSCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	jwksURL   string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

// NewJWKSCache creates a new JWKS cache that fetches keys from the given URL.
func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		keys:    make(map[string]*rsa.PublicKey),
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKey returns the RSA public key for the given kid, refreshing the cache
// on a miss or after the TTL.
func (c *JWKSCache) GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}

	if err := c.fetch(ctx); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *JWKSCache) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKSResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pubKey, err := parseRSAPublicKey(k)
		if err != nil {
			continue // skip malformed keys
		}
		keys[k.Kid] = pubKey
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	return nil
}

func parseRSAPublicKey(k JWKSKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

const defaultJWKSCacheTTL = 5 * time.Minute

// TokenVerifier validates bearer tokens issued by the hosted auth provider
// and returns the token subject.
type TokenVerifier struct {
	cfg  JWTConfig
	jwks *JWKSCache
	// discoveryErr is why no JWKS URL could be found for cfg.Issuer.
	discoveryErr error
}

// NewTokenVerifier builds a verifier. With a SigningKey tokens are verified
// as HS256; otherwise RS256 keys come from JWKSURL, discovered from the
// issuer when JWKSURL is empty. Call Ready to find out whether any key
// source was configured.
func NewTokenVerifier(cfg JWTConfig) *TokenVerifier {
	v := &TokenVerifier{cfg: cfg}
	if len(cfg.SigningKey) > 0 {
		return v
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		provider, err := NewOIDCProvider(cfg.Issuer)
		if err != nil {
			v.discoveryErr = fmt.Errorf("discover signing keys for issuer %s: %w", cfg.Issuer, err)
		} else {
			jwksURL = provider.JWKSURI
		}
	}
	if jwksURL != "" {
		v.jwks = NewJWKSCache(jwksURL, defaultJWKSCacheTTL)
	}
	return v
}

// Ready reports why the verifier would reject every token, or nil when a
// signing key or JWKS endpoint is configured.
func (v *TokenVerifier) Ready() error {
	switch {
	case len(v.cfg.SigningKey) > 0, v.jwks != nil:
		return nil
	case v.discoveryErr != nil:
		return v.discoveryErr
	}
	return fmt.Errorf("no token verification key configured")
}

// Verify parses and validates tokenStr, returning its subject.
func (v *TokenVerifier) Verify(ctx context.Context, tokenStr string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var keyFunc jwt.Keyfunc
	switch {
	case len(v.cfg.SigningKey) > 0:
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
		keyFunc = func(*jwt.Token) (interface{}, error) { return v.cfg.SigningKey, nil }
	case v.jwks != nil:
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
		keyFunc = func(t *jwt.Token) (interface{}, error) {
			kid, ok := t.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, fmt.Errorf("token has no kid header")
			}
			return v.jwks.GetKey(ctx, kid)
		}
	default:
		return "", v.Ready()
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("verify token: invalid")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("verify token: missing subject")
	}
	return claims.Subject, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingCredential
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// WithIdentity stores a resolved identity on ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, id.UserID)
	return context.WithValue(ctx, UserRolesKey, id.Roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// IdentityFromContext rebuilds the identity stored by WithIdentity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	uid := UserIDFromContext(ctx)
	if uid == "" {
		return nil
	}
	return &Identity{UserID: uid, Roles: RolesFromContext(ctx)}
}
