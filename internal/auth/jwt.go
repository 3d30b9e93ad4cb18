package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/integration_builder/internal/config"
)

type contextKey string

const tenantIDKey contextKey = "tenant_id"

const TenantHeader = "x-tenant-id"

var ErrUnauthenticated = errors.New("unauthenticated")

// WithTenant stores the authenticated tenant on ctx
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantFromContext extracts tenant ID from context
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantIDKey).(string)
	return tenantID, ok && tenantID != ""
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

func parsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	key, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{publicKey: key, issuer: issuer, audience: audience}, nil
}

// ValidateToken validates an RS256 token and returns its tenant_id claim
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	tenantID, ok := claims["tenant_id"].(string)
	if !ok || tenantID == "" {
		return "", fmt.Errorf("%w: missing or invalid tenant_id claim", ErrUnauthenticated)
	}
	return tenantID, nil
}

// Issuer mints tokens the validator accepts. Used by ibctl and tests.
type Issuer struct {
	privateKey *rsa.PrivateKey
	issuer     string
	audience   string
}

func NewIssuer(privateKeyPEM, issuer, audience string) (*Issuer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Issuer{privateKey: key, issuer: issuer, audience: audience}, nil
}

func (i *Issuer) Issue(tenantID string, ttl time.Duration) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       i.issuer,
		"aud":       i.audience,
		"sub":       tenantID,
		"tenant_id": tenantID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	})
	return token.SignedString(i.privateKey)
}

var defaultSkip = []string{"/healthz", "/metrics", "/v1/ping"}

// Middleware puts the caller's tenant on the request context. A trusted
// x-tenant-id header (gateway mode, or auth disabled) takes precedence over
// the bearer token.
type Middleware struct {
	validator   *JWTValidator
	trustHeader bool
	skip        map[string]bool
}

// NewMiddleware builds the middleware from config. The public key comes from
// JWT_PUBLIC_KEY or, failing that, JWT_PUBLIC_KEY_FILE.
func NewMiddleware(cfg config.Auth) (*Middleware, error) {
	m := &Middleware{
		trustHeader: cfg.Disabled || cfg.TrustTenantHeader,
		skip:        make(map[string]bool, len(defaultSkip)),
	}
	for _, p := range defaultSkip {
		m.skip[p] = true
	}
	if cfg.Disabled {
		return m, nil
	}

	keyPEM := cfg.PublicKeyPEM
	if keyPEM == "" && cfg.PublicKeyFile != "" {
		b, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		keyPEM = string(b)
	}
	if keyPEM != "" {
		v, err := NewJWTValidator(keyPEM, cfg.Issuer, cfg.Audience)
		if err != nil {
			return nil, err
		}
		m.validator = v
	}
	if m.validator == nil && !m.trustHeader {
		return nil, errors.New("auth: no public key and tenant header not trusted")
	}
	return m, nil
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skip[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if m.trustHeader {
			if tenantID := strings.TrimSpace(r.Header.Get(TenantHeader)); tenantID != "" {
				next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
				return
			}
		}
		if m.validator == nil {
			unauthorized(w, "missing "+TenantHeader+" header")
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "missing Authorization header")
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			unauthorized(w, "invalid Authorization header format")
			return
		}
		tenantID, err := m.validator.ValidateToken(tokenString)
		if err != nil {
			unauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
