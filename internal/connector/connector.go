// Package connector holds tenant-scoped delivery destinations and the rules
// for turning an event into an outbound request.
package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("connector not found")
	ErrInvalid  = errors.New("invalid connector")
)

type DestinationType string

const (
	DestinationWebhook DestinationType = "WEBHOOK"
	DestinationAPI     DestinationType = "API"
)

type AuthMode string

const (
	AuthNone         AuthMode = "NONE"
	AuthBearerToken  AuthMode = "BEARER_TOKEN"
	AuthAPIKeyHeader AuthMode = "API_KEY_HEADER"
)

const (
	MinTimeoutMs     = 500
	MaxTimeoutMs     = 120000
	DefaultTimeoutMs = 10000

	MinRetryAttempts     = 1
	MaxRetryAttempts     = 10
	DefaultRetryAttempts = 5

	MinBackoffBaseMs     = 100
	MaxBackoffBaseMs     = 60000
	DefaultBackoffBaseMs = 1000

	DefaultAPIKeyHeader = "x-api-key"
)

// Connector is a stored destination. Header and body templates are raw JSON
// so they round-trip through storage and the admin API untouched.
type Connector struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenantId"`
	Name               string          `json:"name"`
	SourceEvent        string          `json:"sourceEvent"`
	Enabled            bool            `json:"enabled"`
	DestinationType    DestinationType `json:"destinationType"`
	Method             string          `json:"method"`
	URL                string          `json:"url"`
	Headers            json.RawMessage `json:"headers,omitempty"`
	Body               json.RawMessage `json:"body,omitempty"`
	TimeoutMs          int             `json:"timeoutMs"`
	RetryMaxAttempts   int             `json:"retryMaxAttempts"`
	RetryBackoffBaseMs int             `json:"retryBackoffBaseMs"`
	AuthMode           AuthMode        `json:"authMode"`
	AuthHeaderName     string          `json:"authHeaderName,omitempty"`
	SecretProviderKey  string          `json:"secretProviderKey"`
	DeletedAt          *time.Time      `json:"deletedAt,omitempty"`
	LastSuccessAt      *time.Time      `json:"lastSuccessAt,omitempty"`
	LastFailureAt      *time.Time      `json:"lastFailureAt,omitempty"`
	LastError          string          `json:"lastError,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Active reports whether the connector may receive deliveries
func (c Connector) Active() bool {
	return c.Enabled && c.DeletedAt == nil
}

func (c Connector) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Spec is the admin input for creating or updating a connector
type Spec struct {
	ID                 string          `json:"id,omitempty"`
	Name               string          `json:"name"`
	SourceEvent        string          `json:"sourceEvent"`
	Enabled            *bool           `json:"enabled,omitempty"`
	DestinationType    DestinationType `json:"destinationType,omitempty"`
	Method             string          `json:"method,omitempty"`
	URL                string          `json:"url"`
	Headers            json.RawMessage `json:"headers,omitempty"`
	Body               json.RawMessage `json:"body,omitempty"`
	TimeoutMs          int             `json:"timeoutMs,omitempty"`
	RetryMaxAttempts   int             `json:"retryMaxAttempts,omitempty"`
	RetryBackoffBaseMs int             `json:"retryBackoffBaseMs,omitempty"`
	AuthMode           AuthMode        `json:"authMode,omitempty"`
	AuthHeaderName     string          `json:"authHeaderName,omitempty"`
	SecretProviderKey  string          `json:"secretProviderKey,omitempty"`
}

func clamp(v, lo, hi, def int) int {
	switch {
	case v == 0:
		return def
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

// DefaultSecretKey is the secret-provider key assigned when a connector has none
func DefaultSecretKey(tenantID, connectorID string) string {
	return "integration-builder/" + tenantID + "/" + connectorID
}

// Normalize validates required fields and clamps the numeric ones. Out of
// range numbers are clamped, never rejected. It does not assign an id or key.
func (s Spec) Normalize() (Spec, error) {
	s.Name = strings.TrimSpace(s.Name)
	s.SourceEvent = strings.TrimSpace(s.SourceEvent)
	s.URL = strings.TrimSpace(s.URL)
	if s.Name == "" {
		return s, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if s.SourceEvent == "" {
		return s, fmt.Errorf("%w: sourceEvent is required", ErrInvalid)
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return s, fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalid)
	}

	s.Method = strings.ToUpper(strings.TrimSpace(s.Method))
	if s.Method == "" {
		s.Method = "POST"
	}

	switch DestinationType(strings.ToUpper(string(s.DestinationType))) {
	case DestinationAPI:
		s.DestinationType = DestinationAPI
	case DestinationWebhook, "":
		s.DestinationType = DestinationWebhook
	default:
		return s, fmt.Errorf("%w: unknown destinationType %q", ErrInvalid, s.DestinationType)
	}

	switch AuthMode(strings.ToUpper(string(s.AuthMode))) {
	case AuthNone, "":
		s.AuthMode = AuthNone
	case AuthBearerToken:
		s.AuthMode = AuthBearerToken
	case AuthAPIKeyHeader:
		s.AuthMode = AuthAPIKeyHeader
		if strings.TrimSpace(s.AuthHeaderName) == "" {
			s.AuthHeaderName = DefaultAPIKeyHeader
		}
	default:
		return s, fmt.Errorf("%w: unknown authMode %q", ErrInvalid, s.AuthMode)
	}
	s.AuthHeaderName = strings.TrimSpace(s.AuthHeaderName)

	s.TimeoutMs = clamp(s.TimeoutMs, MinTimeoutMs, MaxTimeoutMs, DefaultTimeoutMs)
	s.RetryMaxAttempts = clamp(s.RetryMaxAttempts, MinRetryAttempts, MaxRetryAttempts, DefaultRetryAttempts)
	s.RetryBackoffBaseMs = clamp(s.RetryBackoffBaseMs, MinBackoffBaseMs, MaxBackoffBaseMs, DefaultBackoffBaseMs)

	if len(s.Headers) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(s.Headers, &obj); err != nil {
			return s, fmt.Errorf("%w: headers must be a JSON object", ErrInvalid)
		}
	}
	if len(s.Body) > 0 && !json.Valid(s.Body) {
		return s, fmt.Errorf("%w: body must be valid JSON", ErrInvalid)
	}
	return s, nil
}

// apply copies a normalized spec onto c
func (s Spec) apply(c *Connector) {
	c.Name = s.Name
	c.SourceEvent = s.SourceEvent
	c.Enabled = s.Enabled == nil || *s.Enabled
	c.DestinationType = s.DestinationType
	c.Method = s.Method
	c.URL = s.URL
	c.Headers = s.Headers
	c.Body = s.Body
	c.TimeoutMs = s.TimeoutMs
	c.RetryMaxAttempts = s.RetryMaxAttempts
	c.RetryBackoffBaseMs = s.RetryBackoffBaseMs
	c.AuthMode = s.AuthMode
	c.AuthHeaderName = s.AuthHeaderName
	c.SecretProviderKey = s.SecretProviderKey
}
