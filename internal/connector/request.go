package connector

import (
	"net/http"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/integration_builder/internal/mapping"
)

const redacted = "[REDACTED]"

// Request is a fully resolved outbound call
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"-"`
}

// HasBody reports whether the method carries a request body
func HasBody(method string) bool {
	return method != http.MethodGet && method != http.MethodDelete
}

// Build resolves the connector's templates against the event and secret.
// A connector without a body template sends the whole envelope.
func (c Connector) Build(event, secret *structpb.Value) (Request, error) {
	ctx := mapping.Context{Event: event, Secret: secret}

	headers := map[string]string{}
	if len(c.Headers) > 0 {
		tmpl, err := mapping.FromJSON(c.Headers)
		if err != nil {
			return Request{}, err
		}
		headers = mapping.Headers(tmpl, ctx)
	}

	switch c.AuthMode {
	case AuthBearerToken:
		if tok := mapping.Stringify(mapping.Lookup(secret, "token")); tok != "" {
			setHeader(headers, "Authorization", "Bearer "+tok)
		}
	case AuthAPIKeyHeader:
		key := mapping.Stringify(mapping.Lookup(secret, "apiKey"))
		if key == "" {
			key = mapping.Stringify(mapping.Lookup(secret, "token"))
		}
		if key != "" {
			setHeader(headers, c.authHeader(), key)
		}
	}
	if headerKey(headers, "Content-Type") == "" {
		headers["Content-Type"] = "application/json"
	}

	req := Request{Method: c.Method, URL: c.URL, Headers: headers}
	if !HasBody(c.Method) {
		return req, nil
	}

	var body *structpb.Value
	if len(c.Body) > 0 {
		tmpl, err := mapping.FromJSON(c.Body)
		if err != nil {
			return Request{}, err
		}
		body = mapping.Resolve(tmpl, ctx)
	} else {
		body = event
	}
	b, err := mapping.ToJSON(body)
	if err != nil {
		return Request{}, err
	}
	req.Body = b
	return req, nil
}

func (c Connector) authHeader() string {
	if c.AuthHeaderName != "" {
		return c.AuthHeaderName
	}
	return DefaultAPIKeyHeader
}

// Redacted returns a copy of the headers with credential values masked
func (c Connector) Redacted(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if c.isAuthHeader(k) {
			v = redacted
		}
		out[k] = v
	}
	return out
}

func (c Connector) isAuthHeader(name string) bool {
	if strings.EqualFold(name, "Authorization") {
		return true
	}
	return c.AuthMode == AuthAPIKeyHeader && strings.EqualFold(name, c.authHeader())
}

// headerKey finds an existing key matching name case-insensitively
func headerKey(h map[string]string, name string) string {
	for k := range h {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return ""
}

// setHeader overwrites name regardless of the case it was templated with
func setHeader(h map[string]string, name, value string) {
	if k := headerKey(h, name); k != "" {
		delete(h, k)
	}
	h[name] = value
}
