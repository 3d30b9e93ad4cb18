package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	SSLMode  string
	MaxConns int32
	URL      string // DATABASE_URL wins over the discrete fields when set
}

type NSQ struct {
	Enabled        bool   // consume domain events from NSQ
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // topic carrying stored domain event envelopes
	EventsChannel  string // channel name shared by engine instances
	MaxInFlight    int
	PublishDLQ     bool   // publish a dead-letter notice when a delivery parks in DLQ
	DLQTopic       string // topic for dead-letter notices
}

type Dispatcher struct {
	Interval         time.Duration // tick period
	BatchLimit       int           // max deliveries claimed per tick
	Concurrency      int           // parallel HTTP attempts within one batch
	StaleAfter       time.Duration // PROCESSING rows older than this are reclaimed
	MaxResponseBytes int           // response body bytes kept in the delivery snapshot
}

type Redis struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type Secrets struct {
	Backend    string // "redis" or "static"
	StaticFile string // JSON file {tenant: {key: {..bag..}}} for the static backend
}

type ControlPlane struct {
	URL         string
	IngestToken string
	InstanceID  string
	Timeout     time.Duration
}

type Auth struct {
	Disabled          bool   // trust x-tenant-id only (local development)
	PublicKeyPEM      string // RSA public key for RS256 tokens
	PublicKeyFile     string
	Issuer            string
	Audience          string
	TrustTenantHeader bool // accept x-tenant-id set by an upstream gateway
}

type Config struct {
	AppName      string
	LogLevel     string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	Store        string // "postgres" or "memory"
	Tracing      bool
	DB           DB
	NSQ          NSQ
	Dispatcher   Dispatcher
	Redis        Redis
	Secrets      Secrets
	ControlPlane ControlPlane
	Auth         Auth
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// port normalizes "8080" and ":8080" to ":8080"
func port(v string) string {
	if v == "" || strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "integration-builder"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		HTTPPort: port(getenv("HTTP_PORT", ":8080")),
		GRPCPort: port(getenv("GRPC_PORT", ":50051")),
		Store:    strings.ToLower(getenv("STORE_BACKEND", "postgres")),
		Tracing:  getenvBool("TRACING_ENABLED", false),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "localhost"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "integration_builder"),
			SSLMode:  getenv("DB_SSLMODE", "disable"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
			URL:      os.Getenv("DATABASE_URL"),
		},
		NSQ: NSQ{
			Enabled:        getenvBool("NSQ_ENABLED", false),
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", ""),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "domain_events"),
			EventsChannel:  getenv("NSQ_EVENTS_CHANNEL", "integration_builder"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 200),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "integration_deliveries_dlq"),
		},
		Dispatcher: Dispatcher{
			Interval:         getenvDuration("DISPATCH_INTERVAL", 2*time.Second),
			BatchLimit:       getenvInt("DISPATCH_BATCH_LIMIT", 25),
			Concurrency:      getenvInt("DISPATCH_CONCURRENCY", 8),
			StaleAfter:       getenvDuration("DISPATCH_STALE_AFTER", 4*time.Minute),
			MaxResponseBytes: getenvInt("DISPATCH_MAX_RESPONSE_BYTES", 4096),
		},
		Redis: Redis{
			Addr:      getenv("REDIS_ADDR", "localhost:6379"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        getenvInt("REDIS_DB", 0),
			KeyPrefix: getenv("REDIS_SECRET_PREFIX", "secrets:"),
		},
		Secrets: Secrets{
			Backend:    strings.ToLower(getenv("SECRETS_BACKEND", "static")),
			StaticFile: os.Getenv("SECRETS_FILE"),
		},
		ControlPlane: ControlPlane{
			URL:         strings.TrimRight(os.Getenv("CONTROL_PLANE_URL"), "/"),
			IngestToken: os.Getenv("CONTROL_PLANE_INGEST_TOKEN"),
			InstanceID:  os.Getenv("INSTANCE_ID"),
			Timeout:     getenvDuration("CONTROL_PLANE_TIMEOUT", 5*time.Second),
		},
		Auth: Auth{
			Disabled:          getenvBool("AUTH_DISABLED", false),
			PublicKeyPEM:      os.Getenv("JWT_PUBLIC_KEY"),
			PublicKeyFile:     os.Getenv("JWT_PUBLIC_KEY_FILE"),
			Issuer:            getenv("JWT_ISSUER", "integration-builder"),
			Audience:          getenv("JWT_AUDIENCE", "integration-builder-admin"),
			TrustTenantHeader: getenvBool("TRUST_TENANT_HEADER", false),
		},
	}
}

func (c Config) DSN() string {
	if c.DB.URL != "" {
		return c.DB.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Pass),
		Host:     c.DB.Host + ":" + c.DB.Port,
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=" + c.DB.SSLMode,
	}
	return u.String()
}

// Validate reports settings the engine cannot start with
func (c Config) Validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be postgres or memory, got %q", c.Store)
	}
	switch c.Secrets.Backend {
	case "redis", "static":
	default:
		return fmt.Errorf("SECRETS_BACKEND must be redis or static, got %q", c.Secrets.Backend)
	}
	if c.Dispatcher.Interval <= 0 {
		return fmt.Errorf("DISPATCH_INTERVAL must be positive")
	}
	if c.Dispatcher.BatchLimit <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_LIMIT must be positive")
	}
	if !c.Auth.Disabled && c.Auth.PublicKeyPEM == "" && c.Auth.PublicKeyFile == "" && !c.Auth.TrustTenantHeader {
		return fmt.Errorf("auth: set JWT_PUBLIC_KEY, JWT_PUBLIC_KEY_FILE, TRUST_TENANT_HEADER or AUTH_DISABLED")
	}
	return nil
}
