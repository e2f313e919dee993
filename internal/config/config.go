package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	AuditTopic     string // NSQ topic for audit events
}

type Engine struct {
	InitialBackoffMS int  // First retry delay in milliseconds
	DefaultLimit     int  // Default processQueue batch size
	PublishAudit     bool // Whether to publish audit events to NSQ
}

type Guardian struct {
	TickInterval time.Duration // How often the guardian evaluates projects
}

type Blob struct {
	Dir      string // BadgerDB directory for out-of-line payloads
	InMemory bool   // Non-persistent blob store (embedded/dev mode)
}

type Auth struct {
	PublicKeyPEM string // RS256 public key for operator JWTs; empty disables auth
	Issuer       string
	Audience     string
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	MetricsPort  string // :8082
	EmbeddedMode bool   // In-memory store instead of Postgres
	DB           DB
	NSQ          NSQ
	Engine       Engine
	Guardian     Guardian
	Blob         Blob
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

func FromEnv() Config {
	return Config{
		AppName:      getenv("APP_NAME", "relaygate"),
		HTTPPort:     getenv("HTTP_PORT", ":8080"),
		MetricsPort:  getenv("METRICS_PORT", ":8082"),
		EmbeddedMode: getenvBool("EMBEDDED_MODE", false),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "relaygate"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			AuditTopic:     getenv("NSQ_AUDIT_TOPIC", "relaygate_audit"),
		},
		Engine: Engine{
			InitialBackoffMS: getenvInt("INITIAL_BACKOFF_MS", 2000),
			DefaultLimit:     getenvInt("DEFAULT_PROCESS_LIMIT", 10),
			PublishAudit:     getenvBool("PUBLISH_AUDIT_TOPIC", false),
		},
		Guardian: Guardian{
			TickInterval: getenvDuration("GUARDIAN_TICK_INTERVAL", time.Minute),
		},
		Blob: Blob{
			Dir:      getenv("BLOB_DIR", "/var/lib/relaygate/blobs"),
			InMemory: getenvBool("BLOB_IN_MEMORY", false),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY_PEM", ""),
			Issuer:       getenv("JWT_ISSUER", "relaygate"),
			Audience:     getenv("JWT_AUDIENCE", "relaygate-operators"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
