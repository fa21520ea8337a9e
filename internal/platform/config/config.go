package config

import (
	"os"
	"strings"
	"time"
)

// Config captures everything the server needs from the environment.
type Config struct {
	Addr string

	// CookieSecret signs the upstream sessions cookie; CookieTTL bounds how
	// long an in-flight federated login attempt survives.
	CookieSecret string
	CookieTTL    time.Duration
	// SecureCookies is off only in local development over plain HTTP.
	SecureCookies bool

	DatabaseURL string
	// RedisURL is optional; without it session activity tracking is disabled.
	RedisURL string
	// KafkaBrokers is optional; without it provisioning jobs stay in-process.
	KafkaBrokers []string

	HomeserverURL string
	// TermsURI, when set, requires terms acceptance at registration.
	TermsURI string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	addr := os.Getenv("JANUS_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	cookieSecret := os.Getenv("JANUS_COOKIE_SECRET")
	if cookieSecret == "" {
		// Usable for development only - must be overridden in production
		cookieSecret = "dev-secret-key-change-in-production"
	}

	cookieTTL := 15 * time.Minute
	if raw := os.Getenv("JANUS_COOKIE_TTL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			cookieTTL = parsed
		}
	}

	homeserverURL := os.Getenv("JANUS_HOMESERVER_URL")
	if homeserverURL == "" {
		homeserverURL = "http://localhost:8008"
	}

	var brokers []string
	if raw := os.Getenv("JANUS_KAFKA_BROKERS"); raw != "" {
		brokers = strings.Split(raw, ",")
	}

	return Config{
		Addr:          addr,
		CookieSecret:  cookieSecret,
		CookieTTL:     cookieTTL,
		SecureCookies: os.Getenv("JANUS_INSECURE_COOKIES") != "true",
		DatabaseURL:   os.Getenv("JANUS_DATABASE_URL"),
		RedisURL:      os.Getenv("JANUS_REDIS_URL"),
		KafkaBrokers:  brokers,
		HomeserverURL: homeserverURL,
		TermsURI:      os.Getenv("JANUS_TERMS_URI"),
	}
}
