package config

import (
	"os"
	"strings"
	"time"
)

// EngineSettings are the deployment-level knobs of the collections engine.
// Business policy (thresholds, send window) lives in the database, not here.
//
// Env:
// - COLLECTIONS_BUSINESS_ID            books backend tenant whose invoices are escalated
// - COLLECTIONS_WORKERS                bounded worker pool size per phase (default 8)
// - COLLECTIONS_IO_TIMEOUT_SECONDS     per-call timeout for store reads/writes (default 15)
// - COLLECTIONS_TRANSPORT_TIMEOUT_SECONDS per-call timeout for deliveries (default 30)
// - COLLECTIONS_MAX_SEND_ATTEMPTS      transport attempts before a record waits for an operator (default 3)
// - COLLECTIONS_RETRY_BASE_BACKOFF_SECONDS first retry delay (default 3600)
// - COLLECTIONS_RETRY_MAX_BACKOFF_SECONDS  retry delay cap (default 86400)
// - COLLECTIONS_CLAIM_TTL_SECONDS      a send claim older than this is considered abandoned (default 600)
// - COLLECTIONS_SEND_RATE_PER_SEC      delivery pacing (default 5)
// - COLLECTIONS_CYCLE_LOCK_TTL_SECONDS redis cycle lock TTL (default 1800)
// - COLLECTIONS_POLICY_CACHE_SECONDS   redis policy cache TTL (default 300)
// - COLLECTIONS_MAIL_TOPIC             Pub/Sub topic consumed by the mail service
// - COLLECTIONS_ALERT_TOPIC            Pub/Sub topic for critical-amount alerts
// - COLLECTIONS_TRANSPORT              "pubsub" or "log" (default: pubsub when configured)
type EngineSettings struct {
	BusinessId       string
	Workers          int
	IOTimeout        time.Duration
	TransportTimeout time.Duration
	MaxSendAttempts  int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
	ClaimTTL         time.Duration
	SendRatePerSec   int
	CycleLockTTL     time.Duration
	PolicyCacheTTL   time.Duration
	MailTopic        string
	AlertTopic       string
	Transport        string
}

const (
	TransportPubSub = "pubsub"
	TransportLog    = "log"
)

func GetEngineSettings() EngineSettings {
	s := EngineSettings{
		BusinessId:       strings.TrimSpace(os.Getenv("COLLECTIONS_BUSINESS_ID")),
		Workers:          positive(intFromEnv("COLLECTIONS_WORKERS", 8), 8),
		IOTimeout:        seconds("COLLECTIONS_IO_TIMEOUT_SECONDS", 15),
		TransportTimeout: seconds("COLLECTIONS_TRANSPORT_TIMEOUT_SECONDS", 30),
		MaxSendAttempts:  positive(intFromEnv("COLLECTIONS_MAX_SEND_ATTEMPTS", 3), 3),
		RetryBaseBackoff: seconds("COLLECTIONS_RETRY_BASE_BACKOFF_SECONDS", 3600),
		RetryMaxBackoff:  seconds("COLLECTIONS_RETRY_MAX_BACKOFF_SECONDS", 86400),
		ClaimTTL:         seconds("COLLECTIONS_CLAIM_TTL_SECONDS", 600),
		SendRatePerSec:   positive(intFromEnv("COLLECTIONS_SEND_RATE_PER_SEC", 5), 5),
		CycleLockTTL:     seconds("COLLECTIONS_CYCLE_LOCK_TTL_SECONDS", 1800),
		PolicyCacheTTL:   seconds("COLLECTIONS_POLICY_CACHE_SECONDS", 300),
		MailTopic:        strings.TrimSpace(os.Getenv("COLLECTIONS_MAIL_TOPIC")),
		AlertTopic:       strings.TrimSpace(os.Getenv("COLLECTIONS_ALERT_TOPIC")),
		Transport:        strings.ToLower(strings.TrimSpace(os.Getenv("COLLECTIONS_TRANSPORT"))),
	}
	if s.MailTopic == "" {
		s.MailTopic = "collections-mail"
	}
	if s.AlertTopic == "" {
		s.AlertTopic = "collections-critical-alerts"
	}
	if s.Transport == "" {
		if PubSubConfigured() {
			s.Transport = TransportPubSub
		} else {
			s.Transport = TransportLog
		}
	}
	return s
}

// InternalTickerEnabled runs the daily cycle from inside the HTTP server process.
// Off by default: production relies on Cloud Scheduler -> Pub/Sub push.
func InternalTickerEnabled() bool {
	return boolFromEnv("COLLECTIONS_INTERNAL_TICKER", false)
}

// TickerInterval is how often the in-process ticker runs a cycle. Cycles are
// idempotent and the send window gates dispatch, so running hourly is safe.
func TickerInterval() time.Duration {
	return seconds("COLLECTIONS_TICKER_INTERVAL_SECONDS", 3600)
}

// SkipMigrations disables AutoMigrate on startup.
func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS", false)
}

func seconds(key string, def int) time.Duration {
	return time.Duration(positive(intFromEnv(key, def), def)) * time.Second
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
