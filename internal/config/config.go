package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type Redis struct {
	Addr     string // e.g. redis:6379
	Password string
	DB       int
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, used for /stats
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	PrimaryTopic   string // initial publishes
	RetryTopic     string // delayed retries
	DLQTopic       string // dead letters
	Channel        string // consumer group shared by dispatch workers
}

type Dispatch struct {
	Workers                int           // concurrent handlers per topic
	MaxInFlight            int           // NSQ max in flight, defaults to Workers
	HTTPTimeout            time.Duration // outbound request timeout
	SignatureHeader        string        // HTTP header carrying sha256=<sig>
	MaxAttempts            int           // total delivery attempts before dead-lettering
	BaseDelay              time.Duration // delay before the second attempt
	Multiplier             float64       // backoff growth factor
	MaxDelay               time.Duration // backoff cap
	DeadLetterUnresolvable bool          // dead-letter envelopes whose event or destination is gone
	RateLimitBackend       string        // "local" or "redis"
	HTTPPort               string        // worker health/metrics port
}

type Idempotency struct {
	TTL time.Duration
}

type Replay struct {
	Window    time.Duration // default look-back when no start time is given
	BatchSize int           // candidates fetched per page
}

type Store struct {
	Driver string // "postgres"; "memory" is test-only
}

type Monitor struct {
	Interval time.Duration // nsqd stats poll interval, 0 disables
	HTTPPort string        // standalone nsq-monitor metrics port
}

type Tracing struct {
	Disabled    bool    // OTEL_SDK_DISABLED, propagation only
	Endpoint    string  // OTLP/HTTP collector host:port or URL
	SampleRatio float64 // fraction of root spans sampled
	Version     string  // service.version resource attribute
	InstanceID  string  // service.instance.id resource attribute
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	EndpointSecret  string        // Secret for signature verification
	SignatureHeader string        // Header to read the signature from
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	LogLevel     string // debug, info, warn or error
	DB           DB
	Redis        Redis
	NSQ          NSQ
	Dispatch     Dispatch
	Idempotency  Idempotency
	Replay       Replay
	Store        Store
	Monitor      Monitor
	Tracing      Tracing
	FakeReceiver FakeReceiver
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

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

// Load applies the given .env files (".env" when none are given) to the process
// environment without overriding variables that are already set, then reads FromEnv.
// Missing files are ignored.
func Load(files ...string) Config {
	_ = godotenv.Load(files...)
	return FromEnv()
}

func FromEnv() Config {
	workers := getenvInt("DISPATCH_WORKERS", 10)
	return Config{
		AppName:  getenv("APP_NAME", "edp"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "edp"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			PrimaryTopic:   getenv("NSQ_PRIMARY_TOPIC", "events.primary"),
			RetryTopic:     getenv("NSQ_RETRY_TOPIC", "events.retry"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "events.dlq"),
			Channel:        getenv("NSQ_CHANNEL", "dispatcher"),
		},
		Dispatch: Dispatch{
			Workers:                workers,
			MaxInFlight:            getenvInt("DISPATCH_MAX_IN_FLIGHT", workers),
			HTTPTimeout:            getenvDuration("DISPATCH_HTTP_TIMEOUT", 15*time.Second),
			SignatureHeader:        getenv("SIGNATURE_HEADER", "X-Edp-Signature"),
			MaxAttempts:            getenvInt("MAX_ATTEMPTS", 5),
			BaseDelay:              getenvDuration("RETRY_BASE_DELAY", time.Second),
			Multiplier:             getenvFloat("RETRY_MULTIPLIER", 2.0),
			MaxDelay:               getenvDuration("RETRY_MAX_DELAY", time.Hour),
			DeadLetterUnresolvable: getenvBool("DEAD_LETTER_UNRESOLVABLE", true),
			RateLimitBackend:       strings.ToLower(getenv("RATE_LIMIT_BACKEND", "local")),
			HTTPPort:               ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Idempotency: Idempotency{
			TTL: getenvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Replay: Replay{
			Window:    getenvDuration("REPLAY_WINDOW", 24*time.Hour),
			BatchSize: getenvInt("REPLAY_BATCH_SIZE", 500),
		},
		Store: Store{
			Driver: strings.ToLower(getenv("STORE_DRIVER", "postgres")),
		},
		Monitor: Monitor{
			Interval: getenvDuration("NSQ_MONITOR_INTERVAL", 15*time.Second),
			HTTPPort: getenv("NSQ_MONITOR_PORT", ":8084"),
		},
		Tracing: Tracing{
			Disabled:    getenvBool("OTEL_SDK_DISABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4318"),
			SampleRatio: getenvFloat("OTEL_TRACES_SAMPLE_RATIO", 1.0),
			Version:     getenv("SERVICE_VERSION", "dev"),
			InstanceID:  getenv("HOSTNAME", getenv("POD_NAME", "unknown")),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			SignatureHeader: getenv("SIGNATURE_HEADER", "X-Edp-Signature"),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
