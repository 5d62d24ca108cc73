package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StorePostgres StoreDriver = "postgres"
	StoreSQLite   StoreDriver = "sqlite"
)

type Config struct {
	Addr string

	// PublicURL is the externally reachable base URL of this host
	// (https://host). It is used to build the media stream URL handed to
	// Twilio and to reconstruct webhook URLs for signature checks. When
	// empty both are derived from the request.
	PublicURL string

	// If true, the scheme and host may be derived from X-Forwarded-* headers.
	// Only enable behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// Twilio
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	ValidateSignatures bool
	TransferNumber     string

	// Call admission and budgets.
	MaxConcurrentCalls  int
	MaxCallDuration     time.Duration
	ExternalCallTimeout time.Duration
	UnrecognizedLimit   int
	OverrunBudget       int64
	ConsentRetries      int

	// Per-caller webhook rate limit. RPS 0 disables it.
	CallerRPS   float64
	CallerBurst int

	// Speech pipeline.
	QueueFrames      int
	SilenceCommit    time.Duration
	SpeechRetryDelay time.Duration
	NLUMinConfidence float64
	ClassifyTimeout  time.Duration

	// Media stream websocket.
	MediaPingInterval   time.Duration
	MediaWriteTimeout   time.Duration
	MediaStartTimeout   time.Duration
	MediaDrainTimeout   time.Duration
	MaxMediaMessageSize int64
	// MediaReconnectGrace is how long a call whose media stream dropped
	// without a stop event waits for Twilio to reconnect.
	MediaReconnectGrace time.Duration

	// Providers.
	CartesiaAPIKey   string
	CartesiaURL      string
	STTModel         string
	ElevenLabsAPIKey string
	ElevenLabsWSURL  string
	Voice            string
	GeminiAPIKey     string
	GeminiModel      string

	// Booking system. An empty BookingBaseURL selects the in-process
	// slot book.
	BookingBaseURL    string
	BookingAPIKey     string
	BookingMaxRetries int
	BookingRetryBase  time.Duration

	// Persistence.
	StoreDriver StoreDriver
	DatabaseURL string
	DBMigrate   bool
	RedisURL    string

	VenueFile string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VAI_HOST_ADDR", ":8080"),
		PublicURL:           strings.TrimRight(envOr("VAI_HOST_PUBLIC_URL", ""), "/"),
		TrustProxyHeaders:   envBoolOr("VAI_HOST_TRUST_PROXY_HEADERS", false),
		TwilioAccountSID:    envOr("VAI_HOST_TWILIO_ACCOUNT_SID", os.Getenv("TWILIO_ACCOUNT_SID")),
		TwilioAuthToken:     envOr("VAI_HOST_TWILIO_AUTH_TOKEN", os.Getenv("TWILIO_AUTH_TOKEN")),
		TwilioFromNumber:    envOr("VAI_HOST_TWILIO_FROM_NUMBER", os.Getenv("TWILIO_PHONE_NUMBER")),
		ValidateSignatures:  envBoolOr("VAI_HOST_VALIDATE_SIGNATURES", true),
		TransferNumber:      envOr("VAI_HOST_TRANSFER_NUMBER", ""),
		MaxConcurrentCalls:  envIntOr("VAI_HOST_MAX_CONCURRENT_CALLS", 50),
		MaxCallDuration:     envDurationOr("VAI_HOST_MAX_CALL_DURATION", 30*time.Minute),
		ExternalCallTimeout: envDurationOr("VAI_HOST_EXTERNAL_CALL_TIMEOUT", 10*time.Second),
		UnrecognizedLimit:   envIntOr("VAI_HOST_UNRECOGNIZED_LIMIT", 3),
		OverrunBudget:       envInt64Or("VAI_HOST_OVERRUN_BUDGET", 50),
		ConsentRetries:      envIntOr("VAI_HOST_CONSENT_RETRIES", 2),
		CallerRPS:           envFloat64Or("VAI_HOST_CALLER_RATE_LIMIT_RPS", 0.2),
		CallerBurst:         envIntOr("VAI_HOST_CALLER_RATE_LIMIT_BURST", 3),
		QueueFrames:         envIntOr("VAI_HOST_QUEUE_FRAMES", 50),
		SilenceCommit:       envDurationOr("VAI_HOST_SILENCE_COMMIT", 700*time.Millisecond),
		SpeechRetryDelay:    envDurationOr("VAI_HOST_SPEECH_RETRY_DELAY", 250*time.Millisecond),
		NLUMinConfidence:    envFloat64Or("VAI_HOST_NLU_MIN_CONFIDENCE", 0.5),
		ClassifyTimeout:     envDurationOr("VAI_HOST_CLASSIFY_TIMEOUT", 3*time.Second),
		MediaPingInterval:   envDurationOr("VAI_HOST_MEDIA_PING_INTERVAL", 20*time.Second),
		MediaWriteTimeout:   envDurationOr("VAI_HOST_MEDIA_WRITE_TIMEOUT", 5*time.Second),
		MediaStartTimeout:   envDurationOr("VAI_HOST_MEDIA_START_TIMEOUT", 10*time.Second),
		MediaDrainTimeout:   envDurationOr("VAI_HOST_MEDIA_DRAIN_TIMEOUT", 15*time.Second),
		MaxMediaMessageSize: envInt64Or("VAI_HOST_MAX_MEDIA_MESSAGE_BYTES", 64*1024),
		MediaReconnectGrace: envDurationOr("VAI_HOST_MEDIA_RECONNECT_GRACE", 10*time.Second),
		CartesiaAPIKey:      envOr("VAI_HOST_CARTESIA_API_KEY", os.Getenv("CARTESIA_API_KEY")),
		CartesiaURL:         envOr("VAI_HOST_CARTESIA_URL", ""),
		STTModel:            envOr("VAI_HOST_STT_MODEL", "ink-whisper"),
		ElevenLabsAPIKey:    envOr("VAI_HOST_ELEVENLABS_API_KEY", os.Getenv("ELEVENLABS_API_KEY")),
		ElevenLabsWSURL:     envOr("VAI_HOST_ELEVENLABS_WS_URL", ""),
		Voice:               envOr("VAI_HOST_VOICE", ""),
		GeminiAPIKey:        envOr("VAI_HOST_GEMINI_API_KEY", os.Getenv("GEMINI_API_KEY")),
		GeminiModel:         envOr("VAI_HOST_GEMINI_MODEL", "gemini-2.5-flash"),
		BookingBaseURL:      strings.TrimRight(envOr("VAI_HOST_BOOKING_BASE_URL", ""), "/"),
		BookingAPIKey:       envOr("VAI_HOST_BOOKING_API_KEY", ""),
		BookingMaxRetries:   envIntOr("VAI_HOST_BOOKING_MAX_RETRIES", 2),
		BookingRetryBase:    envDurationOr("VAI_HOST_BOOKING_RETRY_BASE", 200*time.Millisecond),
		StoreDriver:         StoreDriver(strings.ToLower(envOr("VAI_HOST_STORE", string(StoreMemory)))),
		DatabaseURL:         envOr("VAI_HOST_DATABASE_URL", ""),
		DBMigrate:           envBoolOr("VAI_HOST_DB_MIGRATE", false),
		RedisURL:            envOr("VAI_HOST_REDIS_URL", ""),
		VenueFile:           envOr("VAI_HOST_VENUE_FILE", ""),
		ReadHeaderTimeout:   envDurationOr("VAI_HOST_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("VAI_HOST_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("VAI_HOST_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.PublicURL != "" {
		u, err := url.Parse(cfg.PublicURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return Config{}, fmt.Errorf("VAI_HOST_PUBLIC_URL must be an absolute http(s) URL")
		}
	}
	if cfg.ValidateSignatures && cfg.TwilioAuthToken == "" {
		return Config{}, fmt.Errorf("VAI_HOST_TWILIO_AUTH_TOKEN must be set when VAI_HOST_VALIDATE_SIGNATURES=true")
	}

	switch cfg.StoreDriver {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("VAI_HOST_DATABASE_URL must be set when VAI_HOST_STORE=%s", cfg.StoreDriver)
		}
	default:
		return Config{}, fmt.Errorf("VAI_HOST_STORE must be one of memory|postgres|sqlite")
	}

	if cfg.MaxConcurrentCalls <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_MAX_CONCURRENT_CALLS must be > 0")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_MAX_CALL_DURATION must be > 0")
	}
	if cfg.ExternalCallTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_EXTERNAL_CALL_TIMEOUT must be > 0")
	}
	if cfg.UnrecognizedLimit <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_UNRECOGNIZED_LIMIT must be > 0")
	}
	if cfg.OverrunBudget <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_OVERRUN_BUDGET must be > 0")
	}
	if cfg.ConsentRetries < 0 {
		return Config{}, fmt.Errorf("VAI_HOST_CONSENT_RETRIES must be >= 0")
	}
	if cfg.CallerRPS < 0 {
		return Config{}, fmt.Errorf("VAI_HOST_CALLER_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.CallerBurst < 0 {
		return Config{}, fmt.Errorf("VAI_HOST_CALLER_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.CallerRPS > 0 && cfg.CallerBurst < 1 {
		return Config{}, fmt.Errorf("VAI_HOST_CALLER_RATE_LIMIT_BURST must be >= 1 when the caller rate limit is enabled")
	}
	if cfg.QueueFrames <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_QUEUE_FRAMES must be > 0")
	}
	if cfg.SilenceCommit <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_SILENCE_COMMIT must be > 0")
	}
	if cfg.SpeechRetryDelay < 0 {
		return Config{}, fmt.Errorf("VAI_HOST_SPEECH_RETRY_DELAY must be >= 0")
	}
	if cfg.NLUMinConfidence < 0 || cfg.NLUMinConfidence > 1 {
		return Config{}, fmt.Errorf("VAI_HOST_NLU_MIN_CONFIDENCE must be between 0 and 1")
	}
	if cfg.ClassifyTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_CLASSIFY_TIMEOUT must be > 0")
	}
	if cfg.MediaPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_MEDIA_PING_INTERVAL must be > 0")
	}
	if cfg.MediaWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_MEDIA_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MediaStartTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_MEDIA_START_TIMEOUT must be > 0")
	}
	if cfg.MediaDrainTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_MEDIA_DRAIN_TIMEOUT must be > 0")
	}
	if cfg.MaxMediaMessageSize <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_MAX_MEDIA_MESSAGE_BYTES must be > 0")
	}
	if cfg.MediaReconnectGrace < 0 {
		return Config{}, fmt.Errorf("VAI_HOST_MEDIA_RECONNECT_GRACE must be >= 0")
	}
	if cfg.BookingMaxRetries < 0 {
		return Config{}, fmt.Errorf("VAI_HOST_BOOKING_MAX_RETRIES must be >= 0")
	}
	if cfg.BookingRetryBase <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_BOOKING_RETRY_BASE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_HOST_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// MediaStreamURL is the websocket URL Twilio connects the call audio to,
// or "" when no public URL is configured.
func (c Config) MediaStreamURL() string {
	if c.PublicURL == "" {
		return ""
	}
	u, err := url.Parse(c.PublicURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/voice/media"
	return u.String()
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return strings.TrimSpace(def)
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
