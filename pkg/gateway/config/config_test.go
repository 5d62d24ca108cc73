package config

import (
	"strings"
	"testing"
	"time"
)

var hostEnvKeys = []string{
	"VAI_HOST_ADDR",
	"VAI_HOST_PUBLIC_URL",
	"VAI_HOST_TRUST_PROXY_HEADERS",
	"VAI_HOST_TWILIO_ACCOUNT_SID",
	"VAI_HOST_TWILIO_AUTH_TOKEN",
	"VAI_HOST_TWILIO_FROM_NUMBER",
	"VAI_HOST_VALIDATE_SIGNATURES",
	"VAI_HOST_TRANSFER_NUMBER",
	"VAI_HOST_MAX_CONCURRENT_CALLS",
	"VAI_HOST_MAX_CALL_DURATION",
	"VAI_HOST_EXTERNAL_CALL_TIMEOUT",
	"VAI_HOST_UNRECOGNIZED_LIMIT",
	"VAI_HOST_OVERRUN_BUDGET",
	"VAI_HOST_CONSENT_RETRIES",
	"VAI_HOST_CALLER_RATE_LIMIT_RPS",
	"VAI_HOST_CALLER_RATE_LIMIT_BURST",
	"VAI_HOST_QUEUE_FRAMES",
	"VAI_HOST_SILENCE_COMMIT",
	"VAI_HOST_SPEECH_RETRY_DELAY",
	"VAI_HOST_NLU_MIN_CONFIDENCE",
	"VAI_HOST_CLASSIFY_TIMEOUT",
	"VAI_HOST_MEDIA_PING_INTERVAL",
	"VAI_HOST_MEDIA_WRITE_TIMEOUT",
	"VAI_HOST_MEDIA_START_TIMEOUT",
	"VAI_HOST_MEDIA_DRAIN_TIMEOUT",
	"VAI_HOST_MAX_MEDIA_MESSAGE_BYTES",
	"VAI_HOST_MEDIA_RECONNECT_GRACE",
	"VAI_HOST_CARTESIA_API_KEY",
	"VAI_HOST_CARTESIA_URL",
	"VAI_HOST_STT_MODEL",
	"VAI_HOST_ELEVENLABS_API_KEY",
	"VAI_HOST_ELEVENLABS_WS_URL",
	"VAI_HOST_VOICE",
	"VAI_HOST_GEMINI_API_KEY",
	"VAI_HOST_GEMINI_MODEL",
	"VAI_HOST_BOOKING_BASE_URL",
	"VAI_HOST_BOOKING_API_KEY",
	"VAI_HOST_BOOKING_MAX_RETRIES",
	"VAI_HOST_BOOKING_RETRY_BASE",
	"VAI_HOST_STORE",
	"VAI_HOST_DATABASE_URL",
	"VAI_HOST_DB_MIGRATE",
	"VAI_HOST_REDIS_URL",
	"VAI_HOST_VENUE_FILE",
	"VAI_HOST_READ_HEADER_TIMEOUT",
	"VAI_HOST_READ_TIMEOUT",
	"VAI_HOST_SHUTDOWN_GRACE_PERIOD",
	"TWILIO_ACCOUNT_SID",
	"TWILIO_AUTH_TOKEN",
	"TWILIO_PHONE_NUMBER",
	"CARTESIA_API_KEY",
	"ELEVENLABS_API_KEY",
	"GEMINI_API_KEY",
}

func clearHostEnv(t *testing.T) {
	t.Helper()
	for _, key := range hostEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearHostEnv(t)
	t.Setenv("VAI_HOST_TWILIO_AUTH_TOKEN", "secret")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if !cfg.ValidateSignatures {
		t.Fatalf("ValidateSignatures = false, want true")
	}
	if cfg.MaxConcurrentCalls != 50 {
		t.Fatalf("MaxConcurrentCalls = %d, want 50", cfg.MaxConcurrentCalls)
	}
	if cfg.MaxCallDuration != 30*time.Minute {
		t.Fatalf("MaxCallDuration = %v, want 30m", cfg.MaxCallDuration)
	}
	if cfg.ExternalCallTimeout != 10*time.Second {
		t.Fatalf("ExternalCallTimeout = %v, want 10s", cfg.ExternalCallTimeout)
	}
	if cfg.UnrecognizedLimit != 3 {
		t.Fatalf("UnrecognizedLimit = %d, want 3", cfg.UnrecognizedLimit)
	}
	if cfg.OverrunBudget != 50 {
		t.Fatalf("OverrunBudget = %d, want 50", cfg.OverrunBudget)
	}
	if cfg.QueueFrames != 50 {
		t.Fatalf("QueueFrames = %d, want 50", cfg.QueueFrames)
	}
	if cfg.SilenceCommit != 700*time.Millisecond {
		t.Fatalf("SilenceCommit = %v, want 700ms", cfg.SilenceCommit)
	}
	if cfg.NLUMinConfidence != 0.5 {
		t.Fatalf("NLUMinConfidence = %v, want 0.5", cfg.NLUMinConfidence)
	}
	if cfg.StoreDriver != StoreMemory {
		t.Fatalf("StoreDriver = %q, want memory", cfg.StoreDriver)
	}
	if cfg.DBMigrate {
		t.Fatalf("DBMigrate = true, want false")
	}
	if cfg.MediaStreamURL() != "" {
		t.Fatalf("MediaStreamURL = %q, want empty without a public URL", cfg.MediaStreamURL())
	}
	if cfg.MediaReconnectGrace != 10*time.Second {
		t.Fatalf("MediaReconnectGrace = %v, want 10s", cfg.MediaReconnectGrace)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearHostEnv(t)
	t.Setenv("VAI_HOST_ADDR", ":9090")
	t.Setenv("VAI_HOST_PUBLIC_URL", "https://calls.example.com/")
	t.Setenv("VAI_HOST_VALIDATE_SIGNATURES", "false")
	t.Setenv("VAI_HOST_MAX_CONCURRENT_CALLS", "5")
	t.Setenv("VAI_HOST_MAX_CALL_DURATION", "10m")
	t.Setenv("VAI_HOST_NLU_MIN_CONFIDENCE", "0.7")
	t.Setenv("VAI_HOST_STORE", "Postgres")
	t.Setenv("VAI_HOST_DATABASE_URL", "postgres://localhost/vai")
	t.Setenv("VAI_HOST_DB_MIGRATE", "yes")
	t.Setenv("VAI_HOST_TRANSFER_NUMBER", "+15550001111")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.PublicURL != "https://calls.example.com" {
		t.Fatalf("PublicURL = %q", cfg.PublicURL)
	}
	if got := cfg.MediaStreamURL(); got != "wss://calls.example.com/voice/media" {
		t.Fatalf("MediaStreamURL = %q", got)
	}
	if cfg.ValidateSignatures {
		t.Fatalf("ValidateSignatures = true, want false")
	}
	if cfg.MaxConcurrentCalls != 5 || cfg.MaxCallDuration != 10*time.Minute {
		t.Fatalf("admission = %d/%v", cfg.MaxConcurrentCalls, cfg.MaxCallDuration)
	}
	if cfg.NLUMinConfidence != 0.7 {
		t.Fatalf("NLUMinConfidence = %v", cfg.NLUMinConfidence)
	}
	if cfg.StoreDriver != StorePostgres || !cfg.DBMigrate {
		t.Fatalf("store = %q migrate=%v", cfg.StoreDriver, cfg.DBMigrate)
	}
	if cfg.TransferNumber != "+15550001111" {
		t.Fatalf("TransferNumber = %q", cfg.TransferNumber)
	}
}

func TestLoadFromEnv_FallsBackToProviderEnvNames(t *testing.T) {
	clearHostEnv(t)
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_PHONE_NUMBER", "+15550009999")
	t.Setenv("CARTESIA_API_KEY", "ck")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.TwilioAuthToken != "tok" || cfg.TwilioFromNumber != "+15550009999" || cfg.CartesiaAPIKey != "ck" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "signatures need a token",
			env:  map[string]string{},
			want: "VAI_HOST_TWILIO_AUTH_TOKEN",
		},
		{
			name: "unknown store",
			env:  map[string]string{"VAI_HOST_VALIDATE_SIGNATURES": "false", "VAI_HOST_STORE": "mongo"},
			want: "VAI_HOST_STORE",
		},
		{
			name: "sqlite needs a path",
			env:  map[string]string{"VAI_HOST_VALIDATE_SIGNATURES": "false", "VAI_HOST_STORE": "sqlite"},
			want: "VAI_HOST_DATABASE_URL",
		},
		{
			name: "confidence out of range",
			env:  map[string]string{"VAI_HOST_VALIDATE_SIGNATURES": "false", "VAI_HOST_NLU_MIN_CONFIDENCE": "1.5"},
			want: "VAI_HOST_NLU_MIN_CONFIDENCE",
		},
		{
			name: "zero calls",
			env:  map[string]string{"VAI_HOST_VALIDATE_SIGNATURES": "false", "VAI_HOST_MAX_CONCURRENT_CALLS": "0"},
			want: "VAI_HOST_MAX_CONCURRENT_CALLS",
		},
		{
			name: "burst required with rate",
			env:  map[string]string{"VAI_HOST_VALIDATE_SIGNATURES": "false", "VAI_HOST_CALLER_RATE_LIMIT_BURST": "0"},
			want: "VAI_HOST_CALLER_RATE_LIMIT_BURST",
		},
		{
			name: "negative reconnect grace",
			env:  map[string]string{"VAI_HOST_VALIDATE_SIGNATURES": "false", "VAI_HOST_MEDIA_RECONNECT_GRACE": "-1s"},
			want: "VAI_HOST_MEDIA_RECONNECT_GRACE",
		},
		{
			name: "relative public url",
			env:  map[string]string{"VAI_HOST_VALIDATE_SIGNATURES": "false", "VAI_HOST_PUBLIC_URL": "calls.example.com"},
			want: "VAI_HOST_PUBLIC_URL",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearHostEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("expected error mentioning %s", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestMediaStreamURL_PlainHTTP(t *testing.T) {
	cfg := Config{PublicURL: "http://localhost:8080/host"}
	if got := cfg.MediaStreamURL(); got != "ws://localhost:8080/host/voice/media" {
		t.Fatalf("MediaStreamURL = %q", got)
	}
}
