package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	twilio "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/vango-go/vai-host/pkg/core/analytics"
	"github.com/vango-go/vai-host/pkg/core/booking"
	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/core/consent"
	"github.com/vango-go/vai-host/pkg/core/fallback"
	"github.com/vango-go/vai-host/pkg/core/nlu"
	"github.com/vango-go/vai-host/pkg/core/notify"
	"github.com/vango-go/vai-host/pkg/core/session"
	"github.com/vango-go/vai-host/pkg/core/venue"
	"github.com/vango-go/vai-host/pkg/core/voice"
	"github.com/vango-go/vai-host/pkg/core/voice/stt"
	"github.com/vango-go/vai-host/pkg/core/voice/tts"
	"github.com/vango-go/vai-host/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-host/pkg/gateway/server"
	"github.com/vango-go/vai-host/pkg/gateway/telephony"
	"github.com/vango-go/vai-host/pkg/metrics"
	"github.com/vango-go/vai-host/pkg/store"
	"github.com/vango-go/vai-host/pkg/store/memory"
	"github.com/vango-go/vai-host/pkg/store/postgres"
	"github.com/vango-go/vai-host/pkg/store/sqlite"
)

const idempotencyTTL = 24 * time.Hour

// host is everything a running process owns.
type host struct {
	gateway   *gatewayserver.Server
	manager   *session.Manager
	analytics *analytics.Collector
	closers   []func() error
}

func (h *host) close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		return postgres.Open(ctx, cfg.DatabaseURL, cfg.DBMigrate)
	case config.StoreSQLite:
		return sqlite.Open(ctx, cfg.DatabaseURL)
	case config.StoreMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newClassifier(ctx context.Context, cfg config.Config, logger *slog.Logger) (nlu.Classifier, error) {
	keywords := nlu.NewKeywords()
	if cfg.GeminiAPIKey == "" {
		return nlu.WithThreshold(keywords, cfg.NLUMinConfidence), nil
	}
	gemini, err := nlu.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return nil, fmt.Errorf("gemini classifier: %w", err)
	}
	return nlu.WithThreshold(nlu.Chain(gemini, keywords, logger), cfg.NLUMinConfidence), nil
}

// buildHost wires the call services from cfg.
func buildHost(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *host, err error) {
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		return nil, errors.New("VAI_HOST_TWILIO_ACCOUNT_SID and VAI_HOST_TWILIO_AUTH_TOKEN are required")
	}

	h := &host{}
	defer func() {
		if err != nil {
			_ = h.close()
		}
	}()

	profile := venue.Default()
	if cfg.VenueFile != "" {
		if profile, err = venue.Load(cfg.VenueFile); err != nil {
			return nil, fmt.Errorf("load venue: %w", err)
		}
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	h.closers = append(h.closers, st.Close)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if rdb, err = openRedis(ctx, cfg.RedisURL); err != nil {
			return nil, err
		}
		h.closers = append(h.closers, rdb.Close)
	}

	m := metrics.New("vai_host")
	h.analytics, err = analytics.New(analytics.Dependencies{Store: st, Metrics: m, Logger: logger})
	if err != nil {
		return nil, err
	}

	consents, err := consent.New(consent.Dependencies{
		Store:   st,
		Emitter: h.analytics,
		Prompts: map[call.ConsentType]string{
			call.ConsentRecording: profile.Prompts.RecordingConsent,
			call.ConsentSMS:       profile.Prompts.SMSConsent,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	sessionDeps := session.Dependencies{
		Store:           st,
		Consent:         consents,
		Emitter:         h.analytics,
		Logger:          logger,
		MaxConcurrent:   int64(cfg.MaxConcurrentCalls),
		MaxCallDuration: cfg.MaxCallDuration,
		AttachTimeout:   cfg.MediaStartTimeout,
	}
	if rdb != nil {
		sessionDeps.Claims = session.NewRedisClaims(rdb, cfg.MaxCallDuration)
	}
	h.manager, err = session.NewManager(sessionDeps)
	if err != nil {
		return nil, err
	}

	tw := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	phone := telephony.NewTwilio(tw.Api, logger)

	escalation, err := fallback.New(fallback.Dependencies{
		Telephony:        phone,
		TransferNumber:   cfg.TransferNumber,
		Announcement:     profile.Prompts.Escalation,
		NoHumanAvailable: profile.Prompts.NoHumanAvailable,
		Policy: fallback.Policy{
			UnrecognizedLimit: cfg.UnrecognizedLimit,
			OverrunBudget:     cfg.OverrunBudget,
		},
		Emitter: h.analytics,
		Logger:  logger,
		Timeout: cfg.ExternalCallTimeout,
	})
	if err != nil {
		return nil, err
	}

	var system booking.System = booking.NewMemorySystem(profile)
	if cfg.BookingBaseURL != "" {
		system = booking.NewHTTPSystem(cfg.BookingBaseURL, cfg.BookingAPIKey, &http.Client{Timeout: cfg.ExternalCallTimeout})
	}
	bookingDeps := booking.Dependencies{
		System:       system,
		Store:        st,
		Consent:      consents,
		Emitter:      h.analytics,
		Logger:       logger,
		MaxRetries:   uint64(cfg.BookingMaxRetries),
		RetryBase:    cfg.BookingRetryBase,
		CallTimeout:  cfg.ExternalCallTimeout,
		MaxPartySize: profile.MaxPartySize,
	}
	if rdb != nil {
		bookingDeps.Idempotency = booking.NewRedisIdempotency(rdb, idempotencyTTL)
	}
	reservations, err := booking.New(bookingDeps)
	if err != nil {
		return nil, err
	}

	notifier, err := notify.New(notify.Dependencies{
		Sender:  notify.NewTwilioSender(tw, cfg.TwilioFromNumber),
		Consent: consents,
		Emitter: h.analytics,
		Venue:   profile,
		Logger:  logger,
		Timeout: cfg.ExternalCallTimeout,
	})
	if err != nil {
		return nil, err
	}

	classifier, err := newClassifier(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	recognizer := stt.NewCartesia(cfg.CartesiaAPIKey)
	if cfg.CartesiaURL != "" {
		recognizer = recognizer.WithURL(cfg.CartesiaURL)
	}
	synthesizer := tts.NewElevenLabs(cfg.ElevenLabsAPIKey)
	if cfg.ElevenLabsWSURL != "" {
		synthesizer = synthesizer.WithWSBaseURL(cfg.ElevenLabsWSURL)
	}

	services := &session.Services{
		Manager:    h.manager,
		Consent:    consents,
		Booking:    reservations,
		Notify:     notifier,
		Fallback:   escalation,
		Telephony:  phone,
		Classifier: classifier,
		STT:        recognizer,
		TTS:        synthesizer,
		Venue:      profile,
		Voice: voice.Config{
			QueueFrames:   cfg.QueueFrames,
			SilenceCommit: cfg.SilenceCommit,
			RetryBackoff:  cfg.SpeechRetryDelay,
			STTModel:      cfg.STTModel,
			Voice:         cfg.Voice,
		},
		Logger:          logger,
		ClassifyTimeout: cfg.ClassifyTimeout,
		ConsentRetries:  cfg.ConsentRetries,
		ReconnectGrace:  cfg.MediaReconnectGrace,
	}

	deps := gatewayserver.Deps{Services: services, Metrics: m}
	if cfg.ValidateSignatures {
		validator := twilioclient.NewRequestValidator(cfg.TwilioAuthToken)
		deps.Validator = &validator
	}
	h.gateway = gatewayserver.New(cfg, deps, logger)
	return h, nil
}
