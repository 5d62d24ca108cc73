package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-host/pkg/core/session"
	"github.com/vango-go/vai-host/pkg/gateway/calls"
	"github.com/vango-go/vai-host/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether this process should be handed new calls.
type ReadyHandler struct {
	Config  config.Config
	Tracker *calls.Tracker
	Manager *session.Manager
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		ActiveSessions int      `json:"active_sessions"`
		ActiveStreams  int      `json:"active_streams"`
		MaxCalls       int      `json:"max_concurrent_calls"`
		Store          string   `json:"store"`
		SignedWebhooks bool     `json:"signed_webhooks"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if h.Config.MaxConcurrentCalls <= 0 {
		issues = append(issues, "max concurrent calls must be > 0")
	}
	if h.Config.ValidateSignatures && h.Config.TwilioAuthToken == "" {
		issues = append(issues, "signature validation enabled but no twilio auth token configured")
	}
	if h.Config.CartesiaAPIKey == "" {
		issues = append(issues, "no speech-to-text key configured")
	}
	if h.Config.ElevenLabsAPIKey == "" {
		issues = append(issues, "no text-to-speech key configured")
	}
	if h.Config.MediaWriteTimeout <= 0 || h.Config.MediaStartTimeout <= 0 {
		issues = append(issues, "media timeouts must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Tracker.IsDraining()
	active := 0
	if h.Manager != nil {
		active = h.Manager.Active()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case !ok:
		status = http.StatusInternalServerError
	case draining:
		ok = false
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		ActiveSessions: active,
		ActiveStreams:  h.Tracker.Count(),
		MaxCalls:       h.Config.MaxConcurrentCalls,
		Store:          string(h.Config.StoreDriver),
		SignedWebhooks: h.Config.ValidateSignatures,
		Issues:         issues,
	})
}
