package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/session"
	"github.com/vango-go/vai-host/pkg/gateway/calls"
	"github.com/vango-go/vai-host/pkg/gateway/config"
	"github.com/vango-go/vai-host/pkg/gateway/mw"
	"github.com/vango-go/vai-host/pkg/gateway/telephony"
	"github.com/vango-go/vai-host/pkg/metrics"
)

const setupFailedMessage = "Sorry, we can't take your call right now. Please try again later."

// IncomingHandler answers Twilio's incoming-call webhook. It opens a
// session and tells Twilio to stream the call audio to /voice/media.
type IncomingHandler struct {
	Config  config.Config
	Manager *session.Manager
	Tracker *calls.Tracker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (h IncomingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	logger := loggerOrDefault(h.Logger)
	reqID, _ := mw.RequestIDFrom(r.Context())

	callID := strings.TrimSpace(r.PostFormValue("CallSid"))
	if callID == "" {
		writeError(w, r, core.NewTransportError("CallSid is required", nil))
		return
	}

	if h.Tracker.IsDraining() {
		h.reject(w, "draining")
		return
	}

	handle, err := h.Manager.CreateSession(r.Context(), callID, r.PostFormValue("From"), r.PostFormValue("To"))
	switch {
	case err == nil:
	case core.HasType(err, core.ErrOverloaded):
		logger.Warn("call rejected", "request_id", reqID, "call_id", callID, "reason", "capacity")
		h.reject(w, "capacity")
		return
	case core.HasType(err, core.ErrDuplicate):
		// Twilio retried the webhook; answer with the same stream.
		existing, ok := h.Manager.Lookup(callID)
		if !ok {
			h.sayHangup(w, callID, err)
			return
		}
		logger.Info("duplicate incoming webhook", "request_id", reqID, "call_id", callID, "session_id", existing.ID)
		handle = existing
	default:
		h.sayHangup(w, callID, err)
		return
	}

	doc, err := telephony.StreamResponse(h.streamURL(r), map[string]string{"session_id": handle.ID})
	if err != nil {
		logger.Error("render stream twiml", "call_id", callID, "error", err)
		writeError(w, r, err)
		return
	}
	writeTwiML(w, doc)
}

func (h IncomingHandler) reject(w http.ResponseWriter, reason string) {
	if h.Metrics != nil {
		h.Metrics.RecordRejection(reason)
	}
	doc, err := telephony.RejectBusy()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, doc)
}

func (h IncomingHandler) sayHangup(w http.ResponseWriter, callID string, cause error) {
	loggerOrDefault(h.Logger).Error("session setup failed", "call_id", callID, "error", cause)
	if h.Metrics != nil {
		h.Metrics.RecordRejection("setup_failed")
	}
	doc, err := telephony.SayHangup(setupFailedMessage)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, doc)
}

// streamURL is the configured media URL, or one derived from the host the
// webhook arrived on.
func (h IncomingHandler) streamURL(r *http.Request) string {
	if u := h.Config.MediaStreamURL(); u != "" {
		return u
	}
	u, err := url.Parse(mw.SignedURL(r, "", h.Config.TrustProxyHeaders))
	if err != nil {
		return "wss://" + r.Host + "/voice/media"
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/voice/media"
	u.RawQuery = ""
	return u.String()
}

// terminalCallStatuses are the CallStatus values after which Twilio will
// not send more audio.
var terminalCallStatuses = map[string]string{
	"completed": "caller_hangup",
	"busy":      "caller_hangup",
	"no-answer": "caller_hangup",
	"canceled":  "caller_hangup",
	"failed":    session.ReasonSystemFailure,
}

// StatusHandler receives Twilio's call status callbacks and closes the
// session once the call has ended.
type StatusHandler struct {
	Manager *session.Manager
	Logger  *slog.Logger
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	callID := strings.TrimSpace(r.PostFormValue("CallSid"))
	status := strings.TrimSpace(r.PostFormValue("CallStatus"))
	if callID == "" {
		writeError(w, r, core.NewTransportError("CallSid is required", nil))
		return
	}

	if reason, ok := terminalCallStatuses[status]; ok {
		found, err := h.Manager.Hangup(r.Context(), callID, reason)
		if err != nil && !core.HasType(err, core.ErrNotFound) {
			writeError(w, r, err)
			return
		}
		if found {
			loggerOrDefault(h.Logger).Info("call ended by carrier", "call_id", callID, "status", status)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
