package mw

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-host/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-host/pkg/gateway/telephony"
)

// CallerRateLimit turns away incoming calls from a number that is dialing
// faster than the limiter allows. Twilio expects TwiML, so the refusal is
// a busy reject rather than a 429.
func CallerRateLimit(limiter *ratelimit.Limiter, onReject func(), logger *slog.Logger, next http.Handler) http.Handler {
	if !limiter.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voice/incoming" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		key := ratelimit.CallerKey(r.PostFormValue("From"))
		dec := limiter.Allow(key, time.Now())
		if dec.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		if onReject != nil {
			onReject()
		}
		if logger != nil {
			reqID, _ := RequestIDFrom(r.Context())
			logger.Warn("caller rate limited", "request_id", reqID, "caller", key, "call_id", r.PostFormValue("CallSid"))
		}
		doc, err := telephony.RejectBusy()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(doc))
	})
}
