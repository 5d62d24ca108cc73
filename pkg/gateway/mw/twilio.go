package mw

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-host/pkg/gateway/apierror"
	"github.com/vango-go/vai-host/pkg/gateway/config"
)

// SignatureValidator checks X-Twilio-Signature. The twilio-go
// client.RequestValidator satisfies it.
type SignatureValidator interface {
	Validate(url string, params map[string]string, expectedSignature string) bool
}

// TwilioSignature rejects /voice/ requests that were not signed with the
// account's auth token.
func TwilioSignature(cfg config.Config, v SignatureValidator, logger *slog.Logger, next http.Handler) http.Handler {
	if !cfg.ValidateSignatures || v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/voice/") {
			next.ServeHTTP(w, r)
			return
		}
		reqID, _ := RequestIDFrom(r.Context())

		sig := strings.TrimSpace(r.Header.Get("X-Twilio-Signature"))
		if sig == "" {
			apierror.Write(w, http.StatusForbidden, &apierror.Body{
				Type:      apierror.TypeAuthentication,
				Message:   "missing X-Twilio-Signature",
				RequestID: reqID,
			})
			return
		}

		params := map[string]string{}
		if r.Method == http.MethodPost {
			if err := r.ParseForm(); err != nil {
				apierror.Write(w, http.StatusBadRequest, &apierror.Body{
					Type:      apierror.TypeInvalidRequest,
					Message:   "invalid form body",
					RequestID: reqID,
				})
				return
			}
			for k, vals := range r.PostForm {
				if len(vals) > 0 {
					params[k] = vals[0]
				}
			}
		}

		url := SignedURL(r, cfg.PublicURL, cfg.TrustProxyHeaders)
		if !v.Validate(url, params, sig) {
			if logger != nil {
				logger.Warn("rejected unsigned webhook", "request_id", reqID, "path", r.URL.Path, "url", url)
			}
			apierror.Write(w, http.StatusForbidden, &apierror.Body{
				Type:      apierror.TypeAuthentication,
				Message:   "invalid X-Twilio-Signature",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SignedURL rebuilds the URL Twilio used when signing r.
func SignedURL(r *http.Request, publicURL string, trustProxy bool) string {
	var base string
	if publicURL != "" {
		base = strings.TrimRight(publicURL, "/")
	} else {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		host := r.Host
		if trustProxy {
			if p := firstHeaderValue(r, "X-Forwarded-Proto"); p != "" {
				scheme = p
			}
			if h := firstHeaderValue(r, "X-Forwarded-Host"); h != "" {
				host = h
			}
		}
		base = scheme + "://" + host
	}
	if websocket.IsWebSocketUpgrade(r) {
		switch {
		case strings.HasPrefix(base, "https://"):
			base = "wss://" + strings.TrimPrefix(base, "https://")
		case strings.HasPrefix(base, "http://"):
			base = "ws://" + strings.TrimPrefix(base, "http://")
		}
	}
	return base + r.URL.RequestURI()
}

func firstHeaderValue(r *http.Request, name string) string {
	v := r.Header.Get(name)
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
