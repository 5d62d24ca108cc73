package mw

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/twilio/twilio-go/client"

	"github.com/vango-go/vai-host/pkg/gateway/apierror"
	"github.com/vango-go/vai-host/pkg/gateway/config"
	"github.com/vango-go/vai-host/pkg/metrics"
)

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !strings.HasPrefix(seen, "req_") || rr.Header().Get("X-Request-ID") != seen {
		t.Fatalf("seen=%q header=%q", seen, rr.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodPost, "/voice/incoming", nil)
	req.Header.Set("I-Twilio-Idempotency-Token", "tw-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "tw-123" {
		t.Fatalf("seen=%q, want Twilio token", seen)
	}
}

func TestRecover_PanicReturnsJSON(t *testing.T) {
	h := RequestID(Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/voice/status", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var env apierror.Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.Type != apierror.TypeAPI || env.Error.RequestID == "" {
		t.Fatalf("env=%+v", env.Error)
	}
}

func TestInstrument_RecordsRouteAndStatus(t *testing.T) {
	m := metrics.New("test")
	h := Instrument(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/voice/status" {
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/voice/status", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-admin.php", nil))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	out := string(body)
	if !strings.Contains(out, `test_http_requests_total{route="/voice/status",status="204"} 1`) {
		t.Fatalf("missing status series:\n%s", out)
	}
	if !strings.Contains(out, `route="other"`) || strings.Contains(out, "wp-admin") {
		t.Fatalf("unknown paths should collapse to other:\n%s", out)
	}
}

func twilioSign(token, fullURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioSignature(t *testing.T) {
	cfg := config.Config{ValidateSignatures: true, PublicURL: "https://calls.example.com"}
	v := client.NewRequestValidator("secret")
	h := TwilioSignature(cfg, &v, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	params := map[string]string{"CallSid": "CA1", "From": "+15551230000"}
	form := url.Values{}
	for k, val := range params {
		form.Set(k, val)
	}
	newReq := func(sig string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/voice/incoming", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if sig != "" {
			req.Header.Set("X-Twilio-Signature", sig)
		}
		return req
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, newReq(twilioSign("secret", "https://calls.example.com/voice/incoming", params)))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("signed request status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, newReq(twilioSign("wrong", "https://calls.example.com/voice/incoming", params)))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("bad signature status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, newReq(""))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("missing signature status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("health checks must not need a signature: %d", rr.Code)
	}
}

func TestTwilioSignature_Disabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := TwilioSignature(config.Config{ValidateSignatures: false}, nil, nil, next)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/voice/incoming", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestSignedURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/voice/media?x=1", nil)
	req.Host = "internal:8080"
	if got := SignedURL(req, "", false); got != "http://internal:8080/voice/media?x=1" {
		t.Fatalf("got %q", got)
	}

	req.Header.Set("X-Forwarded-Proto", "https, http")
	req.Header.Set("X-Forwarded-Host", "calls.example.com")
	if got := SignedURL(req, "", true); got != "https://calls.example.com/voice/media?x=1" {
		t.Fatalf("got %q", got)
	}
	if got := SignedURL(req, "", false); !strings.HasPrefix(got, "http://internal:8080") {
		t.Fatalf("proxy headers must be ignored when untrusted: %q", got)
	}

	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	if got := SignedURL(req, "https://calls.example.com", false); got != "wss://calls.example.com/voice/media?x=1" {
		t.Fatalf("got %q", got)
	}
}
