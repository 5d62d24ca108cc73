package telephony

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/vango-go/vai-host/pkg/core"
)

type fakeUpdater struct {
	sid    string
	params *twilioApi.UpdateCallParams
	err    error
}

func (f *fakeUpdater) UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.sid = sid
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &twilioApi.ApiV2010Call{}, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestStreamResponse(t *testing.T) {
	doc, err := StreamResponse("wss://calls.example.com/voice/media", map[string]string{"session_id": "01ABC"})
	if err != nil {
		t.Fatalf("StreamResponse: %v", err)
	}
	for _, want := range []string{"<Response>", "<Connect>", "<Stream", "wss://calls.example.com/voice/media", "<Parameter", "01ABC"} {
		if !strings.Contains(doc, want) {
			t.Fatalf("doc missing %q: %s", want, doc)
		}
	}
}

func TestRejectBusy(t *testing.T) {
	doc, err := RejectBusy()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc, "<Reject") || !strings.Contains(doc, "busy") {
		t.Fatalf("doc=%s", doc)
	}
}

func TestTransfer_SaysThenDials(t *testing.T) {
	api := &fakeUpdater{}
	tel := NewTwilio(api, quiet())
	if err := tel.Transfer(context.Background(), "CA1", "+15550001111", "Transferring you now."); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if api.sid != "CA1" || api.params.Twiml == nil {
		t.Fatalf("sid=%q params=%+v", api.sid, api.params)
	}
	doc := *api.params.Twiml
	say := strings.Index(doc, "Transferring you now.")
	dial := strings.Index(doc, "+15550001111")
	if say < 0 || dial < 0 || say > dial {
		t.Fatalf("doc=%s", doc)
	}
}

func TestHangup_WithAndWithoutAnnouncement(t *testing.T) {
	api := &fakeUpdater{}
	tel := NewTwilio(api, quiet())

	if err := tel.Hangup(context.Background(), "CA1", ""); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if api.params.Status == nil || *api.params.Status != "completed" || api.params.Twiml != nil {
		t.Fatalf("params=%+v", api.params)
	}

	if err := tel.Hangup(context.Background(), "CA1", "Goodbye."); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if api.params.Twiml == nil || !strings.Contains(*api.params.Twiml, "Goodbye.") || !strings.Contains(*api.params.Twiml, "<Hangup") {
		t.Fatalf("params=%+v", api.params)
	}
}

func TestHangup_EndedCallIsNotAnError(t *testing.T) {
	api := &fakeUpdater{err: &client.TwilioRestError{Code: callNotInProgress, Status: 400, Message: "Call is not in-progress"}}
	if err := NewTwilio(api, quiet()).Hangup(context.Background(), "CA1", ""); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
}

func TestClassifyTwilioError(t *testing.T) {
	if err := classifyTwilioError(&client.TwilioRestError{Status: 503}); !core.IsRetryable(err) {
		t.Fatalf("503 err=%v, want retryable", err)
	}
	if err := classifyTwilioError(&client.TwilioRestError{Status: 401}); core.IsRetryable(err) || !core.HasType(err, core.ErrUpstream) {
		t.Fatalf("401 err=%v", err)
	}
	if err := classifyTwilioError(errors.New("dial tcp: timeout")); !core.IsRetryable(err) {
		t.Fatalf("network err=%v, want retryable", err)
	}
}

func TestTransfer_CancelledContext(t *testing.T) {
	api := &fakeUpdater{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewTwilio(api, quiet()).Transfer(ctx, "CA1", "+1", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if api.params != nil {
		t.Fatal("no request should be made after cancellation")
	}
}
