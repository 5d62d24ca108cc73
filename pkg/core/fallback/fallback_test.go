package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/core/nlu"
)

type fakeTelephony struct {
	mu          sync.Mutex
	transferErr error
	transfers   []string
	hangups     []string
}

func (f *fakeTelephony) Transfer(ctx context.Context, callID, number, announcement string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return f.transferErr
	}
	f.transfers = append(f.transfers, callID+"->"+number+": "+announcement)
	return nil
}

func (f *fakeTelephony) Hangup(ctx context.Context, callID, announcement string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID+": "+announcement)
	return nil
}

type events struct {
	mu  sync.Mutex
	got []call.AnalyticsEvent
}

func (e *events) Emit(ev call.AnalyticsEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
}

func TestCheckTurn(t *testing.T) {
	h, err := New(Dependencies{Telephony: &fakeTelephony{}})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		text   string
		intent nlu.Intent
		streak int
		want   Reason
	}{
		{"table for two", nlu.IntentReservationRequest, 0, ""},
		{"let me talk to a person", nlu.IntentHumanRequest, 0, ReasonHumanRequest},
		{"what", nlu.IntentUnrecognized, 2, ""},
		{"what", nlu.IntentUnrecognized, 3, ReasonUnrecognized},
		{"this is SHIT service", nlu.IntentComplaint, 0, ReasonAbusive},
		{"shitake mushrooms please", nlu.IntentQuestion, 0, ""},
	}
	for _, tt := range tests {
		got, ok := h.CheckTurn(tt.text, tt.intent, tt.streak)
		if got != tt.want || ok != (tt.want != "") {
			t.Errorf("CheckTurn(%q, %s, %d) = %q, %v; want %q", tt.text, tt.intent, tt.streak, got, ok, tt.want)
		}
	}
}

func TestCheckTurn_CustomPolicy(t *testing.T) {
	h, err := New(Dependencies{
		Telephony: &fakeTelephony{},
		Policy:    Policy{UnrecognizedLimit: 2, Prohibited: []string{"pineapple pizza"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := h.CheckTurn("huh", nlu.IntentUnrecognized, 2); r != ReasonUnrecognized {
		t.Fatalf("streak 2 = %q", r)
	}
	if r, _ := h.CheckTurn("I want pineapple pizza", nlu.IntentQuestion, 0); r != ReasonAbusive {
		t.Fatalf("custom word = %q", r)
	}
}

func TestCheckFault(t *testing.T) {
	h, err := New(Dependencies{Telephony: &fakeTelephony{}, Policy: Policy{OverrunBudget: 5}})
	if err != nil {
		t.Fatal(err)
	}
	speech := core.NewSpeechServiceError("stt", context.DeadlineExceeded)
	if r, ok := h.CheckFault(speech, 0); !ok || r != ReasonSpeechFailure {
		t.Fatalf("speech = %q, %v", r, ok)
	}
	overrun := &core.PipelineOverrunError{SessionID: "s1", Dropped: 3}
	if _, ok := h.CheckFault(overrun, 3); ok {
		t.Fatal("overruns within budget should not escalate")
	}
	if r, ok := h.CheckFault(overrun, 6); !ok || r != ReasonOverrun {
		t.Fatalf("overrun = %q, %v", r, ok)
	}
}

func TestEscalate_TransfersToHuman(t *testing.T) {
	tel := &fakeTelephony{}
	em := &events{}
	h, err := New(Dependencies{Telephony: tel, TransferNumber: "+15559998888", Announcement: "One moment.", Emitter: em})
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	out, err := h.Escalate(context.Background(), Escalation{
		SessionID: "s1",
		CallID:    "CA1",
		Reason:    ReasonHumanRequest,
		Cancel:    func() { order = append(order, "cancel") },
		MarkEscalated: func(context.Context) error {
			order = append(order, "escalated")
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if !out.Transferred || len(tel.transfers) != 1 || tel.transfers[0] != "CA1->+15559998888: One moment." {
		t.Fatalf("out=%+v transfers=%q", out, tel.transfers)
	}
	if len(order) != 2 || order[0] != "cancel" || order[1] != "escalated" {
		t.Fatalf("order = %v", order)
	}
	if len(em.got) != 1 || em.got[0].Type != call.EventEscalated || em.got[0].Payload["reason"] != "human_request" {
		t.Fatalf("events = %+v", em.got)
	}
}

func TestEscalate_NoNumberHangsUpWithApology(t *testing.T) {
	tel := &fakeTelephony{}
	h, err := New(Dependencies{Telephony: tel, NoHumanAvailable: "Please call back later."})
	if err != nil {
		t.Fatal(err)
	}
	escalated := false
	out, err := h.Escalate(context.Background(), Escalation{
		CallID:        "CA1",
		Reason:        ReasonUnrecognized,
		MarkEscalated: func(context.Context) error { escalated = true; return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Transferred || !escalated {
		t.Fatalf("out=%+v escalated=%v", out, escalated)
	}
	if len(tel.hangups) != 1 || tel.hangups[0] != "CA1: Please call back later." {
		t.Fatalf("hangups = %q", tel.hangups)
	}
}

func TestEscalate_TransferFailureStillEndsCall(t *testing.T) {
	tel := &fakeTelephony{transferErr: errors.New("call not in progress")}
	h, err := New(Dependencies{Telephony: tel, TransferNumber: "+15559998888"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := h.Escalate(ctx, Escalation{CallID: "CA1", Reason: ReasonSpeechFailure})
	if err == nil || out.Transferred {
		t.Fatalf("out=%+v err=%v", out, err)
	}
	if len(tel.hangups) != 1 {
		t.Fatalf("hangups = %q", tel.hangups)
	}
}
