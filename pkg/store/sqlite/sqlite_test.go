package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)

	sess := call.Session{ID: "s1", CallID: "CA1", CallerNumber: "+15550100", StartedAt: started, Status: call.StatusActive, State: call.StateGreeting, Language: "en"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess.State = call.StateEnded
	sess.Status = call.StatusCompleted
	sess.EndedAt = started.Add(3 * time.Minute)
	sess.RecordingConsent = true
	sess.UnrecognizedStreak = 2
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != call.StateEnded || got.Status != call.StatusCompleted {
		t.Fatalf("state/status = %q/%q", got.State, got.Status)
	}
	if !got.StartedAt.Equal(started) || !got.EndedAt.Equal(sess.EndedAt) {
		t.Fatalf("times = %v/%v", got.StartedAt, got.EndedAt)
	}
	if !got.RecordingConsent || got.UnrecognizedStreak != 2 {
		t.Fatalf("got %+v", got)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing session err=%v", err)
	}
	if err := s.UpdateSession(ctx, call.Session{ID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update missing err=%v", err)
	}
}

func TestStore_TurnsAndConsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, call.Session{ID: "s1", CallID: "CA1", StartedAt: at, Status: call.StatusActive, State: call.StateGreeting}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := s.AppendTurns(ctx, []call.Turn{
		{SessionID: "s1", Seq: 1, Speaker: call.SpeakerAgent, Text: "Hello", At: at},
		{SessionID: "s1", Seq: 2, Speaker: call.SpeakerCaller, Text: "yes", At: at.Add(time.Second)},
	}); err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}
	if err := s.AppendTurns(ctx, []call.Turn{{SessionID: "s1", Seq: 2, Speaker: call.SpeakerCaller, Text: "dup", At: at}}); err == nil {
		t.Fatalf("duplicate seq should fail")
	}
	turns, err := s.ListTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].Seq != 1 || turns[1].Speaker != call.SpeakerCaller {
		t.Fatalf("turns = %+v", turns)
	}

	rec := call.ConsentRecord{SessionID: "s1", Type: call.ConsentRecording, Granted: true, Method: "voice", At: at}
	if err := s.PutConsent(ctx, rec); err != nil {
		t.Fatalf("PutConsent: %v", err)
	}
	if err := s.PutConsent(ctx, rec); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate consent err=%v", err)
	}
	got, err := s.GetConsent(ctx, "s1", call.ConsentRecording)
	if err != nil || !got.Granted || got.Type != call.ConsentRecording {
		t.Fatalf("GetConsent = %+v, %v", got, err)
	}
	if _, err := s.GetConsent(ctx, "s1", call.ConsentSMS); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("sms consent err=%v", err)
	}
}

func TestStore_ReservationsAndEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)

	r := call.Reservation{ID: "r1", SessionID: "s1", PartySize: 4, RequestedAt: at, Status: call.ReservationPending, IdempotencyKey: "k", CreatedAt: at, UpdatedAt: at}
	if err := s.PutReservation(ctx, r); err != nil {
		t.Fatalf("PutReservation: %v", err)
	}
	r.Status = call.ReservationConfirmed
	r.ExternalID = "OT-1"
	if err := s.PutReservation(ctx, r); err != nil {
		t.Fatalf("PutReservation update: %v", err)
	}
	got, err := s.GetReservation(ctx, "r1")
	if err != nil || got.Status != call.ReservationConfirmed || got.ExternalID != "OT-1" {
		t.Fatalf("GetReservation = %+v, %v", got, err)
	}
	list, _ := s.ListReservations(ctx, "s1")
	if len(list) != 1 {
		t.Fatalf("ListReservations len=%d", len(list))
	}

	if err := s.AppendEvents(ctx, []call.AnalyticsEvent{
		{ID: "e1", Type: call.EventCallStarted, SessionID: "s1", At: at},
		{ID: "e2", Type: call.EventCallEnded, SessionID: "s1", Payload: map[string]any{"status": "completed"}, At: at.Add(time.Minute)},
		{ID: "e3", Type: call.EventCallStarted, SessionID: "s2", At: at},
	}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	events, err := s.ListEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || events[1].Payload["status"] != "completed" {
		t.Fatalf("events = %+v", events)
	}
	all, _ := s.ListEvents(ctx, "")
	if len(all) != 3 {
		t.Fatalf("all events = %d", len(all))
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.sqlite")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Close()
	// Reopening must not re-apply migrations.
	s, err = Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = s.Close()
}
