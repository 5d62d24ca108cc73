package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/store"
)

func TestStore_ConsentIsImmutable(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := call.ConsentRecord{SessionID: "s1", Type: call.ConsentSMS, Granted: true, Method: "voice", At: time.Now()}
	if err := s.PutConsent(ctx, rec); err != nil {
		t.Fatalf("PutConsent: %v", err)
	}
	rec.Granted = false
	if err := s.PutConsent(ctx, rec); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second PutConsent err=%v, want ErrConflict", err)
	}
	got, err := s.GetConsent(ctx, "s1", call.ConsentSMS)
	if err != nil || !got.Granted {
		t.Fatalf("GetConsent = %+v, %v; want granted", got, err)
	}
	if _, err := s.GetConsent(ctx, "s1", call.ConsentRecording); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing consent err=%v, want ErrNotFound", err)
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess := call.Session{ID: "s1", CallID: "CA1", Status: call.StatusActive}
	if err := s.UpdateSession(ctx, sess); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update before create err=%v", err)
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSession(ctx, sess); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate create err=%v", err)
	}
	sess.Status = call.StatusCompleted
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got, _ := s.GetSession(ctx, "s1")
	if got.Status != call.StatusCompleted {
		t.Fatalf("status=%q", got.Status)
	}
}

func TestStore_ListReservationsOrdersByCreation(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 18, 0, 0, 0, time.UTC)
	_ = s.PutReservation(ctx, call.Reservation{ID: "b", SessionID: "s1", CreatedAt: base.Add(time.Minute)})
	_ = s.PutReservation(ctx, call.Reservation{ID: "a", SessionID: "s1", CreatedAt: base})
	_ = s.PutReservation(ctx, call.Reservation{ID: "c", SessionID: "s2", CreatedAt: base})
	got, _ := s.ListReservations(ctx, "s1")
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("got %+v", got)
	}
}
