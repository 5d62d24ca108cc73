// Package memory is an in-process store used for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/store"
)

type consentKey struct {
	session string
	typ     call.ConsentType
}

type Store struct {
	mu           sync.RWMutex
	sessions     map[string]call.Session
	turns        map[string][]call.Turn
	consents     map[consentKey]call.ConsentRecord
	reservations map[string]call.Reservation
	events       []call.AnalyticsEvent
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		sessions:     make(map[string]call.Session),
		turns:        make(map[string][]call.Turn),
		consents:     make(map[consentKey]call.ConsentRecord),
		reservations: make(map[string]call.Reservation),
	}
}

func (s *Store) CreateSession(_ context.Context, sess call.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return store.ErrConflict
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) UpdateSession(_ context.Context, sess call.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return store.ErrNotFound
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (call.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return call.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) AppendTurns(_ context.Context, turns []call.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range turns {
		s.turns[t.SessionID] = append(s.turns[t.SessionID], t)
	}
	return nil
}

func (s *Store) ListTurns(_ context.Context, sessionID string) ([]call.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]call.Turn(nil), s.turns[sessionID]...)
	return out, nil
}

func (s *Store) PutConsent(_ context.Context, rec call.ConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := consentKey{rec.SessionID, rec.Type}
	if _, ok := s.consents[k]; ok {
		return store.ErrConflict
	}
	s.consents[k] = rec
	return nil
}

func (s *Store) GetConsent(_ context.Context, sessionID string, t call.ConsentType) (call.ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.consents[consentKey{sessionID, t}]
	if !ok {
		return call.ConsentRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) PutReservation(_ context.Context, r call.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.ID] = r
	return nil
}

func (s *Store) GetReservation(_ context.Context, id string) (call.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return call.Reservation{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListReservations(_ context.Context, sessionID string) ([]call.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []call.Reservation
	for _, r := range s.reservations {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AppendEvents(_ context.Context, events []call.AnalyticsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) ListEvents(_ context.Context, sessionID string) ([]call.AnalyticsEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []call.AnalyticsEvent
	for _, ev := range s.events {
		if sessionID == "" || ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
