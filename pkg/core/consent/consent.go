// Package consent records caller consent for recording and SMS and answers
// whether an action is permitted. Every lookup fails closed.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/store"
)

// ErrAlreadyRecorded is returned when a session already has a decision for a type.
var ErrAlreadyRecorded = errors.New("consent already recorded")

// Store persists consent records.
type Store interface {
	PutConsent(ctx context.Context, rec call.ConsentRecord) error
	GetConsent(ctx context.Context, sessionID string, t call.ConsentType) (call.ConsentRecord, error)
}

// Emitter receives analytics events.
type Emitter interface {
	Emit(ev call.AnalyticsEvent)
}

// Pending is an outstanding consent question.
type Pending struct {
	SessionID   string
	Type        call.ConsentType
	Prompt      string
	RequestedAt time.Time
}

type key struct {
	session string
	typ     call.ConsentType
}

type Dependencies struct {
	Store   Store
	Emitter Emitter
	// Prompts maps each consent type to the question read to the caller.
	Prompts map[call.ConsentType]string
	Now     func() time.Time
	Logger  *slog.Logger
}

type Manager struct {
	store   Store
	emit    Emitter
	prompts map[call.ConsentType]string
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.RWMutex
	granted map[key]bool
	pending map[key]Pending
}

var DefaultPrompts = map[call.ConsentType]string{
	call.ConsentRecording: "This call may be recorded for quality assurance and to help us provide better service. Is that okay with you?",
	call.ConsentSMS:       "Would you like to receive a text message confirmation of your reservation?",
}

func New(deps Dependencies) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("consent store is required")
	}
	m := &Manager{
		store:   deps.Store,
		emit:    deps.Emitter,
		prompts: deps.Prompts,
		now:     deps.Now,
		logger:  deps.Logger,
		granted: make(map[key]bool),
		pending: make(map[key]Pending),
	}
	if m.prompts == nil {
		m.prompts = DefaultPrompts
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// RequestConsent marks a consent question as asked and returns the prompt to speak.
func (m *Manager) RequestConsent(ctx context.Context, sessionID string, t call.ConsentType) (Pending, error) {
	if !t.Valid() {
		return Pending{}, fmt.Errorf("unknown consent type %q", t)
	}
	p := Pending{SessionID: sessionID, Type: t, Prompt: m.prompts[t], RequestedAt: m.now()}
	if p.Prompt == "" {
		p.Prompt = DefaultPrompts[t]
	}
	m.mu.Lock()
	m.pending[key{sessionID, t}] = p
	m.mu.Unlock()
	m.emitEvent(call.AnalyticsEvent{
		Type:      call.EventConsentRequested,
		SessionID: sessionID,
		Payload:   map[string]any{"consent_type": string(t)},
	})
	return p, nil
}

// PendingFor returns the outstanding question for (sessionID, t), if any.
func (m *Manager) PendingFor(sessionID string, t call.ConsentType) (Pending, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[key{sessionID, t}]
	return p, ok
}

// RecordConsent stores the caller's decision. Decisions are immutable.
func (m *Manager) RecordConsent(ctx context.Context, sessionID string, t call.ConsentType, granted bool) error {
	if !t.Valid() {
		return fmt.Errorf("unknown consent type %q", t)
	}
	rec := call.ConsentRecord{
		SessionID: sessionID,
		Type:      t,
		Granted:   granted,
		Method:    "voice",
		At:        m.now(),
	}
	if err := m.store.PutConsent(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: %s for session %s", ErrAlreadyRecorded, t, sessionID)
		}
		return fmt.Errorf("record consent: %w", err)
	}

	k := key{sessionID, t}
	m.mu.Lock()
	m.granted[k] = granted
	delete(m.pending, k)
	m.mu.Unlock()

	m.logger.Info("consent recorded", "session_id", sessionID, "consent_type", t, "granted", granted)
	m.emitEvent(call.AnalyticsEvent{
		Type:      call.EventConsentRecorded,
		SessionID: sessionID,
		Payload:   map[string]any{"consent_type": string(t), "granted": granted},
	})
	return nil
}

// IsGranted reports whether consent t was explicitly granted. Missing
// records, unknown types and store errors all answer false.
func (m *Manager) IsGranted(ctx context.Context, sessionID string, t call.ConsentType) bool {
	if !t.Valid() {
		return false
	}
	k := key{sessionID, t}
	m.mu.RLock()
	granted, ok := m.granted[k]
	m.mu.RUnlock()
	if ok {
		return granted
	}

	rec, err := m.store.GetConsent(ctx, sessionID, t)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("consent lookup failed", "session_id", sessionID, "consent_type", t, "error", err)
		}
		return false
	}
	m.mu.Lock()
	m.granted[k] = rec.Granted
	m.mu.Unlock()
	return rec.Granted
}

// Require returns a consent_denied error unless t is granted.
func (m *Manager) Require(ctx context.Context, sessionID string, t call.ConsentType) error {
	if m.IsGranted(ctx, sessionID, t) {
		return nil
	}
	return core.NewConsentDeniedError(string(t))
}

// Forget drops cached decisions for a closed session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.granted {
		if k.session == sessionID {
			delete(m.granted, k)
		}
	}
	for k := range m.pending {
		if k.session == sessionID {
			delete(m.pending, k)
		}
	}
}

func (m *Manager) emitEvent(ev call.AnalyticsEvent) {
	if m.emit == nil {
		return
	}
	ev.At = m.now()
	m.emit.Emit(ev)
}
