// Package session owns live call sessions: admission, the authoritative
// dialogue state, ordered transcripts and the per-call runner.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/core/dialogue"
	"github.com/vango-go/vai-host/pkg/core/fallback"
	"github.com/vango-go/vai-host/pkg/store"
)

// Close reasons the manager gives meaning to.
const (
	// ReasonSystemFailure closes a session as failed.
	ReasonSystemFailure = string(fallback.ReasonSystemFailure)
	ReasonMaxDuration   = "max_duration"
	ReasonMediaTimeout  = "media_timeout"
)

// SessionStore is the persistence the manager needs.
type SessionStore interface {
	store.Sessions
	store.Turns
}

// ConsentLookup answers consent questions for transition guards.
type ConsentLookup interface {
	IsGranted(ctx context.Context, sessionID string, t call.ConsentType) bool
	Forget(sessionID string)
}

type Emitter interface {
	Emit(ev call.AnalyticsEvent)
}

// CallClaims reserves call ids across replicas.
type CallClaims interface {
	Claim(ctx context.Context, callID, sessionID string) (bool, error)
	Release(ctx context.Context, callID, sessionID string) error
}

type Dependencies struct {
	Store   SessionStore
	Consent ConsentLookup
	Emitter Emitter
	Claims  CallClaims
	Logger  *slog.Logger
	Now     func() time.Time

	// MaxConcurrent is the admission limit (default 50).
	MaxConcurrent int64
	// MaxCallDuration bounds every call's context (default 30m). A session
	// still open when it elapses is closed.
	MaxCallDuration time.Duration
	// AttachTimeout closes a session that no call runner has attached to
	// in time, e.g. when the media stream never arrives. Zero disables it.
	AttachTimeout time.Duration
}

type consentState int

const (
	consentUnknown consentState = iota
	consentGranted
	consentDenied
)

type entry struct {
	mu      sync.Mutex
	sess    call.Session
	lastSeq int64
	consent consentState
	// pending holds turns heard before recording consent was decided.
	pending []call.Turn
	closed  bool
	runner  *Call
	// attachTimer fires when no runner attached in time.
	attachTimer *time.Timer

	ctx        context.Context
	cancel     context.CancelFunc
	stopExpiry func() bool
}

// Handle is a live session as seen by the gateway and call runner.
type Handle struct {
	ID     string
	CallID string
	e      *entry
}

// Context is cancelled when the call ends, is hung up or exceeds the
// maximum call duration.
func (h *Handle) Context() context.Context { return h.e.ctx }

// Manager tracks active sessions. Each session has its own lock so one
// call's transitions never wait on another's.
type Manager struct {
	store       SessionStore
	consent     ConsentLookup
	emit        Emitter
	claims      CallClaims
	logger      *slog.Logger
	now         func() time.Time
	admission   *semaphore.Weighted
	maxDuration time.Duration
	attachAfter time.Duration

	mu       sync.RWMutex
	sessions map[string]*entry
	byCall   map[string]string
}

func NewManager(deps Dependencies) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Consent == nil {
		return nil, errors.New("consent lookup is required")
	}
	m := &Manager{
		store:       deps.Store,
		consent:     deps.Consent,
		emit:        deps.Emitter,
		claims:      deps.Claims,
		logger:      deps.Logger,
		now:         deps.Now,
		maxDuration: deps.MaxCallDuration,
		attachAfter: deps.AttachTimeout,
		sessions:    make(map[string]*entry),
		byCall:      make(map[string]string),
	}
	limit := deps.MaxConcurrent
	if limit <= 0 {
		limit = 50
	}
	m.admission = semaphore.NewWeighted(limit)
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.maxDuration <= 0 {
		m.maxDuration = 30 * time.Minute
	}
	return m, nil
}

// CreateSession starts a session for callID. It fails with a
// duplicate_session error if the call already has one and with an
// overloaded_error when the admission limit is reached. The session's
// context outlives ctx.
func (m *Manager) CreateSession(ctx context.Context, callID, caller, called string) (*Handle, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byCall[callID]; ok {
		return nil, core.NewDuplicateSessionError(callID)
	}
	if !m.admission.TryAcquire(1) {
		return nil, core.NewOverloadedError("maximum concurrent calls reached")
	}

	now := m.now().UTC()
	sess := call.Session{
		ID:           call.NewID(now),
		CallID:       callID,
		CallerNumber: caller,
		CalledNumber: called,
		StartedAt:    now,
		Status:       call.StatusActive,
		State:        call.StateGreeting,
		Language:     "en",
	}

	if m.claims != nil {
		ok, err := m.claims.Claim(ctx, callID, sess.ID)
		if err != nil {
			m.admission.Release(1)
			return nil, fmt.Errorf("claim call: %w", err)
		}
		if !ok {
			m.admission.Release(1)
			return nil, core.NewDuplicateSessionError(callID)
		}
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		m.admission.Release(1)
		if m.claims != nil {
			_ = m.claims.Release(context.WithoutCancel(ctx), callID, sess.ID)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.maxDuration)
	e := &entry{sess: sess, ctx: callCtx, cancel: cancel}
	m.sessions[sess.ID] = e
	m.byCall[callID] = sess.ID
	e.stopExpiry = context.AfterFunc(callCtx, func() { m.expire(callCtx, sess.ID) })
	if m.attachAfter > 0 {
		e.attachTimer = time.AfterFunc(m.attachAfter, func() { m.attachExpired(sess.ID) })
	}

	m.logger.Info("session created", "session_id", sess.ID, "call_id", callID)
	m.emitEvent(call.AnalyticsEvent{Type: call.EventCallStarted, SessionID: sess.ID, At: now,
		Payload: map[string]any{"call_id": callID}})
	return &Handle{ID: sess.ID, CallID: callID, e: e}, nil
}

// expire closes a session whose call context reached the maximum duration.
// A session with a runner is left to it; the runner sees the same context.
func (m *Manager) expire(callCtx context.Context, sessionID string) {
	if !errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return
	}
	if err := m.closeSession(context.Background(), sessionID, ReasonMaxDuration, true); err != nil && !core.HasType(err, core.ErrNotFound) {
		m.logger.Warn("close expired session", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) attachExpired(sessionID string) {
	if err := m.closeSession(context.Background(), sessionID, ReasonMediaTimeout, true); err != nil && !core.HasType(err, core.ErrNotFound) {
		m.logger.Warn("close unattached session", "session_id", sessionID, "error", err)
	}
}

// attach binds the call runner to its session. A session runs at most one
// runner.
func (m *Manager) attach(sessionID string, c *Call) error {
	e, err := m.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.NewInvalidStateError("session " + sessionID + " is closed")
	}
	if e.runner != nil {
		return core.NewInvalidStateError("session " + sessionID + " already has a call runner")
	}
	e.runner = c
	if e.attachTimer != nil {
		e.attachTimer.Stop()
	}
	return nil
}

// Runner returns the call runner attached to the session, if any.
func (m *Manager) Runner(sessionID string) (*Call, bool) {
	e, err := m.entry(sessionID)
	if err != nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runner, e.runner != nil
}

func (m *Manager) entry(sessionID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, core.NewNotFoundError("session " + sessionID + " not found")
	}
	return e, nil
}

// Lookup returns the live session for a call id.
func (m *Manager) Lookup(callID string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCall[callID]
	if !ok {
		return nil, false
	}
	return &Handle{ID: id, CallID: callID, e: m.sessions[id]}, true
}

// Snapshot returns a copy of the session record.
func (m *Manager) Snapshot(sessionID string) (call.Session, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return call.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, nil
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AppendTurn adds a transcript turn. turn.Seq must be exactly one more than
// the previous turn's, otherwise *core.OutOfOrderError is returned and the
// session is unchanged. Turns are persisted only once recording consent is
// granted.
func (m *Manager) AppendTurn(ctx context.Context, sessionID string, turn call.Turn) error {
	e, err := m.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.appendLocked(ctx, e, turn)
}

// Say records the next turn for speaker and returns it.
func (m *Manager) Say(ctx context.Context, sessionID string, speaker call.Speaker, text string) (call.Turn, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return call.Turn{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	turn := call.Turn{Seq: e.lastSeq + 1, Speaker: speaker, Text: text}
	if err := m.appendLocked(ctx, e, turn); err != nil {
		return call.Turn{}, err
	}
	turn.SessionID = sessionID
	return turn, nil
}

func (m *Manager) appendLocked(ctx context.Context, e *entry, turn call.Turn) error {
	if e.closed {
		return core.NewInvalidStateError("session " + e.sess.ID + " is closed")
	}
	if turn.Seq != e.lastSeq+1 {
		return &core.OutOfOrderError{SessionID: e.sess.ID, Want: e.lastSeq + 1, Got: turn.Seq}
	}
	turn.SessionID = e.sess.ID
	if turn.At.IsZero() {
		turn.At = m.now().UTC()
	}
	switch e.consent {
	case consentGranted:
		if err := m.store.AppendTurns(ctx, []call.Turn{turn}); err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
	case consentUnknown:
		e.pending = append(e.pending, turn)
	}
	e.lastSeq = turn.Seq
	return nil
}

// Transition applies ev to the session's dialogue state under the session
// lock and persists the result.
func (m *Manager) Transition(ctx context.Context, sessionID string, ev dialogue.Event) (call.State, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.transitionLocked(ctx, e, ev)
}

func (m *Manager) transitionLocked(ctx context.Context, e *entry, ev dialogue.Event) (call.State, error) {
	guard := dialogue.Guard{RecordingConsent: m.consent.IsGranted(ctx, e.sess.ID, call.ConsentRecording)}
	from := e.sess.State
	to, err := dialogue.Transition(from, ev, guard)
	if err != nil {
		return from, err
	}

	switch ev.Kind {
	case dialogue.EventConsentGranted:
		e.consent = consentGranted
		e.sess.RecordingConsent = true
		if len(e.pending) > 0 {
			if err := m.store.AppendTurns(ctx, e.pending); err != nil {
				m.logger.Error("failed to flush transcript", "session_id", e.sess.ID, "error", err)
			}
			e.pending = nil
		}
	case dialogue.EventConsentDenied:
		e.consent = consentDenied
		e.pending = nil
	}

	e.sess.State = to
	if to.Terminal() {
		e.sess.EndReason = ev.Reason
		switch {
		case ev.Kind == dialogue.EventFailure, ev.Reason == ReasonSystemFailure:
			e.sess.Status = call.StatusFailed
		case to == call.StateEscalated:
			e.sess.Status = call.StatusEscalated
		default:
			e.sess.Status = call.StatusCompleted
		}
	}
	if err := m.store.UpdateSession(ctx, e.sess); err != nil {
		m.logger.Error("failed to persist session", "session_id", e.sess.ID, "error", err)
	}
	m.logger.Debug("state changed", "session_id", e.sess.ID, "from", from, "to", to, "event", ev.Kind)
	m.emitEvent(call.AnalyticsEvent{Type: call.EventStateChanged, SessionID: e.sess.ID,
		Payload: map[string]any{"from": string(from), "to": string(to), "event": string(ev.Kind)}})
	return to, nil
}

// RecordIntent updates the unrecognized-turn streak and returns it.
func (m *Manager) RecordIntent(sessionID, intent string, confidence float64) (int, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	if intent == "unrecognized" {
		e.sess.UnrecognizedStreak++
	} else {
		e.sess.UnrecognizedStreak = 0
	}
	streak := e.sess.UnrecognizedStreak
	e.mu.Unlock()

	m.emitEvent(call.AnalyticsEvent{Type: call.EventIntentClassified, SessionID: sessionID,
		Payload: map[string]any{"intent": intent, "confidence": confidence}})
	return streak, nil
}

// RecordSpeechFailure counts an exhausted speech retry budget.
func (m *Manager) RecordSpeechFailure(sessionID, service string) error {
	e, err := m.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sess.SpeechFailures++
	e.mu.Unlock()
	m.emitEvent(call.AnalyticsEvent{Type: call.EventSpeechFailure, SessionID: sessionID,
		Payload: map[string]any{"service": service}})
	return nil
}

// RecordOverrun stores the dropped-frame total and returns it.
func (m *Manager) RecordOverrun(sessionID string, dropped int64) (int64, error) {
	e, err := m.entry(sessionID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	if dropped > e.sess.PipelineOverruns {
		e.sess.PipelineOverruns = dropped
	}
	total := e.sess.PipelineOverruns
	e.mu.Unlock()
	m.emitEvent(call.AnalyticsEvent{Type: call.EventPipelineOverrun, SessionID: sessionID,
		Payload: map[string]any{"dropped": total}})
	return total, nil
}

func (m *Manager) SetLanguage(sessionID, lang string) error {
	e, err := m.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.Language = lang
	return nil
}

func (m *Manager) SetSMSConsent(sessionID string, granted bool) error {
	e, err := m.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.SMSConsent = granted
	return nil
}

// CloseSession ends the session. A non-terminal session is moved to ended
// with reason; ReasonSystemFailure marks it failed. Closing twice is a
// no-op.
func (m *Manager) CloseSession(ctx context.Context, sessionID, reason string) error {
	return m.closeSession(ctx, sessionID, reason, false)
}

// closeSession with unattached set leaves sessions that have a runner
// alone.
func (m *Manager) closeSession(ctx context.Context, sessionID, reason string, unattached bool) error {
	e, err := m.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed || (unattached && e.runner != nil) {
		e.mu.Unlock()
		return nil
	}
	if unattached {
		m.logger.Warn("closing session without a call runner", "session_id", sessionID, "reason", reason)
	}
	if !e.sess.State.Terminal() {
		kind := dialogue.EventHangup
		if reason == ReasonSystemFailure {
			kind = dialogue.EventFailure
		}
		if _, err := m.transitionLocked(ctx, e, dialogue.Event{Kind: kind, Reason: reason}); err != nil {
			m.logger.Warn("forced hangup transition failed", "session_id", sessionID, "error", err)
		}
	}
	e.closed = true
	e.pending = nil
	if e.attachTimer != nil {
		e.attachTimer.Stop()
	}
	e.stopExpiry()
	e.sess.EndedAt = m.now().UTC()
	if e.sess.EndReason == "" {
		e.sess.EndReason = reason
	}
	sess := e.sess
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		m.logger.Error("failed to persist closed session", "session_id", sessionID, "error", err)
	}
	e.cancel()
	e.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	if m.byCall[sess.CallID] == sessionID {
		delete(m.byCall, sess.CallID)
	}
	m.mu.Unlock()
	m.admission.Release(1)
	if m.claims != nil {
		if err := m.claims.Release(context.WithoutCancel(ctx), sess.CallID, sessionID); err != nil {
			m.logger.Warn("failed to release call claim", "call_id", sess.CallID, "error", err)
		}
	}
	m.consent.Forget(sessionID)

	m.logger.Info("session closed", "session_id", sessionID, "call_id", sess.CallID,
		"status", sess.Status, "reason", sess.EndReason, "duration", sess.Duration())
	m.emitEvent(call.AnalyticsEvent{Type: call.EventCallEnded, SessionID: sessionID, At: sess.EndedAt,
		Payload: map[string]any{
			"status":           string(sess.Status),
			"state":            string(sess.State),
			"reason":           sess.EndReason,
			"duration_seconds": sess.Duration().Seconds(),
		}})
	return nil
}

// Hangup ends the session for callID, e.g. from a telephony status
// callback. It reports whether a live session was found.
func (m *Manager) Hangup(ctx context.Context, callID, reason string) (bool, error) {
	h, ok := m.Lookup(callID)
	if !ok {
		return false, nil
	}
	h.e.cancel()
	return true, m.CloseSession(ctx, h.ID, reason)
}

// CloseAll ends every live session, used at shutdown.
func (m *Manager) CloseAll(ctx context.Context, reason string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		if err := m.CloseSession(ctx, id, reason); err != nil {
			m.logger.Warn("close session failed", "session_id", id, "error", err)
		}
	}
}

func (m *Manager) emitEvent(ev call.AnalyticsEvent) {
	if m.emit == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = m.now().UTC()
	}
	m.emit.Emit(ev)
}
