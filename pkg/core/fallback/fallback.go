// Package fallback decides when a call should leave the automated agent and
// carries out the hand-off to staff.
package fallback

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/core/nlu"
)

// Reason names why a call was escalated.
type Reason string

const (
	ReasonUnrecognized  Reason = "unrecognized_streak"
	ReasonHumanRequest  Reason = "human_request"
	ReasonAbusive       Reason = "abusive_content"
	ReasonSpeechFailure Reason = "speech_failure"
	ReasonOverrun       Reason = "pipeline_overrun"
	ReasonSystemFailure Reason = "system_failure"
)

// DefaultProhibited is the built-in list of abusive words and phrases.
var DefaultProhibited = []string{
	"fuck", "fucking", "shit", "bitch", "asshole", "bastard", "cunt",
	"kill you", "i will hurt you",
}

// Telephony controls the live call leg.
type Telephony interface {
	// Transfer speaks announcement and connects the caller to number.
	Transfer(ctx context.Context, callID, number, announcement string) error
	// Hangup speaks announcement and ends the call.
	Hangup(ctx context.Context, callID, announcement string) error
}

type Emitter interface {
	Emit(ev call.AnalyticsEvent)
}

type Policy struct {
	// UnrecognizedLimit is the streak of unrecognized turns that forces
	// escalation (default 3).
	UnrecognizedLimit int
	// OverrunBudget is how many dropped audio frames a call tolerates
	// (default 50).
	OverrunBudget int64
	Prohibited    []string
}

type Dependencies struct {
	Telephony      Telephony
	TransferNumber string
	// Announcement is spoken before the transfer; NoHumanAvailable when
	// there is nobody to transfer to.
	Announcement     string
	NoHumanAvailable string
	Policy           Policy
	Emitter          Emitter
	Logger           *slog.Logger
	Timeout          time.Duration
}

type Handler struct {
	telephony      Telephony
	transferNumber string
	announcement   string
	noHuman        string
	policy         Policy
	prohibited     *regexp.Regexp
	emit           Emitter
	logger         *slog.Logger
	timeout        time.Duration
}

func New(deps Dependencies) (*Handler, error) {
	if deps.Telephony == nil {
		return nil, errors.New("telephony is required")
	}
	h := &Handler{
		telephony:      deps.Telephony,
		transferNumber: strings.TrimSpace(deps.TransferNumber),
		announcement:   deps.Announcement,
		noHuman:        deps.NoHumanAvailable,
		policy:         deps.Policy,
		emit:           deps.Emitter,
		logger:         deps.Logger,
		timeout:        deps.Timeout,
	}
	if h.policy.UnrecognizedLimit <= 0 {
		h.policy.UnrecognizedLimit = 3
	}
	if h.policy.OverrunBudget <= 0 {
		h.policy.OverrunBudget = 50
	}
	if h.policy.Prohibited == nil {
		h.policy.Prohibited = DefaultProhibited
	}
	h.prohibited = wordListPattern(h.policy.Prohibited)
	if h.announcement == "" {
		h.announcement = "I'm sorry for the trouble. Let me transfer you to a member of our staff."
	}
	if h.noHuman == "" {
		h.noHuman = "I'm sorry, but I need to transfer you to a human representative. Please call back during business hours."
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.timeout <= 0 {
		h.timeout = 10 * time.Second
	}
	return h, nil
}

func wordListPattern(words []string) *regexp.Regexp {
	var parts []string
	for _, w := range words {
		w = strings.TrimSpace(strings.ToLower(w))
		if w != "" {
			parts = append(parts, regexp.QuoteMeta(w))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(parts, "|") + `)\b`)
}

// Policy returns the effective thresholds.
func (h *Handler) Policy() Policy { return h.policy }

// CheckTurn inspects a classified caller turn. streak is the number of
// consecutive unrecognized turns including this one.
func (h *Handler) CheckTurn(text string, intent nlu.Intent, streak int) (Reason, bool) {
	if h.prohibited != nil && h.prohibited.MatchString(strings.ToLower(text)) {
		return ReasonAbusive, true
	}
	if intent == nlu.IntentHumanRequest {
		return ReasonHumanRequest, true
	}
	if streak >= h.policy.UnrecognizedLimit {
		return ReasonUnrecognized, true
	}
	return "", false
}

// CheckFault inspects a pipeline failure. overruns is the call's dropped
// frame total so far.
func (h *Handler) CheckFault(err error, overruns int64) (Reason, bool) {
	switch {
	case core.HasType(err, core.ErrSpeechService):
		return ReasonSpeechFailure, true
	case core.HasType(err, core.ErrPipelineOverrun):
		if overruns > h.policy.OverrunBudget {
			return ReasonOverrun, true
		}
		return "", false
	case err != nil:
		return ReasonSystemFailure, true
	}
	return "", false
}

// Escalation describes one hand-off.
type Escalation struct {
	SessionID string
	CallID    string
	Reason    Reason
	// Cancel stops in-flight speech and booking work for the call.
	Cancel func()
	// MarkEscalated moves the session into the escalated state.
	MarkEscalated func(ctx context.Context) error
}

// Outcome reports what Escalate did.
type Outcome struct {
	Transferred bool
	Number      string
}

// Escalate cancels in-flight work, marks the session escalated and either
// transfers the caller or, with no transfer number, apologises and hangs up.
// The telephony requests run on a context detached from ctx's cancellation.
func (h *Handler) Escalate(ctx context.Context, e Escalation) (Outcome, error) {
	logger := h.logger.With("session_id", e.SessionID, "call_id", e.CallID, "reason", e.Reason)
	if e.Cancel != nil {
		e.Cancel()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()

	var errs []error
	if e.MarkEscalated != nil {
		if err := e.MarkEscalated(ctx); err != nil && !core.HasType(err, core.ErrInvalidState) {
			errs = append(errs, err)
		}
	}

	out := Outcome{Number: h.transferNumber}
	if h.transferNumber != "" {
		if err := h.telephony.Transfer(ctx, e.CallID, h.transferNumber, h.announcement); err != nil {
			logger.Error("transfer failed, hanging up", "error", err)
			errs = append(errs, err)
			if herr := h.telephony.Hangup(ctx, e.CallID, h.noHuman); herr != nil {
				errs = append(errs, herr)
			}
		} else {
			out.Transferred = true
		}
	} else if err := h.telephony.Hangup(ctx, e.CallID, h.noHuman); err != nil {
		errs = append(errs, err)
	}

	if h.emit != nil {
		h.emit.Emit(call.AnalyticsEvent{
			Type:      call.EventEscalated,
			SessionID: e.SessionID,
			Payload:   map[string]any{"reason": string(e.Reason), "transferred": out.Transferred},
		})
	}
	logger.Info("call escalated", "transferred", out.Transferred)
	return out, errors.Join(errs...)
}
