package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/booking"
	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/core/consent"
	"github.com/vango-go/vai-host/pkg/core/dialogue"
	"github.com/vango-go/vai-host/pkg/core/fallback"
	"github.com/vango-go/vai-host/pkg/core/notify"
	"github.com/vango-go/vai-host/pkg/core/nlu"
	"github.com/vango-go/vai-host/pkg/core/venue"
	"github.com/vango-go/vai-host/pkg/core/voice"
	"github.com/vango-go/vai-host/pkg/core/voice/stt"
	"github.com/vango-go/vai-host/pkg/core/voice/tts"
)

// AudioSink plays agent audio to the caller.
type AudioSink interface {
	WriteAudio(ctx context.Context, chunk []byte) error
	// Clear discards audio queued for playback.
	Clear(ctx context.Context) error
	// Drain blocks until queued audio has played.
	Drain(ctx context.Context) error
}

type Booker interface {
	BookReservation(ctx context.Context, sessionID string, d booking.Details, key string) (call.Reservation, error)
	CancelReservation(ctx context.Context, reservationID string) (call.Reservation, error)
}

type Notifier interface {
	SendReservationConfirmation(ctx context.Context, sessionID, to string, r call.Reservation) error
	SendCancellationNotice(ctx context.Context, sessionID, to string, r call.Reservation) error
}

type ConsentRecorder interface {
	RequestConsent(ctx context.Context, sessionID string, t call.ConsentType) (consent.Pending, error)
	RecordConsent(ctx context.Context, sessionID string, t call.ConsentType, granted bool) error
}

type Escalator interface {
	CheckTurn(text string, intent nlu.Intent, streak int) (fallback.Reason, bool)
	CheckFault(err error, overruns int64) (fallback.Reason, bool)
	Escalate(ctx context.Context, e fallback.Escalation) (fallback.Outcome, error)
}

// Services are the collaborators shared by every call.
type Services struct {
	Manager    *Manager
	Consent    ConsentRecorder
	Booking    Booker
	Notify     Notifier
	Fallback   Escalator
	Telephony  fallback.Telephony
	Classifier nlu.Classifier
	STT        stt.Provider
	TTS        tts.Provider
	Venue      venue.Profile
	// Voice is the per-call pipeline configuration; SessionID and Language
	// are filled in for each call.
	Voice  voice.Config
	Logger *slog.Logger
	Now    func() time.Time

	// ClassifyTimeout bounds one intent classification (default 3s).
	ClassifyTimeout time.Duration
	// ConsentRetries is how many unclear consent answers are re-asked
	// before the caller is treated as declining (default 2).
	ConsentRetries int
	// ReconnectGrace is how long a call whose audio stream dropped waits
	// for a replacement before it ends (default 10s).
	ReconnectGrace time.Duration
}

func (s *Services) validate() error {
	switch {
	case s.Manager == nil:
		return errors.New("session manager is required")
	case s.Consent == nil:
		return errors.New("consent recorder is required")
	case s.Booking == nil:
		return errors.New("booking adapter is required")
	case s.Notify == nil:
		return errors.New("notifier is required")
	case s.Fallback == nil:
		return errors.New("fallback handler is required")
	case s.Telephony == nil:
		return errors.New("telephony is required")
	case s.Classifier == nil:
		return errors.New("intent classifier is required")
	}
	return nil
}

// NewCall prepares the runner for a session created by the manager and
// attaches it to the session. A session accepts one runner; a reconnecting
// stream resumes it instead.
func (s *Services) NewCall(h *Handle, sink AudioSink) (*Call, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("audio sink is required")
	}
	snap, err := s.Manager.Snapshot(h.ID)
	if err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", h.ID, "call_id", h.CallID)

	cfg := s.Voice
	cfg.SessionID = h.ID
	cfg.Language = snap.Language
	coord, err := voice.NewCoordinator(voice.Dependencies{STT: s.STT, TTS: s.TTS, Config: cfg, Logger: logger})
	if err != nil {
		return nil, err
	}

	profile := s.Venue
	if profile.Name == "" {
		profile = venue.Default()
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	c := &Call{
		svc:     s,
		h:       h,
		caller:  snap.CallerNumber,
		sink:    sink,
		coord:   coord,
		conv:    dialogue.NewConversation(profile, snap.CallerNumber, now),
		venue:   profile,
		logger:  logger,
		now:     now,
		speechE: make(chan error, 1),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(h.Context())
	c.classifyTimeout = s.ClassifyTimeout
	if c.classifyTimeout <= 0 {
		c.classifyTimeout = 3 * time.Second
	}
	c.consentRetries = s.ConsentRetries
	if c.consentRetries <= 0 {
		c.consentRetries = 2
	}
	c.grace = s.ReconnectGrace
	if c.grace <= 0 {
		c.grace = 10 * time.Second
	}
	if err := s.Manager.attach(h.ID, c); err != nil {
		c.cancel()
		return nil, err
	}
	return c, nil
}

// errCallOver ends the conversation loop; the reason is in Call.reason.
var errCallOver = errors.New("call over")

// errNoStream means the call has no audio stream to wait for.
var errNoStream = errors.New("no audio stream attached")

// Call runs one conversation: consent, then turn by turn until the caller
// says goodbye, hangs up or the call is escalated. The audio stream may be
// replaced while the call runs.
type Call struct {
	svc    *Services
	h      *Handle
	caller string
	coord  *voice.Coordinator
	conv   *dialogue.Conversation
	venue  venue.Profile
	logger *slog.Logger
	now    func() time.Time

	classifyTimeout time.Duration
	consentRetries  int
	grace           time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	speechE chan error
	sends   sync.WaitGroup

	mu sync.Mutex
	// sink is nil while the call waits for a reconnect; resumed is closed
	// when one arrives.
	sink       AudioSink
	resumed    chan struct{}
	graceTimer *time.Timer
	finished   bool
	// reason is set by the conversation, endReason by End.
	reason    string
	endReason string
}

// PushAudio hands an inbound telephony frame to the speech pipeline. It
// never blocks.
func (c *Call) PushAudio(f voice.Frame) { c.coord.PushAudio(f) }

// SessionID returns the session this call runs.
func (c *Call) SessionID() string { return c.h.ID }

// Done is closed when Run returns.
func (c *Call) Done() <-chan struct{} { return c.done }

// End stops the call. reason is recorded unless the conversation already
// ended the call with its own.
func (c *Call) End(reason string) {
	c.mu.Lock()
	if c.endReason == "" {
		c.endReason = reason
	}
	c.mu.Unlock()
	c.cancel()
}

// Attached reports whether sink is the call's current audio stream.
func (c *Call) Attached(sink AudioSink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink != nil && c.sink == sink
}

// Detach pauses the call after sink dropped without the call ending. The
// call ends as transport_closed unless Resume attaches a new stream within
// the reconnect grace period. Detaching a stream that was already replaced
// does nothing.
func (c *Call) Detach(sink AudioSink) {
	c.mu.Lock()
	if c.finished || c.sink == nil || c.sink != sink {
		c.mu.Unlock()
		return
	}
	c.sink = nil
	c.resumed = make(chan struct{})
	c.graceTimer = time.AfterFunc(c.grace, func() {
		c.logger.Warn("audio stream not resumed", "grace", c.grace)
		c.End("transport_closed")
	})
	c.mu.Unlock()

	c.coord.Pause()
	c.logger.Info("audio stream lost, waiting for reconnect", "grace", c.grace)
}

// Resume attaches a replacement audio stream. It reports false once the
// call has ended.
func (c *Call) Resume(sink AudioSink) bool {
	c.mu.Lock()
	if c.finished || c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.sink = sink
	if c.resumed != nil {
		close(c.resumed)
		c.resumed = nil
	}
	c.mu.Unlock()

	c.coord.Resume()
	c.logger.Info("audio stream resumed")
	return true
}

// waitSink returns the current stream, waiting while the call is detached.
func (c *Call) waitSink(ctx context.Context) (AudioSink, error) {
	for {
		c.mu.Lock()
		sink, wait := c.sink, c.resumed
		c.mu.Unlock()
		if sink != nil {
			return sink, nil
		}
		if wait == nil {
			return nil, errNoStream
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (c *Call) currentSink() AudioSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

func (c *Call) setReason(reason string) {
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
}

func (c *Call) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.reason != "":
		return c.reason
	case c.endReason != "":
		return c.endReason
	}
	return "caller_hangup"
}

func (c *Call) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

// Run drives the call until it ends, then closes the session. It returns
// when ctx is cancelled, End is called, the session's own context ends or
// the conversation finishes. An unrecoverable error hands the caller to
// staff before the session closes as failed. Outstanding confirmation
// texts are allowed to complete before Run returns.
func (c *Call) Run(ctx context.Context) error {
	defer close(c.done)
	runCtx := c.ctx
	defer c.cancel()
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	loopCtx, stopLoop := context.WithCancel(runCtx)
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		if err := c.coord.Run(gctx); err != nil {
			c.speechE <- err
		}
		return nil
	})
	g.Go(func() error {
		defer stopLoop()
		err := c.converse(gctx)
		if errors.Is(err, errCallOver) || gctx.Err() != nil {
			return nil
		}
		return err
	})
	err := g.Wait()
	stopLoop()
	c.finish()

	switch {
	case err != nil && runCtx.Err() == nil:
		c.logger.Error("call failed, handing off to staff", "error", err)
		_ = c.escalate(runCtx, fallback.ReasonSystemFailure)
	case err != nil:
		c.logger.Error("call ended with error", "error", err)
		c.mu.Lock()
		if c.reason == "" {
			c.reason = ReasonSystemFailure
		}
		c.mu.Unlock()
	case errors.Is(c.h.Context().Err(), context.DeadlineExceeded) && c.closeReason() == "caller_hangup":
		c.logger.Warn("call reached maximum duration")
		c.hangup(runCtx, ReasonMaxDuration)
	}

	c.sends.Wait()
	closeCtx := context.WithoutCancel(ctx)
	if cerr := c.svc.Manager.CloseSession(closeCtx, c.h.ID, c.closeReason()); cerr != nil && !core.HasType(cerr, core.ErrNotFound) {
		err = errors.Join(err, cerr)
	}
	return err
}

func (c *Call) converse(ctx context.Context) error {
	pending, err := c.svc.Consent.RequestConsent(ctx, c.h.ID, call.ConsentRecording)
	if err != nil {
		return fmt.Errorf("request consent: %w", err)
	}
	greeting := strings.TrimSpace(c.venue.Prompts.Greeting + " " + pending.Prompt)
	if err := c.speak(ctx, greeting); err != nil {
		return c.onSpeakError(ctx, err)
	}
	if _, err := c.svc.Manager.Transition(ctx, c.h.ID, dialogue.Event{Kind: dialogue.EventConnected}); err != nil {
		return err
	}

	if err := c.collectConsent(ctx, pending.Prompt); err != nil {
		return err
	}

	for {
		u, err := c.next(ctx)
		if err != nil {
			return err
		}
		if err := c.handleTurn(ctx, u); err != nil {
			return err
		}
	}
}

func (c *Call) collectConsent(ctx context.Context, prompt string) error {
	for asked := 0; ; asked++ {
		u, err := c.next(ctx)
		if err != nil {
			return err
		}
		if _, err := c.svc.Manager.Say(ctx, c.h.ID, call.SpeakerCaller, u.Text); err != nil {
			return err
		}
		answer := consent.ParseAnswer(u.Text)
		if answer == consent.AnswerUnclear && asked < c.consentRetries {
			if err := c.speak(ctx, "Sorry, was that a yes or a no? "+prompt); err != nil {
				return c.onSpeakError(ctx, err)
			}
			continue
		}

		granted := answer == consent.AnswerYes
		if err := c.svc.Consent.RecordConsent(ctx, c.h.ID, call.ConsentRecording, granted); err != nil && !errors.Is(err, consent.ErrAlreadyRecorded) {
			return fmt.Errorf("record consent: %w", err)
		}
		if granted {
			if _, err := c.svc.Manager.Transition(ctx, c.h.ID, dialogue.Event{Kind: dialogue.EventConsentGranted}); err != nil {
				return err
			}
			if err := c.speak(ctx, c.conv.Welcome()); err != nil {
				return c.onSpeakError(ctx, err)
			}
			return nil
		}

		c.logger.Info("recording consent declined", "answer", answer.String())
		if err := c.speak(ctx, c.venue.Prompts.ConsentDeniedNotice); err != nil {
			return c.onSpeakError(ctx, err)
		}
		c.drain(ctx)
		if _, err := c.svc.Manager.Transition(ctx, c.h.ID, dialogue.Event{Kind: dialogue.EventConsentDenied, Reason: "consent_denied"}); err != nil {
			return err
		}
		c.hangup(ctx, "consent_denied")
		return errCallOver
	}
}

// next waits for the caller's next utterance while watching the pipeline
// for faults.
func (c *Call) next(ctx context.Context) (voice.Utterance, error) {
	for {
		select {
		case <-ctx.Done():
			return voice.Utterance{}, ctx.Err()
		case u, ok := <-c.coord.Utterances():
			if ok {
				if u.Language != "" && u.Language != c.coord.Language() {
					c.coord.SetLanguage(u.Language)
					_ = c.svc.Manager.SetLanguage(c.h.ID, u.Language)
				}
				return u, nil
			}
			select {
			case err := <-c.speechE:
				return voice.Utterance{}, c.onSpeechFailure(ctx, err)
			default:
				return voice.Utterance{}, ctx.Err()
			}
		case err := <-c.speechE:
			return voice.Utterance{}, c.onSpeechFailure(ctx, err)
		case err := <-c.coord.Faults():
			var overrun *core.PipelineOverrunError
			if !errors.As(err, &overrun) {
				continue
			}
			// Faults is lossy; the coordinator's counter is the real total.
			dropped := overrun.Dropped
			if _, n, _ := c.coord.Stats(); n > dropped {
				dropped = n
			}
			total, rerr := c.svc.Manager.RecordOverrun(c.h.ID, dropped)
			if rerr != nil {
				return voice.Utterance{}, rerr
			}
			if reason, ok := c.svc.Fallback.CheckFault(err, total); ok {
				return voice.Utterance{}, c.escalate(ctx, reason)
			}
		}
	}
}

func (c *Call) onSpeechFailure(ctx context.Context, err error) error {
	service := c.svc.STT.Name()
	if err := c.svc.Manager.RecordSpeechFailure(c.h.ID, service); err != nil {
		c.logger.Warn("could not record speech failure", "error", err)
	}
	reason, ok := c.svc.Fallback.CheckFault(err, 0)
	if !ok {
		reason = fallback.ReasonSystemFailure
	}
	return c.escalate(ctx, reason)
}

// onSpeakError classifies a failure to play a reply. Anything other than
// a speech service failure is returned for Run to handle.
func (c *Call) onSpeakError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if core.HasType(err, core.ErrSpeechService) {
		if rerr := c.svc.Manager.RecordSpeechFailure(c.h.ID, c.svc.TTS.Name()); rerr != nil {
			c.logger.Warn("could not record speech failure", "error", rerr)
		}
		return c.escalate(ctx, fallback.ReasonSpeechFailure)
	}
	return err
}

func (c *Call) handleTurn(ctx context.Context, u voice.Utterance) error {
	sid := c.h.ID
	if _, err := c.svc.Manager.Transition(ctx, sid, dialogue.Event{Kind: dialogue.EventUtterance}); err != nil {
		return err
	}
	if _, err := c.svc.Manager.Say(ctx, sid, call.SpeakerCaller, u.Text); err != nil {
		return err
	}

	res := c.classify(ctx, u)
	streak, err := c.svc.Manager.RecordIntent(sid, string(res.Intent), res.Confidence)
	if err != nil {
		return err
	}
	if reason, ok := c.svc.Fallback.CheckTurn(u.Text, res.Intent, streak); ok {
		return c.escalate(ctx, reason)
	}

	reply := c.conv.Respond(res)
	if reply.SMSConsent != nil {
		c.recordSMSConsent(ctx, *reply.SMSConsent)
	}

	switch reply.Action {
	case dialogue.ActionEscalate:
		return c.escalate(ctx, fallback.ReasonHumanRequest)
	case dialogue.ActionEnd:
		if err := c.speak(ctx, reply.Text); err != nil {
			return c.onSpeakError(ctx, err)
		}
		c.drain(ctx)
		if _, err := c.svc.Manager.Transition(ctx, sid, dialogue.Event{Kind: dialogue.EventGoodbye, Reason: "goodbye"}); err != nil {
			return err
		}
		c.hangup(ctx, "goodbye")
		return errCallOver
	case dialogue.ActionBook:
		reply = c.book(ctx, reply.Booking)
	case dialogue.ActionCancel:
		if _, err := c.svc.Manager.Transition(ctx, sid, dialogue.Event{Kind: dialogue.EventIntentClassified}); err != nil {
			return err
		}
		reply = c.cancelReservation(ctx, reply.CancelID)
	default:
		if _, err := c.svc.Manager.Transition(ctx, sid, dialogue.Event{Kind: dialogue.EventIntentClassified}); err != nil {
			return err
		}
	}

	if err := c.speak(ctx, reply.Text); err != nil {
		return c.onSpeakError(ctx, err)
	}
	_, err = c.svc.Manager.Transition(ctx, sid, dialogue.Event{Kind: dialogue.EventResponseComplete})
	return err
}

// classify never fails the call: a classifier error counts as an
// unrecognized turn.
func (c *Call) classify(ctx context.Context, u voice.Utterance) nlu.Result {
	cctx, cancel := context.WithTimeout(ctx, c.classifyTimeout)
	defer cancel()
	res, err := c.svc.Classifier.Classify(cctx, nlu.Request{
		Text:      u.Text,
		Language:  u.Language,
		Now:       c.now(),
		Location:  c.venue.Location(),
		Expecting: c.conv.Expecting(),
	})
	if err != nil {
		c.logger.Warn("intent classification failed", "error", err)
		return nlu.Result{Intent: nlu.IntentUnrecognized}
	}
	return res
}

func (c *Call) recordSMSConsent(ctx context.Context, granted bool) {
	err := c.svc.Consent.RecordConsent(ctx, c.h.ID, call.ConsentSMS, granted)
	if err != nil && !errors.Is(err, consent.ErrAlreadyRecorded) {
		c.logger.Warn("could not record sms consent", "error", err)
		return
	}
	if err := c.svc.Manager.SetSMSConsent(c.h.ID, granted); err != nil {
		c.logger.Warn("could not update sms consent", "error", err)
	}
}

func (c *Call) book(ctx context.Context, d booking.Details) dialogue.Reply {
	sid := c.h.ID
	var (
		r   call.Reservation
		err error
	)
	if _, err = c.svc.Manager.Transition(ctx, sid, dialogue.Event{Kind: dialogue.EventConfirmBooking}); err != nil {
		c.logger.Warn("booking blocked", "error", err)
		if _, terr := c.svc.Manager.Transition(ctx, sid, dialogue.Event{Kind: dialogue.EventIntentClassified}); terr != nil {
			c.logger.Warn("transition failed", "error", terr)
		}
		return c.conv.BookingResult(r, err)
	}

	r, err = c.svc.Booking.BookReservation(ctx, sid, d, "")
	if err != nil {
		c.logger.Warn("reservation failed", "error", err, "error_type", core.TypeOf(err))
	}
	if _, terr := c.svc.Manager.Transition(ctx, sid, dialogue.Event{Kind: dialogue.EventReservationResult}); terr != nil {
		c.logger.Warn("transition failed", "error", terr)
	}
	reply := c.conv.BookingResult(r, err)
	if err == nil && c.conv.SMSGranted() && c.caller != "" {
		c.sendAsync(ctx, func(ctx context.Context) error {
			return c.svc.Notify.SendReservationConfirmation(ctx, sid, c.caller, r)
		})
	}
	return reply
}

func (c *Call) cancelReservation(ctx context.Context, id string) dialogue.Reply {
	r, err := c.svc.Booking.CancelReservation(ctx, id)
	if err != nil {
		c.logger.Warn("cancellation failed", "reservation_id", id, "error", err)
	} else if c.caller != "" {
		sid := c.h.ID
		c.sendAsync(ctx, func(ctx context.Context) error {
			return c.svc.Notify.SendCancellationNotice(ctx, sid, c.caller, r)
		})
	}
	return c.conv.CancelResult(r, err)
}

// sendAsync delivers a text message off the conversation path. The send
// outlives the call's cancellation; Run waits for it.
func (c *Call) sendAsync(ctx context.Context, send func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	c.sends.Add(1)
	go func() {
		defer c.sends.Done()
		err := send(ctx)
		switch {
		case err == nil, errors.Is(err, notify.ErrAlreadySent):
		case core.HasType(err, core.ErrConsentDenied):
			c.logger.Debug("sms skipped without consent")
		default:
			c.logger.Warn("sms delivery failed", "error", err)
		}
	}()
}

// speak records the agent turn and plays text to the caller.
func (c *Call) speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if _, err := c.svc.Manager.Say(ctx, c.h.ID, call.SpeakerAgent, text); err != nil {
		return err
	}
	syn, err := c.coord.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	defer syn.Close()
	for chunk := range syn.Chunks() {
		if err := c.write(ctx, chunk); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
	}
	if err := syn.Err(); err != nil && ctx.Err() == nil {
		return core.NewSpeechServiceError(c.svc.TTS.Name(), err)
	}
	return ctx.Err()
}

// write plays chunk on the current stream. A failed write detaches the
// stream and the chunk is replayed on its replacement.
func (c *Call) write(ctx context.Context, chunk []byte) error {
	for {
		sink, err := c.waitSink(ctx)
		if err != nil {
			return err
		}
		err = sink.WriteAudio(ctx, chunk)
		if err == nil || ctx.Err() != nil {
			return err
		}
		c.logger.Info("audio write failed", "error", err)
		c.Detach(sink)
	}
}

func (c *Call) drain(ctx context.Context) {
	sink := c.currentSink()
	if sink == nil {
		return
	}
	if err := sink.Drain(ctx); err != nil && ctx.Err() == nil {
		c.logger.Debug("drain playback", "error", err)
	}
}

func (c *Call) clear(ctx context.Context) {
	sink := c.currentSink()
	if sink == nil {
		return
	}
	if err := sink.Clear(ctx); err != nil {
		c.logger.Debug("clear playback", "error", err)
	}
}

func (c *Call) hangup(ctx context.Context, reason string) {
	c.setReason(reason)
	if err := c.svc.Telephony.Hangup(context.WithoutCancel(ctx), c.h.CallID, ""); err != nil {
		c.logger.Warn("hangup failed", "error", err)
	}
}

func (c *Call) escalate(ctx context.Context, reason fallback.Reason) error {
	c.setReason("escalated: " + string(reason))
	_, err := c.svc.Fallback.Escalate(ctx, fallback.Escalation{
		SessionID: c.h.ID,
		CallID:    c.h.CallID,
		Reason:    reason,
		Cancel:    func() { c.clear(context.WithoutCancel(ctx)) },
		MarkEscalated: func(ctx context.Context) error {
			_, err := c.svc.Manager.Transition(ctx, c.h.ID, dialogue.Event{Kind: dialogue.EventEscalate, Reason: string(reason)})
			return err
		},
	})
	if err != nil {
		c.logger.Error("escalation incomplete", "error", err)
	}
	return errCallOver
}
