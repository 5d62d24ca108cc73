package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/booking"
	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/core/consent"
	"github.com/vango-go/vai-host/pkg/core/fallback"
	"github.com/vango-go/vai-host/pkg/core/notify"
	"github.com/vango-go/vai-host/pkg/core/nlu"
	"github.com/vango-go/vai-host/pkg/core/venue"
	"github.com/vango-go/vai-host/pkg/core/voice"
	"github.com/vango-go/vai-host/pkg/core/voice/stt"
	"github.com/vango-go/vai-host/pkg/core/voice/tts"
	"github.com/vango-go/vai-host/pkg/store/memory"
)

// callerSTT turns scripted caller lines into final transcripts.
type callerSTT struct {
	mu       sync.Mutex
	errs     []error
	sessions chan *callerStream
	// stall, when set, blocks every SendAudio until it is closed.
	stall chan struct{}
}

type callerStream struct {
	deltas chan stt.Delta
	once   sync.Once
	mu     sync.Mutex
	err    error
	stall  chan struct{}
}

func (s *callerStream) SendAudio([]byte) error {
	if s.stall != nil {
		<-s.stall
	}
	return nil
}

func (s *callerStream) Finalize() error         { return nil }
func (s *callerStream) Deltas() <-chan stt.Delta { return s.deltas }
func (s *callerStream) Close() error            { return nil }
func (s *callerStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *callerStream) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.deltas)
	})
}

func (f *callerSTT) Name() string { return "fake-stt" }

func (f *callerSTT) NewSession(ctx context.Context, opts stt.Options) (stt.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	s := &callerStream{deltas: make(chan stt.Delta, 8), stall: f.stall}
	f.sessions <- s
	return s, nil
}

func (f *callerSTT) failNext(errs ...error) {
	f.mu.Lock()
	f.errs = append(f.errs, errs...)
	f.mu.Unlock()
}

// speakerTTS reports every synthesized reply on spoken.
type speakerTTS struct {
	spoken chan string
}

func (f *speakerTTS) Name() string { return "fake-tts" }

func (f *speakerTTS) NewContext(ctx context.Context, opts tts.Options) (*tts.StreamingContext, error) {
	sc := tts.NewStreamingContext()
	var text []string
	sc.SendFunc = func(t string, isFinal bool) error {
		if t != "" {
			text = append(text, t)
		}
		if isFinal {
			f.spoken <- strings.Join(text, " ")
			go func() {
				defer sc.FinishAudio()
				sc.PushAudio([]byte{0x7f})
			}()
		}
		return nil
	}
	return sc, nil
}

type recordingSink struct {
	mu     sync.Mutex
	chunks int
	clears int
	drains int
}

func (s *recordingSink) WriteAudio(context.Context, []byte) error {
	s.mu.Lock()
	s.chunks++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

func (s *recordingSink) Clear(context.Context) error {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Drain(context.Context) error {
	s.mu.Lock()
	s.drains++
	s.mu.Unlock()
	return nil
}

// failingTurns stops persisting transcript turns once failing is set.
type failingTurns struct {
	*memory.Store
	failing atomic.Bool
}

func (s *failingTurns) AppendTurns(ctx context.Context, turns []call.Turn) error {
	if s.failing.Load() {
		return errors.New("disk full")
	}
	return s.Store.AppendTurns(ctx, turns)
}

type fakeTelephony struct {
	mu        sync.Mutex
	hangups   []string
	transfers []string
}

func (f *fakeTelephony) Transfer(_ context.Context, callID, number, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, callID+"->"+number)
	return nil
}

func (f *fakeTelephony) Hangup(_ context.Context, callID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return nil
}

type smsOutbox struct {
	mu     sync.Mutex
	bodies []string
}

func (o *smsOutbox) Send(_ context.Context, to, body string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies = append(o.bodies, to+": "+body)
	return fmt.Sprintf("SM%d", len(o.bodies)), nil
}

func (o *smsOutbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.bodies)
}

type callHarness struct {
	t         *testing.T
	store     *memory.Store
	events    *eventRecorder
	mgr       *Manager
	system    *booking.MemorySystem
	stt       *callerSTT
	tts       *speakerTTS
	sink      *recordingSink
	telephony *fakeTelephony
	outbox    *smsOutbox
	profile   venue.Profile
	now       time.Time

	handle *Handle
	call   *Call
	stream *callerStream
	done   chan error
	cancel context.CancelFunc
}

type harnessOptions struct {
	store  func(*memory.Store) SessionStore
	policy fallback.Policy
	grace  time.Duration
	stall  bool
}

type harnessOption func(*harnessOptions)

// withStore wraps the session store the manager writes through.
func withStore(wrap func(*memory.Store) SessionStore) harnessOption {
	return func(o *harnessOptions) { o.store = wrap }
}

func withPolicy(p fallback.Policy) harnessOption {
	return func(o *harnessOptions) { o.policy = p }
}

func withReconnectGrace(d time.Duration) harnessOption {
	return func(o *harnessOptions) { o.grace = d }
}

// withStalledRecognizer makes speech recognition stop consuming audio.
func withStalledRecognizer() harnessOption {
	return func(o *harnessOptions) { o.stall = true }
}

func newCallHarness(t *testing.T, transferNumber string, opts ...harnessOption) *callHarness {
	t.Helper()
	var o harnessOptions
	for _, opt := range opts {
		opt(&o)
	}
	profile := venue.Default()
	// Friday afternoon.
	now := time.Date(2026, time.October, 16, 15, 0, 0, 0, profile.Location())
	clock := func() time.Time { return now }

	h := &callHarness{
		t:         t,
		store:     memory.New(),
		events:    &eventRecorder{},
		system:    booking.NewMemorySystem(profile),
		stt:       &callerSTT{sessions: make(chan *callerStream, 8)},
		tts:       &speakerTTS{spoken: make(chan string, 32)},
		sink:      &recordingSink{},
		telephony: &fakeTelephony{},
		outbox:    &smsOutbox{},
		profile:   profile,
		now:       now,
	}

	if o.stall {
		h.stt.stall = make(chan struct{})
		t.Cleanup(func() { close(h.stt.stall) })
	}
	var sessions SessionStore = h.store
	if o.store != nil {
		sessions = o.store(h.store)
	}

	cm, err := consent.New(consent.Dependencies{Store: h.store, Emitter: h.events})
	if err != nil {
		t.Fatal(err)
	}
	h.mgr, err = NewManager(Dependencies{Store: sessions, Consent: cm, Emitter: h.events})
	if err != nil {
		t.Fatal(err)
	}
	adapter, err := booking.New(booking.Dependencies{
		System:    h.system,
		Store:     h.store,
		Consent:   cm,
		Emitter:   h.events,
		Now:       clock,
		RetryBase: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	notifier, err := notify.New(notify.Dependencies{Sender: h.outbox, Consent: cm, Emitter: h.events, Venue: profile, Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	fb, err := fallback.New(fallback.Dependencies{Telephony: h.telephony, TransferNumber: transferNumber, Emitter: h.events, Policy: o.policy})
	if err != nil {
		t.Fatal(err)
	}
	svc := &Services{
		Manager:    h.mgr,
		Consent:    cm,
		Booking:    adapter,
		Notify:     notifier,
		Fallback:   fb,
		Telephony:  h.telephony,
		Classifier: nlu.NewKeywords(),
		STT:        h.stt,
		TTS:        h.tts,
		Venue:      profile,
		Voice:      voice.Config{SilenceCommit: 20 * time.Millisecond, RetryBackoff: 5 * time.Millisecond, Voice: "v1"},
		Now:        clock,

		ReconnectGrace: o.grace,
	}

	h.handle, err = h.mgr.CreateSession(context.Background(), "CA100", "+15551230000", "+15559990000")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.call, err = svc.NewCall(h.handle, h.sink)
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	return h
}

func (h *callHarness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.call.Run(ctx) }()
	h.t.Cleanup(cancel)
}

// hear waits for the agent to speak a reply containing substr.
func (h *callHarness) hear(substr string) string {
	h.t.Helper()
	select {
	case text := <-h.tts.spoken:
		if !strings.Contains(text, substr) {
			h.t.Fatalf("agent said %q, want it to contain %q", text, substr)
		}
		return text
	case <-time.After(3 * time.Second):
		h.t.Fatalf("agent never said %q", substr)
	}
	return ""
}

func (h *callHarness) currentStream() *callerStream {
	h.t.Helper()
	if h.stream == nil {
		select {
		case h.stream = <-h.stt.sessions:
		case <-time.After(3 * time.Second):
			h.t.Fatal("no transcription stream opened")
		}
	}
	return h.stream
}

func (h *callHarness) say(text string) {
	h.t.Helper()
	h.currentStream().deltas <- stt.Delta{Text: text, IsFinal: true}
}

func (h *callHarness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("call did not end")
	}
	return nil
}

func (h *callHarness) session() call.Session {
	h.t.Helper()
	sess, err := h.store.GetSession(context.Background(), h.handle.ID)
	if err != nil {
		h.t.Fatalf("GetSession: %v", err)
	}
	return sess
}

func (h *callHarness) turns() []call.Turn {
	h.t.Helper()
	turns, err := h.store.ListTurns(context.Background(), h.handle.ID)
	if err != nil {
		h.t.Fatalf("ListTurns: %v", err)
	}
	for i, turn := range turns {
		if turn.Seq != int64(i+1) {
			h.t.Fatalf("turn %d has seq %d", i, turn.Seq)
		}
	}
	return turns
}

func (h *callHarness) consentYes() {
	h.t.Helper()
	h.hear("Is that okay")
	h.say("yes that's fine")
	h.hear("How can I help")
}

func (h *callHarness) bookUntilReadBack(sms string) {
	h.t.Helper()
	h.say("I'd like to book a table for 4 at 7pm tonight")
	h.hear("what name")
	h.say("My name is Ana Lopez")
	h.hear("text message")
	h.say(sms)
	h.hear("Let me confirm: a table for 4 under Ana Lopez, today at 7 PM")
}

func TestCall_BookingSendsOneConfirmation(t *testing.T) {
	h := newCallHarness(t, "")
	h.start()
	h.consentYes()
	h.bookUntilReadBack("yes please")
	h.say("yes")
	h.hear("You're all set")
	h.say("no that's all, goodbye")
	h.hear("Goodbye!")

	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.outbox.count(); n != 1 {
		t.Fatalf("sent %d texts, want 1", n)
	}
	if body := h.outbox.bodies[0]; !strings.HasPrefix(body, "+15551230000: ") || !strings.Contains(body, "Party size: 4") {
		t.Fatalf("sms = %q", h.outbox.bodies[0])
	}

	rs, _ := h.store.ListReservations(context.Background(), h.handle.ID)
	if len(rs) != 1 || rs[0].Status != call.ReservationConfirmed || rs[0].PartySize != 4 {
		t.Fatalf("reservations = %+v", rs)
	}

	sess := h.session()
	if sess.Status != call.StatusCompleted || sess.State != call.StateEnded || sess.EndReason != "goodbye" {
		t.Fatalf("session = %+v", sess)
	}
	if !sess.RecordingConsent || !sess.SMSConsent {
		t.Fatalf("consent flags = %v/%v", sess.RecordingConsent, sess.SMSConsent)
	}

	turns := h.turns()
	// greeting, yes, welcome, then five caller/agent exchanges
	if len(turns) != 13 {
		t.Fatalf("turns = %d, want 13", len(turns))
	}
	for i, turn := range turns {
		want := call.SpeakerAgent
		if i%2 == 1 {
			want = call.SpeakerCaller
		}
		if turn.Speaker != want {
			t.Fatalf("turn %d speaker = %s, want %s", i+1, turn.Speaker, want)
		}
	}
	if len(h.telephony.hangups) != 1 {
		t.Fatalf("hangups = %v", h.telephony.hangups)
	}
	if h.events.count(call.EventCallEnded) != 1 || h.events.count(call.EventReservationConfirmed) != 1 {
		t.Fatalf("events = %+v", h.events.events)
	}
}

func TestCall_NoTextWithoutSMSConsent(t *testing.T) {
	h := newCallHarness(t, "")
	h.start()
	h.consentYes()
	h.bookUntilReadBack("no thanks")
	h.say("yes")
	text := h.hear("You're all set")
	if strings.Contains(text, "text you") {
		t.Fatalf("promised a text without consent: %q", text)
	}
	h.say("goodbye")
	h.hear("Goodbye!")
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.outbox.count(); n != 0 {
		t.Fatalf("sent %d texts without consent", n)
	}
	if h.session().SMSConsent {
		t.Fatal("sms consent recorded as granted")
	}
}

func TestCall_ConsentDeniedEndsWithoutTranscript(t *testing.T) {
	h := newCallHarness(t, "")
	h.start()
	h.hear("Is that okay")
	h.say("no, I'd rather not")
	h.hear("call us back")

	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if turns := h.turns(); len(turns) != 0 {
		t.Fatalf("persisted %d turns without consent", len(turns))
	}
	sess := h.session()
	if sess.State != call.StateEnded || sess.EndReason != "consent_denied" || sess.RecordingConsent {
		t.Fatalf("session = %+v", sess)
	}
	if len(h.telephony.hangups) != 1 || h.sink.drains == 0 {
		t.Fatalf("hangups = %v drains = %d", h.telephony.hangups, h.sink.drains)
	}
}

func TestCall_UnclearConsentIsReasked(t *testing.T) {
	h := newCallHarness(t, "")
	h.start()
	h.hear("Is that okay")
	h.say("what was that")
	h.hear("yes or a no")
	h.say("sure")
	h.hear("How can I help")
	h.cancel()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// greeting, unclear answer, re-ask, yes, welcome
	if turns := h.turns(); len(turns) != 5 {
		t.Fatalf("turns = %d, want 5", len(turns))
	}
	if sess := h.session(); sess.EndReason != "caller_hangup" || sess.Status != call.StatusCompleted {
		t.Fatalf("session = %+v", sess)
	}
}

func TestCall_ThreeUnrecognizedTurnsEscalate(t *testing.T) {
	h := newCallHarness(t, "+15550001111")
	h.start()
	h.consentYes()
	h.say("purple monkey dishwasher")
	h.hear("didn't understand")
	h.say("purple monkey dishwasher")
	h.hear("didn't")
	h.say("purple monkey dishwasher")

	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.telephony.transfers) != 1 || h.telephony.transfers[0] != "CA100->+15550001111" {
		t.Fatalf("transfers = %v", h.telephony.transfers)
	}
	sess := h.session()
	if sess.Status != call.StatusEscalated || sess.State != call.StateEscalated || sess.EndReason != string(fallback.ReasonUnrecognized) {
		t.Fatalf("session = %+v", sess)
	}
	ev, ok := h.events.last(call.EventEscalated)
	if !ok || ev.Payload["reason"] != string(fallback.ReasonUnrecognized) {
		t.Fatalf("escalated event = %+v", ev)
	}
	if h.sink.clears == 0 {
		t.Fatal("playback not cleared on escalation")
	}
}

func TestCall_HumanRequestWithoutTransferNumberHangsUp(t *testing.T) {
	h := newCallHarness(t, "")
	h.start()
	h.consentYes()
	h.say("can I talk to a real person")
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.telephony.transfers) != 0 || len(h.telephony.hangups) != 1 {
		t.Fatalf("transfers = %v hangups = %v", h.telephony.transfers, h.telephony.hangups)
	}
	if sess := h.session(); sess.Status != call.StatusEscalated {
		t.Fatalf("status = %s", sess.Status)
	}
}

func TestCall_FullSlotOffersAlternatives(t *testing.T) {
	h := newCallHarness(t, "")
	seven := time.Date(2026, time.October, 16, 19, 0, 0, 0, h.profile.Location())
	for i := 0; i < h.profile.TablesPerSlot; i++ {
		if _, err := h.system.Create(context.Background(), booking.Request{PartySize: 2, Time: seven, Name: "Walk-in", IdempotencyKey: fmt.Sprint("prefill-", i)}); err != nil {
			t.Fatalf("prefill %d: %v", i, err)
		}
	}
	h.start()
	h.consentYes()
	h.bookUntilReadBack("no")
	h.say("yes")
	text := h.hear("fully booked")
	if !strings.Contains(text, "6:30 PM") || !strings.Contains(text, "7:30 PM") {
		t.Fatalf("alternatives missing from %q", text)
	}
	h.say("7:30 pm works")
	h.hear("today at 7:30 PM")
	h.say("yes")
	h.hear("You're all set")
	h.cancel()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rs, _ := h.store.ListReservations(context.Background(), h.handle.ID)
	var confirmed, failed int
	for _, r := range rs {
		switch r.Status {
		case call.ReservationConfirmed:
			confirmed++
			if !r.RequestedAt.Equal(seven.Add(30 * time.Minute)) {
				t.Fatalf("booked %v", r.RequestedAt)
			}
		case call.ReservationFailed:
			failed++
		}
	}
	if confirmed != 1 || failed != 1 {
		t.Fatalf("reservations = %+v", rs)
	}
}

func TestCall_RepeatedSpeechTimeoutsEscalate(t *testing.T) {
	h := newCallHarness(t, "+15550001111")
	h.start()
	h.consentYes()

	timeout := core.NewTimeoutError("fake-stt", context.DeadlineExceeded)
	h.stt.failNext(timeout)
	h.currentStream().fail(timeout)

	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sess := h.session()
	if sess.Status != call.StatusEscalated || sess.EndReason != string(fallback.ReasonSpeechFailure) || sess.SpeechFailures != 1 {
		t.Fatalf("session = %+v", sess)
	}
	if len(h.telephony.transfers) != 1 {
		t.Fatalf("transfers = %v", h.telephony.transfers)
	}
	if h.events.count(call.EventSpeechFailure) != 1 {
		t.Fatal("speech_failure not emitted")
	}
}

func TestCall_SingleSpeechFailureRecovers(t *testing.T) {
	h := newCallHarness(t, "")
	h.start()
	h.consentYes()

	h.currentStream().fail(core.NewServiceUnavailableError("fake-stt", fmt.Errorf("dropped")))
	h.stream = nil
	h.say("what are your hours")
	h.hear("Is there anything else")
	h.cancel()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess := h.session(); sess.Status != call.StatusCompleted || sess.SpeechFailures != 0 {
		t.Fatalf("session = %+v", sess)
	}
}

func TestCall_HangupClosesSession(t *testing.T) {
	h := newCallHarness(t, "")
	h.start()
	h.hear("Is that okay")
	if found, err := h.mgr.Hangup(context.Background(), "CA100", "caller_hangup"); !found || err != nil {
		t.Fatalf("Hangup = %v, %v", found, err)
	}
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.mgr.Active() != 0 {
		t.Fatalf("active = %d", h.mgr.Active())
	}
	if h.events.count(call.EventCallEnded) != 1 {
		t.Fatalf("call_ended count = %d", h.events.count(call.EventCallEnded))
	}
}

func TestCall_StoreFailureHandsOffToStaff(t *testing.T) {
	turns := &failingTurns{}
	h := newCallHarness(t, "+15550001111", withStore(func(st *memory.Store) SessionStore {
		turns.Store = st
		return turns
	}))
	h.start()
	h.consentYes()
	turns.failing.Store(true)
	h.say("what are your hours")

	err := h.wait()
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Run = %v, want the store error", err)
	}
	if len(h.telephony.transfers) != 1 || h.telephony.transfers[0] != "CA100->+15550001111" {
		t.Fatalf("transfers = %v", h.telephony.transfers)
	}
	sess := h.session()
	if sess.Status != call.StatusFailed || sess.State != call.StateEscalated || sess.EndReason != string(fallback.ReasonSystemFailure) {
		t.Fatalf("session = %+v", sess)
	}
	ev, ok := h.events.last(call.EventEscalated)
	if !ok || ev.Payload["reason"] != string(fallback.ReasonSystemFailure) {
		t.Fatalf("escalated event = %+v", ev)
	}
	if ev, _ := h.events.last(call.EventCallEnded); ev.Payload["status"] != string(call.StatusFailed) {
		t.Fatalf("call_ended payload = %v", ev.Payload)
	}
}

func TestCall_AudioOverrunEscalates(t *testing.T) {
	h := newCallHarness(t, "+15550001111", withPolicy(fallback.Policy{OverrunBudget: 5}), withStalledRecognizer())
	h.start()
	h.consentYes()
	for i := 1; i <= 80; i++ {
		h.call.PushAudio(voice.Frame{Index: int64(i), Payload: []byte{0x7f}})
	}

	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.telephony.transfers) != 1 {
		t.Fatalf("transfers = %v", h.telephony.transfers)
	}
	sess := h.session()
	if sess.Status != call.StatusEscalated || sess.EndReason != string(fallback.ReasonOverrun) {
		t.Fatalf("session = %+v", sess)
	}
	if sess.PipelineOverruns <= 5 {
		t.Fatalf("pipeline overruns = %d, want more than the budget", sess.PipelineOverruns)
	}
	if h.events.count(call.EventPipelineOverrun) == 0 {
		t.Fatal("no pipeline_overrun event")
	}
}

func TestCall_DetachedStreamResumes(t *testing.T) {
	h := newCallHarness(t, "")
	h.start()
	h.hear("Is that okay")

	h.call.Detach(h.sink)
	if h.call.Attached(h.sink) || !h.call.coord.Paused() {
		t.Fatal("call still attached after detach")
	}
	replacement := &recordingSink{}
	if !h.call.Resume(replacement) {
		t.Fatal("Resume refused a live call")
	}
	if h.call.coord.Paused() {
		t.Fatal("recognition still paused after resume")
	}

	h.say("yes that's fine")
	h.hear("How can I help")
	deadline := time.Now().Add(3 * time.Second)
	for replacement.written() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no audio played on the replacement stream")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.cancel()
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess := h.session(); sess.Status != call.StatusCompleted || sess.EndReason != "caller_hangup" {
		t.Fatalf("session = %+v", sess)
	}
}

func TestCall_UnresumedStreamEndsCall(t *testing.T) {
	h := newCallHarness(t, "", withReconnectGrace(30*time.Millisecond))
	h.start()
	h.hear("Is that okay")
	h.call.Detach(h.sink)

	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess := h.session(); sess.Status != call.StatusCompleted || sess.EndReason != "transport_closed" {
		t.Fatalf("session = %+v", sess)
	}
	if h.call.Resume(&recordingSink{}) {
		t.Fatal("resumed a call that already ended")
	}
	if h.mgr.Active() != 0 {
		t.Fatalf("active = %d", h.mgr.Active())
	}
}
