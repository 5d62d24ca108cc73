// Package voice coordinates streaming speech recognition and synthesis for
// one live call.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/voice/stt"
	"github.com/vango-go/vai-host/pkg/core/voice/tts"
)

const maxRetryBackoff = 500 * time.Millisecond

var errTranscriptEnded = errors.New("transcription stream ended")

// Config tunes a Coordinator.
type Config struct {
	SessionID string
	Language  string

	// QueueFrames bounds buffered inbound audio (default 50, about one
	// second of 20ms telephony frames).
	QueueFrames int
	// SilenceCommit is how long after the last transcript update an
	// utterance is considered complete (default 700ms).
	SilenceCommit time.Duration
	// RetryBackoff is the pause before reopening a failed speech stream.
	// Capped at 500ms.
	RetryBackoff time.Duration

	STTModel string
	Voice    string
	Format   string
}

func (c Config) withDefaults() Config {
	if c.QueueFrames <= 0 {
		c.QueueFrames = 50
	}
	if c.SilenceCommit <= 0 {
		c.SilenceCommit = 700 * time.Millisecond
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.RetryBackoff > maxRetryBackoff {
		c.RetryBackoff = maxRetryBackoff
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.Format == "" {
		c.Format = "ulaw_8000"
	}
	return c
}

type Dependencies struct {
	STT    stt.Provider
	TTS    tts.Provider
	Config Config
	Logger *slog.Logger
}

// Utterance is one committed caller turn.
type Utterance struct {
	Text     string
	Language string
	At       time.Time
}

// Coordinator moves caller audio through speech recognition and agent
// replies through synthesis. PushAudio never blocks the transport.
type Coordinator struct {
	stt    stt.Provider
	tts    tts.Provider
	cfg    Config
	logger *slog.Logger

	queue      *frameQueue
	utterances chan Utterance
	faults     chan error

	received atomic.Int64
	dropped  atomic.Int64
	stale    atomic.Int64

	langMu   sync.RWMutex
	language string

	pauseMu sync.Mutex
	// resumed is non-nil while paused and closed by Resume.
	resumed chan struct{}

	// failures counts speech stream failures since the last committed
	// utterance. Only Run touches it.
	failures int
}

func NewCoordinator(deps Dependencies) (*Coordinator, error) {
	if deps.STT == nil {
		return nil, errors.New("voice: STT provider is required")
	}
	if deps.TTS == nil {
		return nil, errors.New("voice: TTS provider is required")
	}
	cfg := deps.Config.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		stt:        deps.STT,
		tts:        deps.TTS,
		cfg:        cfg,
		logger:     logger.With("session_id", cfg.SessionID),
		queue:      newFrameQueue(cfg.QueueFrames),
		utterances: make(chan Utterance, 4),
		faults:     make(chan error, 16),
		language:   cfg.Language,
	}, nil
}

// PushAudio queues an inbound frame. Stale indices are ignored; a full
// queue drops its oldest frame and reports a *core.PipelineOverrunError on
// Faults.
func (c *Coordinator) PushAudio(f Frame) {
	result, dropped := c.queue.push(f)
	switch result {
	case pushStale:
		c.stale.Add(1)
		c.logger.Debug("ignoring stale audio frame", "index", f.Index)
		return
	case pushOverrun:
		n := c.dropped.Add(1)
		err := &core.PipelineOverrunError{SessionID: c.cfg.SessionID, Dropped: n, Total: c.received.Load() + 1}
		c.logger.Warn("audio queue overrun", "dropped_index", dropped.Index, "error", err)
		c.fault(err)
	}
	c.received.Add(1)
}

// Utterances is closed when Run returns.
func (c *Coordinator) Utterances() <-chan Utterance { return c.utterances }

// Faults carries non-fatal pipeline problems (overruns). Sends never block;
// excess faults are dropped.
func (c *Coordinator) Faults() <-chan error { return c.faults }

// Stats returns received, dropped and stale frame counts.
func (c *Coordinator) Stats() (received, dropped, stale int64) {
	return c.received.Load(), c.dropped.Load(), c.stale.Load()
}

// SetLanguage changes the recognition and synthesis language for streams
// opened from now on.
func (c *Coordinator) SetLanguage(lang string) {
	if lang == "" {
		return
	}
	c.langMu.Lock()
	c.language = lang
	c.langMu.Unlock()
}

func (c *Coordinator) Language() string {
	c.langMu.RLock()
	defer c.langMu.RUnlock()
	return c.language
}

// Pause marks the transport as gone. Recognition failures while paused do
// not count against the retry budget; Run waits for Resume before
// reopening the stream.
func (c *Coordinator) Pause() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if c.resumed == nil {
		c.resumed = make(chan struct{})
	}
}

// Resume attaches a new transport stream. Queued audio from the old stream
// is discarded and frame numbering starts over.
func (c *Coordinator) Resume() {
	c.queue.reset()
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if c.resumed != nil {
		close(c.resumed)
		c.resumed = nil
	}
}

// Paused reports whether the coordinator is waiting for a transport.
func (c *Coordinator) Paused() bool {
	return c.pausedCh() != nil
}

func (c *Coordinator) pausedCh() <-chan struct{} {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.resumed
}

func (c *Coordinator) fault(err error) {
	select {
	case c.faults <- err:
	default:
	}
}

// Run transcribes queued audio until ctx ends. A failed recognition stream
// is reopened once after RetryBackoff; a second failure before the next
// committed utterance, or any non-retryable failure, ends Run with a speech
// service error.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.utterances)
	for {
		err := c.transcribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}
		if wait := c.pausedCh(); wait != nil {
			c.logger.Info("speech recognition stream ended while paused", "provider", c.stt.Name(), "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-wait:
			}
			continue
		}
		c.failures++
		if !core.IsRetryable(err) || c.failures > 1 {
			c.logger.Error("speech recognition failed", "provider", c.stt.Name(), "failures", c.failures, "error", err)
			return core.NewSpeechServiceError(c.stt.Name(), err)
		}
		c.logger.Warn("speech recognition stream failed, retrying", "provider", c.stt.Name(), "error", err)
		if !sleepCtx(ctx, c.cfg.RetryBackoff) {
			return nil
		}
	}
}

func (c *Coordinator) transcribe(ctx context.Context) error {
	sess, err := c.stt.NewSession(ctx, stt.Options{
		Model:    c.cfg.STTModel,
		Language: c.Language(),
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	pumpErr := make(chan error, 1)
	go func() { pumpErr <- c.pump(pumpCtx, sess) }()

	var (
		text     strings.Builder
		language string
	)
	silence := time.NewTimer(c.cfg.SilenceCommit)
	silence.Stop()
	defer silence.Stop()

	commit := func() error {
		utterance := strings.TrimSpace(text.String())
		text.Reset()
		if utterance == "" {
			return nil
		}
		if language == "" {
			language = c.Language()
		}
		select {
		case c.utterances <- Utterance{Text: utterance, Language: language, At: time.Now()}:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.failures = 0
		language = ""
		return nil
	}

	deltas := sess.Deltas()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-pumpErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case d, ok := <-deltas:
			if !ok {
				if err := commit(); err != nil {
					return nil
				}
				if err := sess.Err(); err != nil {
					return err
				}
				return core.NewServiceUnavailableError(c.stt.Name(), errTranscriptEnded)
			}
			if d.IsFinal && strings.TrimSpace(d.Text) != "" {
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
				text.WriteString(strings.TrimSpace(d.Text))
				if d.Language != "" {
					language = d.Language
				}
			}
			silence.Reset(c.cfg.SilenceCommit)
		case <-silence.C:
			if err := commit(); err != nil {
				return nil
			}
		}
	}
}

func (c *Coordinator) pump(ctx context.Context, sess stt.Session) error {
	for {
		f, err := c.queue.pop(ctx)
		if err != nil {
			return nil
		}
		if err := sess.SendAudio(f.Payload); err != nil {
			c.queue.requeue(f)
			return err
		}
	}
}

// Synthesis is one agent reply being rendered to audio.
type Synthesis struct {
	sc *tts.StreamingContext
}

// Chunks yields encoded audio and is closed when synthesis ends.
func (s *Synthesis) Chunks() <-chan []byte { return s.sc.Audio() }

// Err reports a mid-stream failure once Chunks is drained.
func (s *Synthesis) Err() error { return s.sc.Err() }

// Close stops synthesis early, e.g. on barge-in or hangup.
func (s *Synthesis) Close() error { return s.sc.Close() }

// Synthesize starts rendering text. Opening the synthesis stream is retried
// once for retryable failures before a speech service error is returned.
func (c *Coordinator) Synthesize(ctx context.Context, text string) (*Synthesis, error) {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil, fmt.Errorf("voice: nothing to synthesize")
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Warn("speech synthesis failed, retrying", "provider", c.tts.Name(), "error", lastErr)
			if !sleepCtx(ctx, c.cfg.RetryBackoff) {
				return nil, ctx.Err()
			}
		}
		s, err := c.openSynthesis(ctx, sentences)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !core.IsRetryable(err) {
			break
		}
	}
	return nil, core.NewSpeechServiceError(c.tts.Name(), lastErr)
}

func (c *Coordinator) openSynthesis(ctx context.Context, sentences []string) (*Synthesis, error) {
	sc, err := c.tts.NewContext(ctx, tts.Options{
		Voice:    c.cfg.Voice,
		Language: c.Language(),
		Format:   c.cfg.Format,
	})
	if err != nil {
		return nil, err
	}
	for _, s := range sentences {
		if err := sc.SendText(s, false); err != nil {
			_ = sc.Close()
			return nil, err
		}
	}
	if err := sc.Flush(); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return &Synthesis{sc: sc}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
