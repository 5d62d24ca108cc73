package media

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-host/pkg/core"
)

type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// DrainTimeout caps how long Drain waits for Twilio to echo a mark.
	DrainTimeout time.Duration
	// OnAudioOut is called with the size of every media payload written.
	OnAudioOut func(bytes int)
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 15 * time.Second
	}
	return c
}

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	payload    []byte
	audioBytes int
	// epoch is the clear generation the audio was queued in; audio from an
	// older generation is skipped.
	epoch int64
}

// Stream is the outbound half of one Twilio media stream. It implements
// the call runner's audio sink: agent audio goes out as media events,
// Clear sends a clear event and Drain waits for a mark echo.
type Stream struct {
	ws        wsWriter
	streamSID string
	cfg       Config

	priority chan outboundFrame
	normal   chan outboundFrame
	epoch    atomic.Int64

	markMu  sync.Mutex
	markSeq int64
	marks   map[string]chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func NewStream(ws wsWriter, streamSID string, cfg Config) *Stream {
	return &Stream{
		ws:        ws,
		streamSID: streamSID,
		cfg:       cfg.withDefaults(),
		priority:  make(chan outboundFrame, 8),
		normal:    make(chan outboundFrame, 256),
		marks:     make(map[string]chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Stream) StreamSID() string { return s.streamSID }

var errStreamClosed = errors.New("media stream closed")

func (s *Stream) closedErr() error {
	return core.NewTransportError("media stream closed", errStreamClosed)
}

func (s *Stream) enqueue(ctx context.Context, ch chan outboundFrame, f outboundFrame) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}
	select {
	case ch <- f:
		return nil
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) WriteAudio(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	payload, err := EncodeMedia(s.streamSID, chunk)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, s.normal, outboundFrame{payload: payload, audioBytes: len(chunk), epoch: s.epoch.Load()})
}

// Clear drops queued agent audio locally and tells Twilio to discard what
// it has buffered. Pending Drain calls return.
func (s *Stream) Clear(ctx context.Context) error {
	s.epoch.Add(1)
	s.releaseMarks()
	payload, err := EncodeClear(s.streamSID)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, s.priority, outboundFrame{payload: payload, epoch: -1})
}

// Drain returns once Twilio reports that everything written so far has
// played, the drain timeout passes, or ctx ends.
func (s *Stream) Drain(ctx context.Context) error {
	s.markMu.Lock()
	s.markSeq++
	name := "drain-" + strconv.FormatInt(s.markSeq, 10)
	wait := make(chan struct{})
	s.marks[name] = wait
	s.markMu.Unlock()

	payload, err := EncodeMark(s.streamSID, name)
	if err != nil {
		s.forgetMark(name)
		return err
	}
	if err := s.enqueue(ctx, s.normal, outboundFrame{payload: payload, epoch: -1}); err != nil {
		s.forgetMark(name)
		return err
	}

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-wait:
		return nil
	case <-timer.C:
		s.forgetMark(name)
		return nil
	case <-s.done:
		s.forgetMark(name)
		return s.closedErr()
	case <-ctx.Done():
		s.forgetMark(name)
		return ctx.Err()
	}
}

// HandleMark resolves the Drain waiting on name.
func (s *Stream) HandleMark(name string) {
	s.markMu.Lock()
	wait, ok := s.marks[name]
	delete(s.marks, name)
	s.markMu.Unlock()
	if ok {
		close(wait)
	}
}

func (s *Stream) forgetMark(name string) {
	s.markMu.Lock()
	delete(s.marks, name)
	s.markMu.Unlock()
}

func (s *Stream) releaseMarks() {
	s.markMu.Lock()
	marks := s.marks
	s.marks = make(map[string]chan struct{})
	s.markMu.Unlock()
	for _, wait := range marks {
		close(wait)
	}
}

// Close stops accepting frames. It does not close the websocket.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Run writes queued frames until ctx ends or a write fails. Clear frames
// preempt queued media. On exit the websocket is closed.
func (s *Stream) Run(ctx context.Context) error {
	defer s.Close()

	writeTimeout := s.cfg.WriteTimeout
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame

	for {
		select {
		case <-ctx.Done():
			s.flushPriorityOnShutdown(writeTimeout)
			_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = s.ws.Close()
			return nil
		default:
		}

		// Hard priority: if anything is queued, handle it before writing normal frames.
		select {
		case frame := <-s.priority:
			if err := s.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			if err := s.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		select {
		case <-ctx.Done():
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := s.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame := <-s.priority:
			if err := s.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame := <-s.normal:
			// Re-check priority before writing so a clear queued meanwhile wins.
			pendingNormal = &frame
		}
	}
}

func (s *Stream) flushPriorityOnShutdown(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame := <-s.priority:
			_ = s.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (s *Stream) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.audioBytes > 0 && frame.epoch != s.epoch.Load() {
		return nil
	}
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
		return err
	}
	if frame.audioBytes > 0 && s.cfg.OnAudioOut != nil {
		s.cfg.OnAudioOut(frame.audioBytes)
	}
	return nil
}
