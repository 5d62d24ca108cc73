// Package tts provides streaming text-to-speech contexts.
package tts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Provider opens incremental synthesis contexts.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// NewContext opens a context. Text is sent in chunks and audio streams
	// back as it is generated.
	NewContext(ctx context.Context, opts Options) (*StreamingContext, error)
}

// Options configures a streaming context.
type Options struct {
	Voice    string // Voice identifier
	Language string // Language code
	// Format is the provider output format. Telephony needs "ulaw_8000".
	Format string
}

// ErrContextClosed is returned when sending to a closed context.
var ErrContextClosed = errors.New("streaming context closed")

// StreamingContext manages an incremental TTS session.
// Text is sent via SendText and audio chunks are received via Audio.
type StreamingContext struct {
	audio     chan []byte
	err       error
	errMu     sync.Mutex
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	// Set by implementations.
	SendFunc  func(text string, isFinal bool) error
	CloseFunc func() error
}

func NewStreamingContext() *StreamingContext {
	return &StreamingContext{
		audio: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

// SendText sends a text chunk. isFinal marks the last chunk of the reply.
func (sc *StreamingContext) SendText(text string, isFinal bool) error {
	if sc.closed.Load() {
		return ErrContextClosed
	}
	if sc.SendFunc != nil {
		return sc.SendFunc(text, isFinal)
	}
	return nil
}

// Flush signals that all text has been sent.
func (sc *StreamingContext) Flush() error {
	return sc.SendText("", true)
}

// Audio is closed once generation finishes or fails.
func (sc *StreamingContext) Audio() <-chan []byte {
	return sc.audio
}

func (sc *StreamingContext) Err() error {
	sc.errMu.Lock()
	defer sc.errMu.Unlock()
	return sc.err
}

func (sc *StreamingContext) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		sc.closed.Store(true)
		if sc.CloseFunc != nil {
			err = sc.CloseFunc()
		}
		close(sc.done)
	})
	return err
}

func (sc *StreamingContext) Done() <-chan struct{} {
	return sc.done
}

// PushAudio delivers an audio chunk. Returns false once the context is closed.
func (sc *StreamingContext) PushAudio(chunk []byte) bool {
	select {
	case sc.audio <- chunk:
		return true
	case <-sc.done:
		return false
	}
}

// SetError records the first failure.
func (sc *StreamingContext) SetError(err error) {
	sc.errMu.Lock()
	if sc.err == nil {
		sc.err = err
	}
	sc.errMu.Unlock()
}

// FinishAudio closes the audio channel. Implementations call it exactly once.
func (sc *StreamingContext) FinishAudio() {
	close(sc.audio)
}
