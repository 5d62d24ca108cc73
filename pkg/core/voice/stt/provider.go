// Package stt provides streaming speech-to-text sessions.
package stt

import (
	"context"
)

// Provider opens streaming transcription sessions.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// NewSession opens a streaming session. Audio is sent with SendAudio and
	// transcript updates arrive on Deltas.
	NewSession(ctx context.Context, opts Options) (Session, error)
}

// Session is one live transcription stream.
type Session interface {
	SendAudio(data []byte) error
	// Finalize asks the provider to flush pending audio into a final transcript.
	Finalize() error
	// Deltas is closed when the session ends.
	Deltas() <-chan Delta
	// Err reports why the session ended, or nil after a clean Close.
	Err() error
	Close() error
}

// Options configures a transcription stream.
type Options struct {
	Model      string // Provider-specific model (default: "ink-whisper")
	Language   string // ISO language code hint (default: "en")
	Encoding   string // Raw audio encoding (default: "pcm_mulaw")
	SampleRate int    // Audio sample rate in Hz (default: 8000)
}

// Delta is a streaming transcript update.
type Delta struct {
	Text      string  // Transcript segment
	IsFinal   bool    // True if this segment will not be revised
	Language  string  // Detected language, when the provider reports one
	Timestamp float64 // Audio offset in seconds
}
