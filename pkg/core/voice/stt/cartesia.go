package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-host/pkg/core"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion = "2025-04-16"
)

// CartesiaProvider streams audio to Cartesia's STT websocket.
type CartesiaProvider struct {
	apiKey  string
	wsURL   string
	timeout time.Duration
}

// NewCartesia creates a Cartesia STT provider.
func NewCartesia(apiKey string) *CartesiaProvider {
	return &CartesiaProvider{apiKey: apiKey, wsURL: cartesiaWSURL, timeout: 10 * time.Second}
}

// WithURL points the provider at a different websocket endpoint.
func (c *CartesiaProvider) WithURL(wsURL string) *CartesiaProvider {
	c.wsURL = wsURL
	return c
}

func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

func (c *CartesiaProvider) NewSession(ctx context.Context, opts Options) (Session, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "ink-whisper"
	}
	language := opts.Language
	if language == "" {
		language = "en"
	}
	encoding := opts.Encoding
	if encoding == "" {
		encoding = "pcm_mulaw"
	}
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 8000
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", language)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	// Phone audio is noisy; keep the floor low so quiet callers are still heard.
	q.Set("min_volume", "0.01")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, dialError(c.Name(), resp, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &cartesiaSession{
		conn:   conn,
		deltas: make(chan Delta, 64),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.readLoop()
	return s, nil
}

// dialError classifies a failed websocket handshake. Server-side and
// throttling statuses are retryable; other statuses are not.
func dialError(service string, resp *http.Response, err error) error {
	if resp == nil {
		return core.NewServiceUnavailableError(service, fmt.Errorf("websocket connect: %w", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	cause := fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return core.NewServiceUnavailableError(service, cause)
	}
	return core.NewUpstreamError(service, cause, false)
}

type cartesiaSession struct {
	conn    *websocket.Conn
	deltas  chan Delta
	done    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc

	errMu sync.Mutex
	err   error
}

type cartesiaSTTResponse struct {
	Type     string  `json:"type"` // "transcript", "flush_done", "done", "error"
	Text     string  `json:"text"`
	IsFinal  bool    `json:"is_final"`
	Duration float64 `json:"duration"`
	Language string  `json:"language"`
	Error    string  `json:"error"`
}

func (s *cartesiaSession) readLoop() {
	defer func() {
		close(s.deltas)
		close(s.done)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.setErr(core.NewServiceUnavailableError("cartesia", fmt.Errorf("stream dropped: %w", err)))
			}
			return
		}

		var msg cartesiaSTTResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "transcript":
			delta := Delta{Text: msg.Text, IsFinal: msg.IsFinal, Language: msg.Language, Timestamp: msg.Duration}
			select {
			case s.deltas <- delta:
			case <-s.ctx.Done():
				return
			}
		case "flush_done":
			continue
		case "done":
			return
		case "error":
			s.setErr(core.NewServiceUnavailableError("cartesia", errors.New(msg.Error)))
			return
		}
	}
}

func (s *cartesiaSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *cartesiaSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SendAudio sends raw audio in the encoding chosen when the session opened.
func (s *cartesiaSession) SendAudio(data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("session closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return core.NewServiceUnavailableError("cartesia", err)
	}
	return nil
}

func (s *cartesiaSession) Finalize() error {
	if s.closed.Load() {
		return fmt.Errorf("session closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte("finalize"))
}

func (s *cartesiaSession) Deltas() <-chan Delta {
	return s.deltas
}

func (s *cartesiaSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}
