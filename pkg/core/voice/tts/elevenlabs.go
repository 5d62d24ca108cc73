package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-host/pkg/core"
)

const elevenLabsDefaultWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"

type ElevenLabsProvider struct {
	apiKey    string
	wsBaseURL string
	model     string
}

func NewElevenLabs(apiKey string) *ElevenLabsProvider {
	return &ElevenLabsProvider{
		apiKey:    strings.TrimSpace(apiKey),
		wsBaseURL: elevenLabsDefaultWSBase,
		model:     "eleven_flash_v2_5",
	}
}

func (e *ElevenLabsProvider) WithWSBaseURL(base string) *ElevenLabsProvider {
	base = strings.TrimSpace(base)
	if base != "" {
		e.wsBaseURL = base
	}
	return e
}

func (e *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

func (e *ElevenLabsProvider) NewContext(ctx context.Context, opts Options) (*StreamingContext, error) {
	if e.apiKey == "" {
		return nil, core.NewUpstreamError(e.Name(), fmt.Errorf("api key is required"), false)
	}
	voiceID := strings.TrimSpace(opts.Voice)
	if voiceID == "" {
		return nil, core.NewUpstreamError(e.Name(), fmt.Errorf("voice id is required"), false)
	}
	wsURL, err := buildElevenLabsWSURL(e.wsBaseURL, voiceID, e.model, opts)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, dialError(e.Name(), resp, err)
	}

	sc := NewStreamingContext()
	connDone := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() error {
		var closeErr error
		closeOnce.Do(func() {
			close(connDone)
			closeErr = conn.Close()
		})
		return closeErr
	}

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(v)
	}

	if err := writeJSON(map[string]any{
		"text":     " ",
		"voice_id": voiceID,
	}); err != nil {
		_ = closeConn()
		return nil, core.NewServiceUnavailableError(e.Name(), err)
	}

	sc.SendFunc = func(text string, isFinal bool) error {
		text = strings.TrimSpace(text)
		if text != "" {
			text += " "
		}
		payload := map[string]any{"text": text}
		if isFinal {
			payload["flush"] = true
		}
		if err := writeJSON(payload); err != nil {
			return core.NewServiceUnavailableError("elevenlabs", err)
		}
		return nil
	}
	sc.CloseFunc = closeConn

	go func() {
		defer sc.FinishAudio()
		defer sc.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-connDone:
				default:
					if ctx.Err() != nil {
						sc.SetError(ctx.Err())
					} else {
						sc.SetError(core.NewServiceUnavailableError("elevenlabs", fmt.Errorf("stream dropped: %w", err)))
					}
				}
				return
			}
			var msg map[string]json.RawMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if errText := decodeStringRaw(msg["error"]); errText != "" {
				sc.SetError(core.NewServiceUnavailableError("elevenlabs", fmt.Errorf("%s", errText)))
				return
			}
			if audioB64 := decodeStringRaw(msg["audio"]); audioB64 != "" {
				audio, err := base64.StdEncoding.DecodeString(audioB64)
				if err == nil && len(audio) > 0 {
					if !sc.PushAudio(audio) {
						return
					}
				}
			}
			if decodeBoolRaw(msg["isFinal"]) || decodeBoolRaw(msg["is_final"]) {
				return
			}
		}
	}()

	// Closing on cancellation unblocks ReadMessage.
	go func() {
		select {
		case <-ctx.Done():
			_ = closeConn()
		case <-connDone:
		}
	}()

	return sc, nil
}

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

func buildElevenLabsWSURL(base, voiceID, model string, opts Options) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = elevenLabsDefaultWSBase
	}
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		q.Set("model_id", model)
	}
	if q.Get("output_format") == "" {
		format := opts.Format
		if format == "" {
			format = "ulaw_8000"
		}
		q.Set("output_format", format)
	}
	if opts.Language != "" && q.Get("language_code") == "" {
		q.Set("language_code", opts.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeStringRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func decodeBoolRaw(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var out bool
	if err := json.Unmarshal(raw, &out); err != nil {
		return false
	}
	return out
}
