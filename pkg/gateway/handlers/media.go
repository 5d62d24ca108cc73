package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-host/pkg/core/session"
	"github.com/vango-go/vai-host/pkg/core/voice"
	"github.com/vango-go/vai-host/pkg/gateway/calls"
	"github.com/vango-go/vai-host/pkg/gateway/config"
	"github.com/vango-go/vai-host/pkg/gateway/media"
	"github.com/vango-go/vai-host/pkg/gateway/mw"
	"github.com/vango-go/vai-host/pkg/metrics"
)

// MediaHandler serves the Twilio media stream websocket for a call whose
// session was opened by IncomingHandler.
type MediaHandler struct {
	Config   config.Config
	Services *session.Services
	Tracker  *calls.Tracker
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func (h MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	logger := loggerOrDefault(h.Logger)
	reqID, _ := mw.RequestIDFrom(r.Context())

	// Twilio does not send an Origin header; the signature check guards
	// this endpoint instead.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxMediaMessageSize > 0 {
		conn.SetReadLimit(h.Config.MaxMediaMessageSize)
	}

	startTimeout := h.Config.MediaStartTimeout
	if startTimeout <= 0 {
		startTimeout = 10 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(startTimeout))
	start, err := readStart(conn)
	if err != nil {
		logger.Warn("media stream did not start", "request_id", reqID, "error", err)
		closeWS(conn, websocket.ClosePolicyViolation, "expected start event")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	callID := start.Start.CallSID
	handle, ok := h.Services.Manager.Lookup(callID)
	if !ok {
		logger.Warn("media stream for unknown call", "request_id", reqID, "call_id", callID, "stream_sid", start.StreamSID)
		closeWS(conn, websocket.ClosePolicyViolation, "unknown call")
		return
	}
	if sid := start.Start.CustomParameters["session_id"]; sid != "" && sid != handle.ID {
		logger.Warn("media stream session mismatch", "call_id", callID, "session_id", handle.ID, "stream_session_id", sid)
		closeWS(conn, websocket.ClosePolicyViolation, "session mismatch")
		return
	}
	logger = logger.With("call_id", callID, "session_id", handle.ID, "stream_sid", start.StreamSID)

	stream := media.NewStream(conn, start.StreamSID, media.Config{
		PingInterval: h.Config.MediaPingInterval,
		WriteTimeout: h.Config.MediaWriteTimeout,
		DrainTimeout: h.Config.MediaDrainTimeout,
		OnAudioOut: func(n int) {
			if h.Metrics != nil {
				h.Metrics.RecordAudio("outbound", n)
			}
		},
	})
	runner, err := h.attach(handle, stream, logger)
	if err != nil {
		logger.Error("start call runner", "error", err)
		// Without a runner nothing else would close the session.
		if _, running := h.Services.Manager.Runner(handle.ID); !running {
			if cerr := h.Services.Manager.CloseSession(context.WithoutCancel(r.Context()), handle.ID, session.ReasonSystemFailure); cerr != nil {
				logger.Warn("close session", "error", cerr)
			}
		}
		closeWS(conn, websocket.CloseInternalServerErr, "call setup failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	streamDone := make(chan error, 1)
	go func() { streamDone <- stream.Run(ctx) }()
	// Unblock ReadMessage once the call or this stream is over.
	go func() {
		select {
		case <-runner.Done():
		case <-ctx.Done():
		}
		_ = conn.SetReadDeadline(time.Now())
	}()

	logger.Info("media stream started")
	stopped := h.readLoop(ctx, conn, stream, runner, logger)
	switch {
	case stopped:
		runner.End("caller_hangup")
	case runner.Attached(stream):
		runner.Detach(stream)
	}
	cancel()

	if err := <-streamDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("media writer stopped", "error", err)
	}
	logger.Info("media stream ended", "stop_event", stopped)
}

// attach resumes the session's call runner with stream, or starts one.
// The runner outlives the websocket so a dropped stream can reconnect.
func (h MediaHandler) attach(handle *session.Handle, stream *media.Stream, logger *slog.Logger) (*session.Call, error) {
	if runner, ok := h.Services.Manager.Runner(handle.ID); ok {
		if !runner.Resume(stream) {
			return nil, errors.New("call already ended")
		}
		return runner, nil
	}
	runner, err := h.Services.NewCall(handle, stream)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	unregister := h.Tracker.Register(handle.ID, calls.Handle{CallID: handle.CallID, Cancel: cancel})
	go func() {
		defer unregister()
		defer cancel()
		if err := runner.Run(runCtx); err != nil {
			logger.Warn("call ended with error", "error", err)
		}
	}()
	return runner, nil
}

// readLoop feeds caller audio to the runner until the stream ends. It
// reports whether Twilio sent a stop event.
func (h MediaHandler) readLoop(ctx context.Context, conn *websocket.Conn, stream *media.Stream, runner *session.Call, logger *slog.Logger) bool {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("media read ended", "error", err)
			}
			return false
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := media.DecodeMessage(data)
		if err != nil {
			logger.Debug("skipping media frame", "error", err)
			continue
		}
		switch m := msg.(type) {
		case media.Media:
			if m.Track != "" && m.Track != "inbound" {
				continue
			}
			if !runner.Attached(stream) {
				// A newer stream took over the call.
				return false
			}
			if h.Metrics != nil {
				h.Metrics.RecordAudio("inbound", len(m.Payload))
			}
			runner.PushAudio(voice.Frame{Index: m.Chunk, Payload: m.Payload})
		case media.Mark:
			stream.HandleMark(m.Name)
		case media.DTMF:
			logger.Info("caller pressed key", "digit", m.Digit)
		case media.Stop:
			return true
		}
	}
}

// readStart reads frames until the start event, skipping connected.
func readStart(conn *websocket.Conn) (media.Start, error) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return media.Start{}, err
		}
		if messageType != websocket.TextMessage {
			return media.Start{}, errors.New("binary frame before start")
		}
		msg, err := media.DecodeMessage(data)
		if err != nil {
			return media.Start{}, err
		}
		switch m := msg.(type) {
		case media.Connected:
			continue
		case media.Start:
			return m, nil
		default:
			return media.Start{}, errors.New("media before start event")
		}
	}
}

func closeWS(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
