// Package media speaks the Twilio Media Streams websocket protocol and
// adapts a stream to the call runner's audio sink.
package media

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventClear     = "clear"

	EncodingMulaw = "audio/x-mulaw"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Connected struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

type StartInfo struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type Start struct {
	StreamSID string
	Start     StartInfo
}

// Media is one inbound audio chunk. Chunk numbers start at 1 and grow by
// one per 20ms frame on a healthy stream.
type Media struct {
	StreamSID string
	Track     string
	Chunk     int64
	Timestamp int64
	Payload   []byte
}

type Mark struct {
	StreamSID string
	Name      string
}

type Stop struct {
	StreamSID string
	CallSID   string
}

type DTMF struct {
	StreamSID string
	Digit     string
}

type inboundEnvelope struct {
	Event          string          `json:"event"`
	SequenceNumber string          `json:"sequenceNumber"`
	StreamSID      string          `json:"streamSid"`
	Protocol       string          `json:"protocol"`
	Version        string          `json:"version"`
	Start          json.RawMessage `json:"start"`
	Media          *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
	Stop *struct {
		AccountSID string `json:"accountSid"`
		CallSID    string `json:"callSid"`
	} `json:"stop"`
	DTMF *struct {
		Track string `json:"track"`
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

// DecodeMessage parses one inbound text frame into Connected, Start, Media,
// Mark, Stop or DTMF.
func DecodeMessage(data []byte) (any, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("invalid json frame", "")
	}

	switch strings.TrimSpace(env.Event) {
	case EventConnected:
		return Connected{Protocol: env.Protocol, Version: env.Version}, nil
	case EventStart:
		if len(env.Start) == 0 {
			return nil, badRequest("start event missing start block", "start")
		}
		var info StartInfo
		if err := json.Unmarshal(env.Start, &info); err != nil {
			return nil, badRequest("invalid start block", "start")
		}
		if info.StreamSID == "" {
			info.StreamSID = env.StreamSID
		}
		if strings.TrimSpace(info.CallSID) == "" {
			return nil, badRequest("start event missing callSid", "start.callSid")
		}
		if enc := info.MediaFormat.Encoding; enc != "" && enc != EncodingMulaw {
			return nil, unsupported("unsupported media encoding "+enc, "start.mediaFormat.encoding")
		}
		return Start{StreamSID: info.StreamSID, Start: info}, nil
	case EventMedia:
		if env.Media == nil {
			return nil, badRequest("media event missing media block", "media")
		}
		chunk, err := strconv.ParseInt(env.Media.Chunk, 10, 64)
		if err != nil {
			return nil, badRequest("invalid media chunk", "media.chunk")
		}
		var ts int64
		if env.Media.Timestamp != "" {
			ts, err = strconv.ParseInt(env.Media.Timestamp, 10, 64)
			if err != nil {
				return nil, badRequest("invalid media timestamp", "media.timestamp")
			}
		}
		payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, badRequest("invalid media payload", "media.payload")
		}
		return Media{StreamSID: env.StreamSID, Track: env.Media.Track, Chunk: chunk, Timestamp: ts, Payload: payload}, nil
	case EventMark:
		if env.Mark == nil {
			return nil, badRequest("mark event missing mark block", "mark")
		}
		return Mark{StreamSID: env.StreamSID, Name: env.Mark.Name}, nil
	case EventStop:
		out := Stop{StreamSID: env.StreamSID}
		if env.Stop != nil {
			out.CallSID = env.Stop.CallSID
		}
		return out, nil
	case EventDTMF:
		if env.DTMF == nil {
			return nil, badRequest("dtmf event missing dtmf block", "dtmf")
		}
		return DTMF{StreamSID: env.StreamSID, Digit: env.DTMF.Digit}, nil
	case "":
		return nil, badRequest("missing event", "event")
	default:
		return nil, unsupported("unsupported event "+env.Event, "event")
	}
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia builds an outbound media event carrying μ-law audio.
func EncodeMedia(streamSID string, audio []byte) ([]byte, error) {
	msg := outboundMedia{Event: EventMedia, StreamSID: streamSID}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return json.Marshal(msg)
}

// EncodeMark asks Twilio to echo name once everything queued before it
// has played.
func EncodeMark(streamSID, name string) ([]byte, error) {
	msg := outboundMark{Event: EventMark, StreamSID: streamSID}
	msg.Mark.Name = name
	return json.Marshal(msg)
}

// EncodeClear discards audio Twilio has buffered but not yet played.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outboundClear{Event: EventClear, StreamSID: streamSID})
}
