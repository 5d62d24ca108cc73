// Package telephony controls live call legs through Twilio: TwiML
// documents for webhooks and REST updates for transfer and hangup.
package telephony

import (
	"github.com/twilio/twilio-go/twiml"
)

// StreamResponse connects the call audio to the media websocket at
// streamURL. params become <Parameter> children echoed in the start event.
func StreamResponse(streamURL string, params map[string]string) (string, error) {
	stream := &twiml.VoiceStream{Url: streamURL}
	for name, value := range params {
		stream.InnerElements = append(stream.InnerElements, &twiml.VoiceParameter{Name: name, Value: value})
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	return twiml.Voice([]twiml.Element{connect})
}

// RejectBusy turns the call away with a busy signal before it is answered.
func RejectBusy() (string, error) {
	return twiml.Voice([]twiml.Element{&twiml.VoiceReject{Reason: "busy"}})
}

// SayHangup speaks message, if any, and ends the call.
func SayHangup(message string) (string, error) {
	var verbs []twiml.Element
	if message != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: message})
	}
	verbs = append(verbs, &twiml.VoiceHangup{})
	return twiml.Voice(verbs)
}

// SayDial speaks message, if any, and bridges the caller to number.
func SayDial(message, number string) (string, error) {
	var verbs []twiml.Element
	if message != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: message})
	}
	verbs = append(verbs, &twiml.VoiceDial{Number: number})
	return twiml.Voice(verbs)
}
