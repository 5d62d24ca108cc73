package notify

import (
	"context"
	"errors"
	"net/http"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/vango-go/vai-host/pkg/core"
)

// TwilioSender sends SMS through the Twilio Messages API.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioSender(c *twilio.RestClient, from string) *TwilioSender {
	return &TwilioSender{client: c, from: from}
}

// Send creates the message. The Twilio client has no context support, so
// ctx is only checked before the request is made.
func (t *TwilioSender) Send(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetBody(body)

	msg, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return "", classifyTwilioError(err)
	}
	if msg.Sid == nil {
		return "", nil
	}
	return *msg.Sid, nil
}

func classifyTwilioError(err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status >= 500 || restErr.Status == http.StatusTooManyRequests {
			return core.NewServiceUnavailableError("twilio", err)
		}
		return core.NewUpstreamError("twilio", err, false)
	}
	return core.NewServiceUnavailableError("twilio", err)
}
