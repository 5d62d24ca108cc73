package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/vango-go/vai-host/pkg/core"
)

// callNotInProgress is Twilio's error code for updating a call that has
// already ended.
const callNotInProgress = 21220

// CallUpdater is the slice of the Twilio REST API used here; the
// *twilioApi.ApiService in twilio.RestClient.Api satisfies it.
type CallUpdater interface {
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// Twilio redirects live calls to new TwiML.
type Twilio struct {
	api    CallUpdater
	logger *slog.Logger
}

func NewTwilio(api CallUpdater, logger *slog.Logger) *Twilio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Twilio{api: api, logger: logger}
}

// Transfer speaks announcement and dials number, ending the media stream.
func (t *Twilio) Transfer(ctx context.Context, callID, number, announcement string) error {
	doc, err := SayDial(announcement, number)
	if err != nil {
		return fmt.Errorf("build transfer twiml: %w", err)
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(doc)
	return t.update(ctx, callID, params)
}

// Hangup ends the call, speaking announcement first when one is given.
func (t *Twilio) Hangup(ctx context.Context, callID, announcement string) error {
	params := &twilioApi.UpdateCallParams{}
	if announcement == "" {
		params.SetStatus("completed")
	} else {
		doc, err := SayHangup(announcement)
		if err != nil {
			return fmt.Errorf("build hangup twiml: %w", err)
		}
		params.SetTwiml(doc)
	}
	err := t.update(ctx, callID, params)
	if err != nil && core.HasType(err, core.ErrNotFound) {
		// The caller already hung up.
		return nil
	}
	return err
}

// update has no context support in the Twilio client, so ctx is only
// checked before the request is made.
func (t *Twilio) update(ctx context.Context, callID string, params *twilioApi.UpdateCallParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.api.UpdateCall(callID, params); err != nil {
		t.logger.Warn("call update failed", "call_id", callID, "error", err)
		return classifyTwilioError(err)
	}
	return nil
}

func classifyTwilioError(err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Code == callNotInProgress || restErr.Status == http.StatusNotFound:
			return &core.Error{Type: core.ErrNotFound, Service: "twilio", Message: restErr.Message, Err: err}
		case restErr.Status >= 500 || restErr.Status == http.StatusTooManyRequests:
			return core.NewServiceUnavailableError("twilio", err)
		}
		return core.NewUpstreamError("twilio", err, false)
	}
	return core.NewServiceUnavailableError("twilio", err)
}
