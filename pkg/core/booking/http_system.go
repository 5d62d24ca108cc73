package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/vai-host/pkg/core"
)

// HTTPSystem talks to a JSON reservation API:
//
//	POST   {base}/reservations        create (Idempotency-Key header)
//	DELETE {base}/reservations/{id}   cancel
//
// A 409 response is a slot conflict and may list alternative times.
type HTTPSystem struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSystem(baseURL, apiKey string, client *http.Client) *HTTPSystem {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSystem{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

type conflictBody struct {
	Error        string      `json:"error"`
	Alternatives []time.Time `json:"alternatives"`
}

func (h *HTTPSystem) Create(ctx context.Context, req Request) (Confirmation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Confirmation{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/reservations", bytes.NewReader(body))
	if err != nil {
		return Confirmation{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	h.authorize(httpReq)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Confirmation{}, core.NewServiceUnavailableError("booking", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var c Confirmation
		if err := json.Unmarshal(data, &c); err != nil {
			return Confirmation{}, core.NewUpstreamError("booking", fmt.Errorf("decode confirmation: %w", err), false)
		}
		if c.ReservationID == "" {
			return Confirmation{}, core.NewUpstreamError("booking", fmt.Errorf("confirmation has no reservation id"), false)
		}
		if !strings.EqualFold(c.Status, StatusConfirmed) {
			return Confirmation{}, core.NewUpstreamError("booking", fmt.Errorf("reservation %s is %q, not confirmed", c.ReservationID, c.Status), false)
		}
		c.Status = StatusConfirmed
		return c, nil
	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		_ = json.Unmarshal(data, &cb)
		return Confirmation{}, &core.SlotUnavailableError{Requested: req.Time, Alternatives: cb.Alternatives}
	default:
		return Confirmation{}, statusError(resp.StatusCode, data)
	}
}

func (h *HTTPSystem) Cancel(ctx context.Context, externalID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.baseURL+"/reservations/"+url.PathEscape(externalID), nil)
	if err != nil {
		return err
	}
	h.authorize(httpReq)
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return core.NewServiceUnavailableError("booking", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return core.NewNotFoundError("reservation " + externalID + " not found")
	default:
		return statusError(resp.StatusCode, data)
	}
}

func (h *HTTPSystem) authorize(r *http.Request) {
	if h.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
}

func statusError(status int, body []byte) error {
	cause := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	if status >= 500 || status == http.StatusTooManyRequests {
		return core.NewServiceUnavailableError("booking", cause)
	}
	return core.NewUpstreamError("booking", cause, false)
}
