package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/vango-go/vai-host/pkg/core"
)

const DefaultGeminiModel = "gemini-2.5-flash"

const geminiSystemPrompt = `You classify what a caller said to a restaurant phone agent.
Reply with a single JSON object and nothing else:
{"intent": one of ["reservation_request","confirm_booking","cancel_reservation","question","hours_inquiry","complaint","human_request","affirm","deny","goodbye","unrecognized"],
 "confidence": number between 0 and 1,
 "party_size": integer or 0,
 "time": reservation start in RFC3339 with offset, or "",
 "name": name for the booking or "",
 "topic": for questions one of ["menu","location","parking","contact","features","general"], else ""}`

// Gemini classifies utterances with a Gemini model in JSON mode.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Classify(ctx context.Context, req Request) (Result, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	if req.Location != nil {
		now = now.In(req.Location)
	}
	prompt := fmt.Sprintf("Current local time: %s (%s).\nAwaiting: %s\nCaller said: %q",
		now.Format(time.RFC3339), now.Weekday(), expectationText(req.Expecting), req.Text)

	temp := float32(0)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(geminiSystemPrompt, genai.RoleUser),
		Temperature:       &temp,
		ResponseMIMEType:  "application/json",
		MaxOutputTokens:   256,
	}
	res, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return Result{}, core.NewUpstreamError("gemini", err, true)
	}
	return parseGeminiResult(res.Text(), now.Location())
}

func expectationText(e Expectation) string {
	if e == ExpectNone {
		return "nothing in particular"
	}
	return string(e)
}

type geminiResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	PartySize  int     `json:"party_size"`
	Time       string  `json:"time"`
	Name       string  `json:"name"`
	Topic      string  `json:"topic"`
}

var knownIntents = map[Intent]bool{
	IntentReservationRequest: true, IntentConfirmBooking: true, IntentCancelReservation: true,
	IntentQuestion: true, IntentHoursInquiry: true, IntentComplaint: true, IntentHumanRequest: true,
	IntentAffirm: true, IntentDeny: true, IntentGoodbye: true, IntentUnrecognized: true,
}

func parseGeminiResult(text string, loc *time.Location) (Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var raw geminiResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return Result{}, core.NewUpstreamError("gemini", fmt.Errorf("decode classification: %w", err), false)
	}
	res := Result{
		Intent:     Intent(raw.Intent),
		Confidence: raw.Confidence,
		Topic:      raw.Topic,
		Slots:      Slots{PartySize: raw.PartySize, Name: strings.TrimSpace(raw.Name)},
	}
	if !knownIntents[res.Intent] {
		res.Intent = IntentUnrecognized
		res.Confidence = 0
	}
	if res.Slots.PartySize < 0 {
		res.Slots.PartySize = 0
	}
	if raw.Time != "" {
		if t, err := time.Parse(time.RFC3339, raw.Time); err == nil {
			if loc != nil {
				t = t.In(loc)
			}
			res.Slots.Time = t
		}
	}
	return res, nil
}
