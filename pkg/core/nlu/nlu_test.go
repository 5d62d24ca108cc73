package nlu

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Friday afternoon.
var testNow = time.Date(2026, 3, 13, 15, 0, 0, 0, time.UTC)

func classify(t *testing.T, text string, expecting Expectation) Result {
	t.Helper()
	res, err := NewKeywords().Classify(context.Background(), Request{Text: text, Now: testNow, Location: time.UTC, Expecting: expecting})
	if err != nil {
		t.Fatalf("Classify(%q): %v", text, err)
	}
	return res
}

func TestKeywords_ReservationWithSlots(t *testing.T) {
	res := classify(t, "Book a table for 4 at 7pm tonight", ExpectNone)
	if res.Intent != IntentReservationRequest {
		t.Fatalf("intent = %s", res.Intent)
	}
	if res.Slots.PartySize != 4 {
		t.Fatalf("party = %d", res.Slots.PartySize)
	}
	want := time.Date(2026, 3, 13, 19, 0, 0, 0, time.UTC)
	if !res.Slots.Time.Equal(want) {
		t.Fatalf("time = %v, want %v", res.Slots.Time, want)
	}
}

func TestKeywords_SlotVariants(t *testing.T) {
	tests := []struct {
		text      string
		expecting Expectation
		party     int
		time      time.Time
		name      string
	}{
		{"table for two at seven", ExpectNone, 2, time.Date(2026, 3, 13, 19, 0, 0, 0, time.UTC), ""},
		{"six people tomorrow at 8:30 p.m.", ExpectNone, 6, time.Date(2026, 3, 14, 20, 30, 0, 0, time.UTC), ""},
		{"party of 3 on saturday at 6", ExpectNone, 3, time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC), ""},
		{"at 1pm", ExpectNone, 0, time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC), ""},
		{"5", ExpectPartySize, 5, time.Time{}, ""},
		{"8", ExpectTime, 0, time.Date(2026, 3, 13, 20, 0, 0, 0, time.UTC), ""},
		{"my name is maria rossi", ExpectNone, 0, time.Time{}, "Maria Rossi"},
		{"john", ExpectName, 0, time.Time{}, "John"},
		{"it's for sam please", ExpectNone, 0, time.Time{}, "Sam"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			slots, _ := ExtractSlots(normalize(tt.text), testNow, tt.expecting)
			if slots.PartySize != tt.party {
				t.Errorf("party = %d, want %d", slots.PartySize, tt.party)
			}
			if !slots.Time.Equal(tt.time) {
				t.Errorf("time = %v, want %v", slots.Time, tt.time)
			}
			if slots.Name != tt.name {
				t.Errorf("name = %q, want %q", slots.Name, tt.name)
			}
		})
	}
}

func TestKeywords_Intents(t *testing.T) {
	tests := []struct {
		text      string
		expecting Expectation
		want      Intent
	}{
		{"can I talk to a real person", ExpectNone, IntentHumanRequest},
		{"I need to cancel my reservation", ExpectNone, IntentCancelReservation},
		{"what are your hours", ExpectNone, IntentHoursInquiry},
		{"where are you located", ExpectNone, IntentQuestion},
		{"the service last time was terrible", ExpectNone, IntentComplaint},
		{"yes please", ExpectYesNo, IntentAffirm},
		{"no thanks", ExpectYesNo, IntentDeny},
		{"please confirm it", ExpectNone, IntentConfirmBooking},
		{"okay goodbye", ExpectNone, IntentGoodbye},
		{"the weather is purple", ExpectNone, IntentUnrecognized},
		{"", ExpectNone, IntentUnrecognized},
	}
	for _, tt := range tests {
		if got := classify(t, tt.text, tt.expecting).Intent; got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestKeywords_QuestionTopic(t *testing.T) {
	res := classify(t, "Do you have vegetarian dishes?", ExpectNone)
	if res.Intent != IntentQuestion || res.Topic != "menu" {
		t.Fatalf("got %+v", res)
	}
	res = classify(t, "is there parking nearby", ExpectNone)
	if res.Topic != "parking" {
		t.Fatalf("topic = %q", res.Topic)
	}
}

func TestKeywords_WordBoundaries(t *testing.T) {
	if containsPhrase("i barely made it", "bar") {
		t.Fatalf("bar matched inside barely")
	}
	if !containsPhrase("is the bar open", "bar") {
		t.Fatalf("bar not matched")
	}
}

func TestWithThreshold(t *testing.T) {
	low := ClassifierFunc(func(context.Context, Request) (Result, error) {
		return Result{Intent: IntentQuestion, Confidence: 0.3, Slots: Slots{PartySize: 2}}, nil
	})
	res, err := WithThreshold(low, 0.5).Classify(context.Background(), Request{Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Intent != IntentUnrecognized {
		t.Fatalf("intent = %s", res.Intent)
	}
	if res.Slots.PartySize != 2 {
		t.Fatalf("slots dropped")
	}
}

func TestChain_FallsBackOnError(t *testing.T) {
	failing := ClassifierFunc(func(context.Context, Request) (Result, error) {
		return Result{}, errors.New("unavailable")
	})
	c := Chain(failing, NewKeywords(), nil)
	res, err := c.Classify(context.Background(), Request{Text: "what are your hours", Now: testNow})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Intent != IntentHoursInquiry {
		t.Fatalf("intent = %s", res.Intent)
	}
}

func TestParseGeminiResult(t *testing.T) {
	res, err := parseGeminiResult("```json\n{\"intent\":\"reservation_request\",\"confidence\":0.92,\"party_size\":4,\"time\":\"2026-03-13T19:00:00-08:00\",\"name\":\"Ana\"}\n```", time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Intent != IntentReservationRequest || res.Slots.PartySize != 4 || res.Slots.Name != "Ana" {
		t.Fatalf("got %+v", res)
	}
	if !res.Slots.Time.Equal(time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)) {
		t.Fatalf("time = %v", res.Slots.Time)
	}

	res, err = parseGeminiResult(`{"intent":"order_pizza","confidence":0.99}`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Intent != IntentUnrecognized || res.Confidence != 0 {
		t.Fatalf("unknown intent not rejected: %+v", res)
	}

	if _, err := parseGeminiResult("not json", nil); err == nil {
		t.Fatalf("expected decode error")
	}
}
