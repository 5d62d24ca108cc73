// Package nlu classifies caller utterances into intents and extracts
// reservation slots.
package nlu

import (
	"context"
	"log/slog"
	"time"
)

// Intent is the caller's goal for one utterance.
type Intent string

const (
	IntentReservationRequest Intent = "reservation_request"
	IntentConfirmBooking     Intent = "confirm_booking"
	IntentCancelReservation  Intent = "cancel_reservation"
	IntentQuestion           Intent = "question"
	IntentHoursInquiry       Intent = "hours_inquiry"
	IntentComplaint          Intent = "complaint"
	IntentHumanRequest       Intent = "human_request"
	IntentAffirm             Intent = "affirm"
	IntentDeny               Intent = "deny"
	IntentGoodbye            Intent = "goodbye"
	IntentUnrecognized       Intent = "unrecognized"
)

// Expectation hints which answer the dialogue is waiting for.
type Expectation string

const (
	ExpectNone       Expectation = ""
	ExpectYesNo      Expectation = "yes_no"
	ExpectPartySize  Expectation = "party_size"
	ExpectTime       Expectation = "time"
	ExpectName       Expectation = "name"
	ExpectAlternates Expectation = "alternate_time"
)

// Slots are the reservation details found in an utterance. Zero values mean
// "not mentioned".
type Slots struct {
	PartySize int
	Time      time.Time
	Name      string
}

// Empty reports whether no slot was found.
func (s Slots) Empty() bool {
	return s.PartySize == 0 && s.Time.IsZero() && s.Name == ""
}

type Request struct {
	Text      string
	Language  string
	Now       time.Time
	Location  *time.Location
	Expecting Expectation
}

type Result struct {
	Intent     Intent
	Confidence float64
	Slots      Slots
	// Topic narrows a question: "menu", "location", "parking", "features", "contact".
	Topic string
}

type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, req Request) (Result, error)

func (f ClassifierFunc) Classify(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

type thresholded struct {
	next Classifier
	min  float64
}

// WithThreshold maps results below min confidence to IntentUnrecognized.
// Slots are kept so partial reservation details are not lost.
func WithThreshold(c Classifier, min float64) Classifier {
	return thresholded{next: c, min: min}
}

func (t thresholded) Classify(ctx context.Context, req Request) (Result, error) {
	res, err := t.next.Classify(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Confidence < t.min {
		res.Intent = IntentUnrecognized
	}
	return res, nil
}

type chain struct {
	primary   Classifier
	secondary Classifier
	logger    *slog.Logger
}

// Chain falls back to secondary when primary fails.
func Chain(primary, secondary Classifier, logger *slog.Logger) Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return chain{primary: primary, secondary: secondary, logger: logger}
}

func (c chain) Classify(ctx context.Context, req Request) (Result, error) {
	res, err := c.primary.Classify(ctx, req)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	c.logger.Warn("primary classifier failed, using fallback", "error", err)
	return c.secondary.Classify(ctx, req)
}
