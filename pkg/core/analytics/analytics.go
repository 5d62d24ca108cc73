// Package analytics collects call events, persists them and keeps the
// running counters behind the metrics endpoint.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/metrics"
	"github.com/vango-go/vai-host/pkg/store"
)

type Dependencies struct {
	Store   store.Events
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	// Buffer bounds queued events (default 1024). Emit drops when full.
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
}

// Summary is the aggregate view since the collector started.
type Summary struct {
	Calls                 int64   `json:"calls"`
	Active                int64   `json:"active"`
	Completed             int64   `json:"completed"`
	Escalated             int64   `json:"escalated"`
	Failed                int64   `json:"failed"`
	ReservationsConfirmed int64   `json:"reservations_confirmed"`
	ReservationsFailed    int64   `json:"reservations_failed"`
	SMSSent               int64   `json:"sms_sent"`
	EventsDropped         int64   `json:"events_dropped"`
	ConversionRate        float64 `json:"conversion_rate"`
	EscalationRate        float64 `json:"escalation_rate"`
}

type Collector struct {
	store         store.Events
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
	events        chan call.AnalyticsEvent
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	summary Summary
}

func New(deps Dependencies) (*Collector, error) {
	if deps.Store == nil {
		return nil, errors.New("analytics store is required")
	}
	c := &Collector{
		store:         deps.Store,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
		now:           deps.Now,
		batchSize:     deps.BatchSize,
		flushInterval: deps.FlushInterval,
	}
	buf := deps.Buffer
	if buf <= 0 {
		buf = 1024
	}
	c.events = make(chan call.AnalyticsEvent, buf)
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.batchSize <= 0 {
		c.batchSize = 64
	}
	if c.flushInterval <= 0 {
		c.flushInterval = time.Second
	}
	return c, nil
}

// Emit records ev without blocking. Counters update immediately; the event
// is queued for persistence and dropped with a warning if the queue is full.
func (c *Collector) Emit(ev call.AnalyticsEvent) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	if ev.ID == "" {
		ev.ID = call.NewID(ev.At)
	}
	c.observe(ev)

	select {
	case c.events <- ev:
	default:
		c.mu.Lock()
		c.summary.EventsDropped++
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.EventsDropped.Inc()
		}
		c.logger.Warn("analytics buffer full, dropping event", "type", ev.Type, "session_id", ev.SessionID)
	}
}

func (c *Collector) observe(ev call.AnalyticsEvent) {
	c.mu.Lock()
	switch ev.Type {
	case call.EventCallStarted:
		c.summary.Calls++
		c.summary.Active++
	case call.EventCallEnded:
		c.summary.Active--
		switch call.Status(stringField(ev.Payload, "status")) {
		case call.StatusCompleted:
			c.summary.Completed++
		case call.StatusEscalated:
			c.summary.Escalated++
		case call.StatusFailed:
			c.summary.Failed++
		}
	case call.EventReservationConfirmed:
		c.summary.ReservationsConfirmed++
	case call.EventReservationFailed:
		c.summary.ReservationsFailed++
	case call.EventSMSSent:
		c.summary.SMSSent++
	}
	c.mu.Unlock()

	if c.metrics == nil {
		return
	}
	m := c.metrics
	switch ev.Type {
	case call.EventCallStarted:
		m.RecordCallStart()
	case call.EventCallEnded:
		seconds, _ := ev.Payload["duration_seconds"].(float64)
		m.RecordCallEnd(stringField(ev.Payload, "status"), time.Duration(seconds*float64(time.Second)))
	case call.EventStateChanged:
		m.StateChanges.WithLabelValues(stringField(ev.Payload, "to")).Inc()
	case call.EventIntentClassified:
		m.IntentsTotal.WithLabelValues(stringField(ev.Payload, "intent")).Inc()
	case call.EventReservationConfirmed:
		m.ReservationsTotal.WithLabelValues("confirmed").Inc()
	case call.EventReservationFailed:
		m.ReservationsTotal.WithLabelValues("failed").Inc()
	case call.EventReservationCancelled:
		m.ReservationsTotal.WithLabelValues("cancelled").Inc()
	case call.EventSMSSent:
		m.SMSTotal.WithLabelValues("sent").Inc()
	case call.EventSMSFailed:
		m.SMSTotal.WithLabelValues("failed").Inc()
	case call.EventEscalated:
		m.EscalationsTotal.WithLabelValues(stringField(ev.Payload, "reason")).Inc()
	case call.EventPipelineOverrun:
		m.OverrunsTotal.Inc()
	case call.EventSpeechFailure:
		m.RecordUpstreamError(stringField(ev.Payload, "service"), "speech_service_error")
	}
}

// Run persists queued events in batches until ctx ends, then flushes what
// is left.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	batch := make([]call.AnalyticsEvent, 0, c.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := c.store.AppendEvents(ctx, batch); err != nil {
			c.logger.Error("failed to persist analytics events", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case ev := <-c.events:
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			flush(flushCtx)
			cancel()
			return nil
		case ev := <-c.events:
			batch = append(batch, ev)
			if len(batch) >= c.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Summary returns the current aggregate counters.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	s := c.summary
	c.mu.Unlock()
	if s.Calls > 0 {
		s.ConversionRate = float64(s.ReservationsConfirmed) / float64(s.Calls)
		s.EscalationRate = float64(s.Escalated) / float64(s.Calls)
	}
	return s
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	switch v := payload[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
