package dialogue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/booking"
	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/core/consent"
	"github.com/vango-go/vai-host/pkg/core/nlu"
	"github.com/vango-go/vai-host/pkg/core/venue"
)

// Action is the side effect the call runner performs for a Reply.
type Action int

const (
	ActionNone Action = iota
	// ActionBook places Reply.Booking; the spoken reply comes from BookingResult.
	ActionBook
	// ActionCancel cancels Reply.CancelID; the spoken reply comes from CancelResult.
	ActionCancel
	ActionEscalate
	// ActionEnd speaks Reply.Text and ends the call.
	ActionEnd
)

// Reply is the agent's answer to one caller turn.
type Reply struct {
	Text    string
	Action  Action
	Booking booking.Details
	// CancelID is the reservation to cancel.
	CancelID string
	// SMSConsent carries the caller's answer to the text-message question.
	SMSConsent *bool
}

type stage int

const (
	stageIdle stage = iota
	stageCollecting
	stageAskingSMS
	stageConfirming
	stageOfferingAlternates
	stageConfirmingCancel
)

// Conversation is the per-call reply policy. It is not safe for concurrent
// use; the call runner owns it.
type Conversation struct {
	venue       venue.Profile
	now         func() time.Time
	callerPhone string

	stage       stage
	draft       nlu.Slots
	alternates  []time.Time
	smsAsked    bool
	smsGranted  bool
	smsRetries  int
	reservation *call.Reservation
	lastPrompt  string
}

func NewConversation(profile venue.Profile, callerPhone string, now func() time.Time) *Conversation {
	if now == nil {
		now = time.Now
	}
	return &Conversation{venue: profile, now: now, callerPhone: callerPhone}
}

// Expecting tells the classifier what kind of answer is due.
func (c *Conversation) Expecting() nlu.Expectation {
	switch c.stage {
	case stageAskingSMS, stageConfirming, stageConfirmingCancel:
		return nlu.ExpectYesNo
	case stageOfferingAlternates:
		return nlu.ExpectAlternates
	case stageCollecting:
		switch {
		case c.draft.PartySize == 0:
			return nlu.ExpectPartySize
		case c.draft.Time.IsZero():
			return nlu.ExpectTime
		case c.draft.Name == "":
			return nlu.ExpectName
		}
	}
	return nlu.ExpectNone
}

// Welcome is spoken once recording consent is granted.
func (c *Conversation) Welcome() string {
	return c.say("Thank you. How can I help you today?")
}

func (c *Conversation) say(text string) string {
	c.lastPrompt = text
	return text
}

// Respond turns a classified caller turn into a reply.
func (c *Conversation) Respond(res nlu.Result) Reply {
	switch res.Intent {
	case nlu.IntentHumanRequest:
		return Reply{Action: ActionEscalate}
	case nlu.IntentGoodbye:
		if c.stage != stageConfirming && c.stage != stageAskingSMS {
			return Reply{Text: c.venue.Prompts.Goodbye, Action: ActionEnd}
		}
	case nlu.IntentHoursInquiry:
		return c.withFollowUp(c.venue.HoursToday(c.now()) + " " + c.venue.HoursSummary())
	case nlu.IntentQuestion:
		return c.withFollowUp(c.answer(res.Topic))
	case nlu.IntentComplaint:
		return Reply{Text: c.say("I'm very sorry to hear that. I've noted your feedback for our manager. If you'd like, I can connect you with a member of our staff. Is there anything else I can help with?")}
	case nlu.IntentCancelReservation:
		return c.cancel()
	}

	switch c.stage {
	case stageAskingSMS:
		return c.onSMSAnswer(res)
	case stageConfirming:
		return c.onConfirmation(res)
	case stageOfferingAlternates:
		return c.onAlternate(res)
	case stageConfirmingCancel:
		return c.onCancelConfirmation(res)
	}
	if res.Intent == nlu.IntentUnrecognized && res.Slots.Empty() {
		return c.notUnderstood()
	}

	if res.Intent == nlu.IntentReservationRequest || res.Intent == nlu.IntentConfirmBooking || c.stage == stageCollecting || !res.Slots.Empty() {
		if c.stage == stageIdle {
			c.stage = stageCollecting
			c.draft = nlu.Slots{}
		}
		if reply, rejected := c.merge(res.Slots); rejected {
			return reply
		}
		return c.nextBookingStep()
	}

	if res.Intent == nlu.IntentDeny && c.stage == stageIdle {
		return Reply{Text: c.venue.Prompts.Goodbye, Action: ActionEnd}
	}
	if res.Intent == nlu.IntentAffirm && c.stage == stageIdle {
		return Reply{Text: c.say("Sure. Would you like to make a reservation, or do you have a question about the restaurant?")}
	}
	return c.notUnderstood()
}

func (c *Conversation) notUnderstood() Reply {
	if c.stage != stageIdle && c.lastPrompt != "" {
		return Reply{Text: "Sorry, I didn't catch that. " + c.lastPrompt}
	}
	return Reply{Text: c.say("I'm sorry, I didn't understand. I can help you make a reservation or answer questions about our hours, menu and location.")}
}

// merge folds newly heard slots into the draft. A value the venue cannot
// accept is rejected with an explanation.
func (c *Conversation) merge(s nlu.Slots) (Reply, bool) {
	if s.PartySize > 0 {
		if s.PartySize > c.venue.MaxPartySize {
			return Reply{Text: c.say(fmt.Sprintf("I'm sorry, we can seat at most %d guests per reservation. For larger groups, please call us during business hours to arrange our private dining room. How many people will be joining you?", c.venue.MaxPartySize))}, true
		}
		c.draft.PartySize = s.PartySize
	}
	if !s.Time.IsZero() {
		t := s.Time.In(c.venue.Location())
		if !t.After(c.now()) {
			return Reply{Text: c.say("That time has already passed. What time would you like?")}, true
		}
		if !c.venue.OpenAt(t) {
			return Reply{Text: c.say(fmt.Sprintf("I'm sorry, we don't seat guests at %s %s. %s What time would work instead?",
				venue.SpokenTime(t), venue.SpokenDate(t, c.now()), c.hoursOn(t)))}, true
		}
		c.draft.Time = t
	}
	if s.Name != "" && consent.ParseAnswer(s.Name) == consent.AnswerUnclear {
		c.draft.Name = s.Name
	}
	return Reply{}, false
}

func (c *Conversation) hoursOn(t time.Time) string {
	open, closing, ok := c.venue.OpenWindow(t)
	if !ok {
		return "We're closed that day."
	}
	last := closing.Add(-time.Duration(c.venue.SlotMinutes) * time.Minute)
	return fmt.Sprintf("That day we're open from %s, with the last seating at %s.", venue.SpokenTime(open), venue.SpokenTime(last))
}

func (c *Conversation) nextBookingStep() Reply {
	switch {
	case c.draft.PartySize == 0:
		return Reply{Text: c.say("I'd be happy to help with a reservation. How many people will be joining you?")}
	case c.draft.Time.IsZero():
		return Reply{Text: c.say(fmt.Sprintf("A table for %d. What day and time would you like?", c.draft.PartySize))}
	case c.draft.Name == "":
		return Reply{Text: c.say("And what name should I put the reservation under?")}
	}
	if !c.smsAsked {
		c.stage = stageAskingSMS
		return Reply{Text: c.say(c.venue.Prompts.SMSConsent)}
	}
	return c.readBack()
}

func (c *Conversation) readBack() Reply {
	c.stage = stageConfirming
	return Reply{Text: c.say(fmt.Sprintf("Let me confirm: a table for %d under %s, %s at %s. Shall I book it?",
		c.draft.PartySize, c.draft.Name, venue.SpokenDate(c.draft.Time, c.now()), venue.SpokenTime(c.draft.Time)))}
}

func (c *Conversation) onSMSAnswer(res nlu.Result) Reply {
	var granted bool
	switch res.Intent {
	case nlu.IntentAffirm, nlu.IntentConfirmBooking:
		granted = true
	case nlu.IntentDeny:
	default:
		if c.smsRetries == 0 {
			c.smsRetries++
			return Reply{Text: "Sorry, was that a yes or a no? " + c.venue.Prompts.SMSConsent}
		}
	}
	c.smsAsked = true
	c.smsGranted = granted
	reply := c.readBack()
	if granted && c.callerPhone == "" {
		reply.Text = "I don't see a number to text, so I'll skip the message. " + reply.Text
	}
	reply.SMSConsent = &granted
	return reply
}

func (c *Conversation) onConfirmation(res nlu.Result) Reply {
	if reply, rejected := c.merge(res.Slots); rejected {
		c.stage = stageCollecting
		return reply
	}
	if !res.Slots.Empty() {
		return c.readBack()
	}
	switch res.Intent {
	case nlu.IntentAffirm, nlu.IntentConfirmBooking:
		return Reply{Action: ActionBook, Booking: c.details()}
	case nlu.IntentDeny:
		c.stage = stageCollecting
		return Reply{Text: c.say("No problem. What would you like to change: the day and time, the party size or the name?")}
	}
	return c.notUnderstood()
}

func (c *Conversation) details() booking.Details {
	return booking.Details{
		PartySize: c.draft.PartySize,
		Time:      c.draft.Time,
		Name:      c.draft.Name,
		Phone:     c.callerPhone,
	}
}

func (c *Conversation) onAlternate(res nlu.Result) Reply {
	if !res.Slots.Time.IsZero() {
		for _, alt := range c.alternates {
			if alt.Hour() == res.Slots.Time.Hour() && alt.Minute() == res.Slots.Time.Minute() {
				c.draft.Time = alt
				return c.readBack()
			}
		}
		c.stage = stageCollecting
		if reply, rejected := c.merge(res.Slots); rejected {
			return reply
		}
		return c.nextBookingStep()
	}
	switch res.Intent {
	case nlu.IntentAffirm, nlu.IntentConfirmBooking:
		if len(c.alternates) == 1 {
			c.draft.Time = c.alternates[0]
			return c.readBack()
		}
		return Reply{Text: c.say("Which time would you prefer: " + c.spokenTimes(c.alternates, "or") + "?")}
	case nlu.IntentDeny:
		c.stage = stageCollecting
		c.draft.Time = time.Time{}
		return Reply{Text: c.say("Okay. Would you like to try a different day or time?")}
	}
	return c.notUnderstood()
}

// BookingResult is spoken after the runner tried to book.
func (c *Conversation) BookingResult(r call.Reservation, err error) Reply {
	if err == nil {
		c.stage = stageIdle
		c.reservation = &r
		number := r.ExternalID
		if number == "" {
			number = r.ID
		}
		text := fmt.Sprintf("You're all set! Your table for %d under %s is booked for %s at %s. Your confirmation number is %s.",
			r.PartySize, r.Name, venue.SpokenDate(r.RequestedAt.In(c.venue.Location()), c.now()), venue.SpokenTime(r.RequestedAt.In(c.venue.Location())), spell(number))
		if c.smsGranted && c.callerPhone != "" {
			text += " I'll text you the details."
		}
		c.draft = nlu.Slots{}
		return Reply{Text: c.say(text + " Is there anything else I can help you with?")}
	}

	var conflict *core.SlotUnavailableError
	switch {
	case errors.As(err, &conflict) && len(conflict.Alternatives) > 0:
		c.stage = stageOfferingAlternates
		c.alternates = conflict.Alternatives
		return Reply{Text: c.say(fmt.Sprintf("I'm sorry, %s is fully booked. I can offer %s. Would any of those work?",
			venue.SpokenTime(c.draft.Time), c.spokenTimes(conflict.Alternatives, "or")))}
	case errors.As(err, &conflict):
		c.stage = stageCollecting
		c.draft.Time = time.Time{}
		return Reply{Text: c.say("I'm sorry, we're fully booked around then. Would you like to try a different day or time?")}
	case core.HasType(err, core.ErrConsentDenied):
		c.stage = stageIdle
		return Reply{Text: c.say("I'm sorry, I'm not able to take a reservation on this call. Please visit " + c.venue.Website + " to book online.")}
	default:
		c.stage = stageConfirming
		return Reply{Text: c.say("I'm sorry, I couldn't reach our reservation system just now. Would you like me to try again?")}
	}
}

func (c *Conversation) cancel() Reply {
	if c.stage != stageIdle && c.stage != stageConfirmingCancel {
		c.stage = stageIdle
		c.draft = nlu.Slots{}
		return Reply{Text: c.say("Okay, I won't make that reservation. Is there anything else I can help you with?")}
	}
	if c.reservation == nil || c.reservation.Status != call.ReservationConfirmed {
		return Reply{Text: c.say("I can only cancel a reservation made during this call. For an earlier booking, please call us during business hours and our staff will help.")}
	}
	c.stage = stageConfirmingCancel
	at := c.reservation.RequestedAt.In(c.venue.Location())
	return Reply{Text: c.say(fmt.Sprintf("Just to confirm, you'd like to cancel your table for %d %s at %s?",
		c.reservation.PartySize, venue.SpokenDate(at, c.now()), venue.SpokenTime(at)))}
}

func (c *Conversation) onCancelConfirmation(res nlu.Result) Reply {
	switch res.Intent {
	case nlu.IntentAffirm, nlu.IntentConfirmBooking:
		return Reply{Action: ActionCancel, CancelID: c.reservation.ID}
	case nlu.IntentDeny:
		c.stage = stageIdle
		return Reply{Text: c.say("Okay, your reservation stays as it is. Anything else I can help with?")}
	}
	return c.notUnderstood()
}

// CancelResult is spoken after the runner tried to cancel.
func (c *Conversation) CancelResult(r call.Reservation, err error) Reply {
	c.stage = stageIdle
	if err != nil {
		return Reply{Text: c.say("I'm sorry, I wasn't able to cancel that just now. Please call us back and our staff will take care of it.")}
	}
	c.reservation = &r
	return Reply{Text: c.say("Your reservation has been cancelled. Is there anything else I can help you with?")}
}

// SMSGranted reports the caller's text-message answer, if asked.
func (c *Conversation) SMSGranted() bool { return c.smsGranted }

// withFollowUp appends the pending booking question, if any.
func (c *Conversation) withFollowUp(answer string) Reply {
	if c.stage == stageIdle || c.lastPrompt == "" {
		return Reply{Text: c.say(answer + " Is there anything else I can help you with?")}
	}
	pending := c.lastPrompt
	return Reply{Text: answer + " " + pending}
}

func (c *Conversation) answer(topic string) string {
	v := c.venue
	switch topic {
	case "menu":
		return "Our menu includes " + joinList(v.Menu, "and") + "."
	case "location", "parking":
		return "We're located at " + v.Address + "."
	case "contact":
		return fmt.Sprintf("You can reach us at %s or visit %s.", v.Phone, v.Website)
	case "features":
		return "We offer " + joinList(v.Features, "and") + "."
	}
	return "I can help with reservations, our hours, the menu and our location."
}

func (c *Conversation) spokenTimes(ts []time.Time, conj string) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = venue.SpokenTime(t.In(c.venue.Location()))
	}
	return joinList(parts, conj)
}

func joinList(items []string, conj string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " " + conj + " " + items[len(items)-1]
}

// spell separates characters so TTS reads a code letter by letter.
func spell(code string) string {
	return strings.Join(strings.Split(code, ""), " ")
}
