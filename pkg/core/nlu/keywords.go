package nlu

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-host/pkg/core/consent"
)

// Keywords is a deterministic rule-based classifier. It needs no network
// and is the fallback when a model-backed classifier fails.
type Keywords struct{}

func NewKeywords() *Keywords { return &Keywords{} }

const numAlt = `\d{1,2}|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen|fifteen|sixteen|seventeen|eighteen|nineteen|twenty`

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13,
	"fourteen": 14, "fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18,
	"nineteen": 19, "twenty": 20,
}

var (
	clockRe  = regexp.MustCompile(`\b(` + numAlt + `)(?::([0-5]\d))?\s*(a\.?\s?m\b\.?|p\.?\s?m\b\.?|o'?clock)`)
	h24Re    = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
	atRe     = regexp.MustCompile(`\b(?:at|around|about)\s+(` + numAlt + `)(?::([0-5]\d))?\b`)
	noonRe   = regexp.MustCompile(`\bnoon\b`)
	partyRe  = regexp.MustCompile(`\b(?:for|party of|group of)\s+(` + numAlt + `)\b`)
	peopleRe = regexp.MustCompile(`\b(` + numAlt + `)\s+(?:people|persons|guests|adults|of us)\b`)
	bareNum  = regexp.MustCompile(`^\s*(?:just\s+)?(` + numAlt + `)\s*(?:please)?\.?\s*$`)
	nameRe   = regexp.MustCompile(`\b(?:my name is|name is|name's|under the name(?: of)?|it's for|it is for)\s+([a-z][a-z'\-]*(?:\s+[a-z][a-z'\-]*)?)`)
)

var nameStop = map[string]bool{"and": true, "for": true, "at": true, "please": true, "on": true, "thanks": true, "thank": true, "tonight": true, "tomorrow": true}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

type rule struct {
	intent     Intent
	confidence float64
	phrases    []string
}

// Checked in order; the first rule with a matching phrase wins.
var rules = []rule{
	{IntentHumanRequest, 0.95, []string{"human", "real person", "a person", "manager", "representative", "operator", "speak to someone", "talk to someone", "speak with someone", "staff member"}},
	{IntentCancelReservation, 0.9, []string{"cancel"}},
	{IntentComplaint, 0.85, []string{"complain", "complaint", "terrible", "awful", "rude", "disappointed", "disgusting", "bad experience", "food was cold", "food poisoning"}},
	{IntentConfirmBooking, 0.9, []string{"confirm", "book it", "go ahead and book", "lock it in", "that works"}},
	{IntentHoursInquiry, 0.9, []string{"hours", "what time do you open", "what time do you close", "when do you open", "when do you close", "are you open", "closing time", "opening time"}},
	{IntentReservationRequest, 0.9, []string{"reservation", "reserve", "book a table", "book a", "booking", "a table", "get a table"}},
	{IntentQuestion, 0.8, []string{"menu", "where are you", "address", "located", "location", "parking", "vegetarian", "gluten", "vegan", "patio", "outdoor", "music", "wine", "bar", "dessert", "price", "how much", "do you have", "do you serve", "private dining", "phone number", "website"}},
	{IntentGoodbye, 0.9, []string{"goodbye", "bye", "that's all", "that is all", "nothing else", "have a good", "hang up"}},
}

var topics = []struct {
	topic   string
	phrases []string
}{
	{"menu", []string{"menu", "serve", "dessert", "vegetarian", "vegan", "gluten", "food", "dish", "price", "how much", "wine"}},
	{"location", []string{"where", "address", "located", "location", "directions"}},
	{"parking", []string{"parking", "park"}},
	{"contact", []string{"phone number", "website", "email"}},
	{"features", []string{"patio", "outdoor", "music", "bar", "private dining", "event", "catering", "kids"}},
}

func (k *Keywords) Classify(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	text := normalize(req.Text)
	if text == "" {
		return Result{Intent: IntentUnrecognized}, nil
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	loc := req.Location
	if loc == nil {
		loc = time.UTC
	}

	slots, rest := ExtractSlots(text, now.In(loc), req.Expecting)

	if req.Expecting == ExpectYesNo && slots.Empty() {
		switch consent.ParseAnswer(text) {
		case consent.AnswerYes:
			return Result{Intent: IntentAffirm, Confidence: 0.9}, nil
		case consent.AnswerNo:
			return Result{Intent: IntentDeny, Confidence: 0.9}, nil
		}
	}

	for _, r := range rules {
		if containsAny(rest, r.phrases) {
			res := Result{Intent: r.intent, Confidence: r.confidence, Slots: slots}
			if r.intent == IntentQuestion {
				res.Topic = topicOf(rest)
			}
			return res, nil
		}
	}

	if !slots.Empty() {
		return Result{Intent: IntentReservationRequest, Confidence: 0.75, Slots: slots}, nil
	}
	switch consent.ParseAnswer(text) {
	case consent.AnswerYes:
		return Result{Intent: IntentAffirm, Confidence: 0.7}, nil
	case consent.AnswerNo:
		return Result{Intent: IntentDeny, Confidence: 0.7}, nil
	}
	if strings.HasSuffix(strings.TrimSpace(req.Text), "?") {
		return Result{Intent: IntentQuestion, Confidence: 0.55, Topic: topicOf(rest)}, nil
	}
	return Result{Intent: IntentUnrecognized}, nil
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "’", "'")
	return strings.Join(strings.Fields(s), " ")
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(text, p) {
			return true
		}
	}
	return false
}

// containsPhrase matches p on word boundaries so "bar" does not match "barely".
func containsPhrase(text, p string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], p)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(p)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

func topicOf(text string) string {
	for _, t := range topics {
		if containsAny(text, t.phrases) {
			return t.topic
		}
	}
	return "general"
}

func parseNumber(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return numberWords[s]
}

// ExtractSlots finds party size, time and name in normalized text. The
// returned string has the time expressions blanked out.
func ExtractSlots(text string, now time.Time, expecting Expectation) (Slots, string) {
	var slots Slots
	rest := text

	hour, minute, found := -1, 0, false
	if m := clockRe.FindStringSubmatchIndex(rest); m != nil {
		hour = parseNumber(rest[m[2]:m[3]])
		if m[4] >= 0 {
			minute, _ = strconv.Atoi(rest[m[4]:m[5]])
		}
		suffix := strings.ReplaceAll(strings.ReplaceAll(rest[m[6]:m[7]], ".", ""), " ", "")
		switch {
		case strings.HasPrefix(suffix, "p") && hour < 12:
			hour += 12
		case strings.HasPrefix(suffix, "a") && hour == 12:
			hour = 0
		case strings.HasPrefix(suffix, "o"):
			hour = assumeEvening(hour)
		}
		found = hour >= 0 && hour < 24
		rest = blank(rest, m[0], m[1])
	} else if m := h24Re.FindStringSubmatchIndex(rest); m != nil {
		hour, _ = strconv.Atoi(rest[m[2]:m[3]])
		minute, _ = strconv.Atoi(rest[m[4]:m[5]])
		if hour <= 12 {
			hour = assumeEvening(hour)
		}
		found = true
		rest = blank(rest, m[0], m[1])
	} else if m := atRe.FindStringSubmatchIndex(rest); m != nil {
		hour = assumeEvening(parseNumber(rest[m[2]:m[3]]))
		if m[4] >= 0 {
			minute, _ = strconv.Atoi(rest[m[4]:m[5]])
		}
		found = hour > 0 && hour < 24
		rest = blank(rest, m[0], m[1])
	} else if loc := noonRe.FindStringIndex(rest); loc != nil {
		hour, found = 12, true
		rest = blank(rest, loc[0], loc[1])
	} else if expecting == ExpectTime {
		if m := bareNum.FindStringSubmatch(rest); m != nil {
			hour = assumeEvening(parseNumber(m[1]))
			found = hour > 0 && hour < 24
			rest = ""
		}
	}

	day, explicitDay := resolveDay(rest, now)
	if found {
		t := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
		if !explicitDay && t.Before(now) {
			t = t.AddDate(0, 0, 1)
		}
		slots.Time = t
	}

	if m := partyRe.FindStringSubmatch(rest); m != nil {
		slots.PartySize = parseNumber(m[1])
	} else if m := peopleRe.FindStringSubmatch(rest); m != nil {
		slots.PartySize = parseNumber(m[1])
	} else if expecting == ExpectPartySize {
		if m := bareNum.FindStringSubmatch(rest); m != nil {
			slots.PartySize = parseNumber(m[1])
		}
	}

	if m := nameRe.FindStringSubmatch(rest); m != nil {
		slots.Name = cleanName(m[1])
	} else if expecting == ExpectName {
		slots.Name = cleanName(rest)
	}
	return slots, rest
}

// An hour without am/pm at a restaurant is an evening seating unless it is
// 11 (lunch) or already 24-hour.
func assumeEvening(hour int) int {
	if hour >= 1 && hour <= 10 {
		return hour + 12
	}
	return hour
}

func resolveDay(text string, now time.Time) (time.Time, bool) {
	switch {
	case containsPhrase(text, "tomorrow"):
		return now.AddDate(0, 0, 1), true
	case containsPhrase(text, "tonight"), containsPhrase(text, "today"), containsPhrase(text, "this evening"):
		return now, true
	}
	for name, wd := range weekdayNames {
		if containsPhrase(text, name) {
			delta := (int(wd) - int(now.Weekday()) + 7) % 7
			return now.AddDate(0, 0, delta), true
		}
	}
	return now, false
}

func blank(s string, start, end int) string {
	return s[:start] + strings.Repeat(" ", end-start) + s[end:]
}

func cleanName(raw string) string {
	var words []string
	for _, w := range strings.Fields(raw) {
		w = strings.Trim(w, ".,!?")
		if w == "" || nameStop[w] {
			break
		}
		if _, isNum := numberWords[w]; isNum {
			break
		}
		words = append(words, strings.ToUpper(w[:1])+w[1:])
		if len(words) == 2 {
			break
		}
	}
	return strings.Join(words, " ")
}
