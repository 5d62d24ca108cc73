// Package venue describes the restaurant the phone agent answers for.
package venue

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hours are the opening hours for one weekday in "15:04" form.
type Hours struct {
	Open   string `yaml:"open"`
	Close  string `yaml:"close"`
	Closed bool   `yaml:"closed,omitempty"`
}

// Prompts are the fixed sentences the agent speaks.
type Prompts struct {
	Greeting            string `yaml:"greeting"`
	RecordingConsent    string `yaml:"recording_consent"`
	SMSConsent          string `yaml:"sms_consent"`
	ConsentDeniedNotice string `yaml:"consent_denied_notice"`
	Escalation          string `yaml:"escalation"`
	NoHumanAvailable    string `yaml:"no_human_available"`
	Goodbye             string `yaml:"goodbye"`
}

type Profile struct {
	Name     string           `yaml:"name"`
	Address  string           `yaml:"address"`
	Phone    string           `yaml:"phone"`
	Website  string           `yaml:"website"`
	TimeZone string           `yaml:"time_zone"`
	Hours    map[string]Hours `yaml:"hours"`
	Menu     []string         `yaml:"menu"`
	Features []string         `yaml:"features"`

	TablesPerSlot int `yaml:"tables_per_slot"`
	SlotMinutes   int `yaml:"slot_minutes"`
	MaxPartySize  int `yaml:"max_party_size"`

	Prompts Prompts `yaml:"prompts"`

	loc *time.Location
}

var weekdays = [...]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// Default returns the built-in profile.
func Default() Profile {
	p := base()
	p.applyDefaults()
	return p
}

func base() Profile {
	return Profile{
		Name:     "Bella Vista Italian Restaurant",
		Address:  "123 Main Street, Downtown, CA 90210",
		Phone:    "(555) 123-4567",
		Website:  "www.bellavista.com",
		TimeZone: "America/Los_Angeles",
		Hours: map[string]Hours{
			"monday":    {Open: "11:00", Close: "22:00"},
			"tuesday":   {Open: "11:00", Close: "22:00"},
			"wednesday": {Open: "11:00", Close: "22:00"},
			"thursday":  {Open: "11:00", Close: "22:00"},
			"friday":    {Open: "11:00", Close: "23:00"},
			"saturday":  {Open: "10:00", Close: "23:00"},
			"sunday":    {Open: "10:00", Close: "22:00"},
		},
		Menu: []string{
			"bruschetta", "calamari", "caprese salad",
			"spaghetti carbonara", "fettuccine alfredo", "penne arrabbiata",
			"chicken parmesan", "grilled salmon", "beef tenderloin",
			"tiramisu", "cannoli", "gelato",
		},
		Features: []string{
			"a private dining room for groups of 8 to 20",
			"outdoor patio seating",
			"a full bar with an extensive wine list",
			"live music on Friday and Saturday evenings",
			"vegetarian and gluten-free options",
		},
		TablesPerSlot: 15,
		SlotMinutes:   30,
		MaxPartySize:  20,
	}
}

// Load reads a YAML profile from path. Fields left empty keep their defaults.
func Load(path string) (Profile, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	p := base()
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read venue profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse venue profile: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (p *Profile) applyDefaults() {
	if p.TablesPerSlot <= 0 {
		p.TablesPerSlot = 15
	}
	if p.SlotMinutes <= 0 {
		p.SlotMinutes = 30
	}
	if p.MaxPartySize <= 0 {
		p.MaxPartySize = 20
	}
	pr := &p.Prompts
	if pr.Greeting == "" {
		pr.Greeting = "Thank you for calling " + p.Name + "."
	}
	if pr.RecordingConsent == "" {
		pr.RecordingConsent = "This call may be recorded for quality assurance and to help us provide better service. Is that okay with you?"
	}
	if pr.SMSConsent == "" {
		pr.SMSConsent = "Would you like to receive a text message confirmation of your reservation?"
	}
	if pr.ConsentDeniedNotice == "" {
		pr.ConsentDeniedNotice = "No problem. We can only continue with recording enabled, so please call us back or visit " + p.Website + ". Goodbye."
	}
	if pr.Escalation == "" {
		pr.Escalation = "I'm sorry for the trouble. Let me transfer you to a member of our staff."
	}
	if pr.NoHumanAvailable == "" {
		pr.NoHumanAvailable = "I'm sorry, but I need to transfer you to a human representative. Please call back during business hours."
	}
	if pr.Goodbye == "" {
		pr.Goodbye = "Thank you for calling " + p.Name + ". Goodbye!"
	}
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil || p.TimeZone == "" {
		loc = time.UTC
	}
	p.loc = loc
}

// Validate checks hours are well formed.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("venue name is required")
	}
	if p.TimeZone != "" {
		if _, err := time.LoadLocation(p.TimeZone); err != nil {
			return fmt.Errorf("venue time_zone: %w", err)
		}
	}
	for day, h := range p.Hours {
		if !validDay(day) {
			return fmt.Errorf("venue hours: unknown day %q", day)
		}
		if h.Closed {
			continue
		}
		open, err1 := parseClock(h.Open)
		closing, err2 := parseClock(h.Close)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("venue hours for %s must be HH:MM", day)
		}
		if closing <= open {
			return fmt.Errorf("venue hours for %s close before they open", day)
		}
	}
	return nil
}

func validDay(day string) bool {
	for _, d := range weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// parseClock returns minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location is the venue's time zone.
func (p Profile) Location() *time.Location {
	if p.loc == nil {
		return time.UTC
	}
	return p.loc
}

// OpenWindow returns the opening and closing instants on t's local date.
func (p Profile) OpenWindow(t time.Time) (open, closing time.Time, ok bool) {
	local := t.In(p.Location())
	h, found := p.Hours[weekdays[local.Weekday()]]
	if !found || h.Closed {
		return time.Time{}, time.Time{}, false
	}
	o, err1 := parseClock(h.Open)
	c, err2 := parseClock(h.Close)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.Location())
	return day.Add(time.Duration(o) * time.Minute), day.Add(time.Duration(c) * time.Minute), true
}

// OpenAt reports whether a table can be booked starting at t. The last
// seating is one slot before closing.
func (p Profile) OpenAt(t time.Time) bool {
	open, closing, ok := p.OpenWindow(t)
	if !ok {
		return false
	}
	lastSeating := closing.Add(-time.Duration(p.SlotMinutes) * time.Minute)
	return !t.Before(open) && !t.After(lastSeating)
}

// HoursToday describes the opening hours on t's local date.
func (p Profile) HoursToday(t time.Time) string {
	open, closing, ok := p.OpenWindow(t)
	if !ok {
		return "We're closed today."
	}
	return fmt.Sprintf("Today we're open from %s to %s.", SpokenTime(open), SpokenTime(closing))
}

// HoursSummary is a one-sentence description of the weekly hours.
func (p Profile) HoursSummary() string {
	var parts []string
	for _, d := range []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"} {
		h, ok := p.Hours[d]
		if !ok || h.Closed {
			parts = append(parts, titleDay(d)+" closed")
			continue
		}
		o, _ := time.Parse("15:04", h.Open)
		c, _ := time.Parse("15:04", h.Close)
		parts = append(parts, fmt.Sprintf("%s %s to %s", titleDay(d), SpokenTime(o), SpokenTime(c)))
	}
	return "Our hours are " + strings.Join(parts, ", ") + "."
}

func titleDay(d string) string {
	return strings.ToUpper(d[:1]) + d[1:]
}

// SpokenTime formats t for speech, e.g. "7 PM" or "7:30 PM".
func SpokenTime(t time.Time) string {
	if t.Minute() == 0 {
		return t.Format("3 PM")
	}
	return t.Format("3:04 PM")
}

// SpokenDate formats t for speech relative to now.
func SpokenDate(t, now time.Time) string {
	ty, tm, td := t.Date()
	ny, nm, nd := now.In(t.Location()).Date()
	if ty == ny && tm == nm && td == nd {
		return "today"
	}
	tomorrow := now.In(t.Location()).AddDate(0, 0, 1)
	if y, m, d := tomorrow.Date(); ty == y && tm == m && td == d {
		return "tomorrow"
	}
	return t.Format("Monday, January 2")
}
