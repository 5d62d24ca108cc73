package consent

import (
	"strings"
	"unicode"
)

// Answer is a caller's reply to a yes/no question.
type Answer int

const (
	AnswerUnclear Answer = iota
	AnswerYes
	AnswerNo
)

func (a Answer) String() string {
	switch a {
	case AnswerYes:
		return "yes"
	case AnswerNo:
		return "no"
	default:
		return "unclear"
	}
}

var (
	// Affirmative phrases that contain a negation are matched first.
	negatedYes = []string{"don't mind", "do not mind", "no problem", "why not", "not a problem"}
	yesPhrases = []string{"of course", "go ahead", "that's fine", "that is fine", "please do", "sounds good", "i agree"}
	noPhrases  = []string{"no thanks", "no thank you", "rather not", "do not", "don't", "not okay", "not ok", "i disagree"}
	yesWords   = map[string]bool{"yes": true, "yeah": true, "yep": true, "yup": true, "sure": true, "okay": true, "ok": true, "fine": true, "absolutely": true, "alright": true, "correct": true, "certainly": true, "definitely": true, "agree": true, "si": true}
	noWords    = map[string]bool{"no": true, "nope": true, "nah": true, "decline": true, "never": true, "negative": true}
)

// ParseAnswer classifies free text as yes, no, or unclear. Replies that
// contain both a yes and a no signal are unclear.
func ParseAnswer(text string) Answer {
	norm := strings.ToLower(strings.TrimSpace(text))
	if norm == "" {
		return AnswerUnclear
	}

	match := func(phrases []string) bool {
		found := false
		for _, p := range phrases {
			if strings.Contains(norm, p) {
				found = true
				norm = strings.ReplaceAll(norm, p, " ")
			}
		}
		return found
	}
	yes := match(negatedYes)
	no := match(noPhrases)
	yes = match(yesPhrases) || yes
	for _, w := range strings.FieldsFunc(norm, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		if yesWords[w] {
			yes = true
		}
		if noWords[w] {
			no = true
		}
	}

	switch {
	case yes && !no:
		return AnswerYes
	case no && !yes:
		return AnswerNo
	default:
		return AnswerUnclear
	}
}
