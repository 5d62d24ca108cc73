package voice

import (
	"strings"
	"unicode"
)

// spokenAbbreviations are tokens whose trailing period does not end a
// sentence in an agent reply.
var spokenAbbreviations = map[string]bool{
	"dr.": true, "mr.": true, "mrs.": true, "ms.": true, "st.": true,
	"ave.": true, "blvd.": true, "rd.": true, "no.": true, "approx.": true,
	"a.m.": true, "p.m.": true, "e.g.": true, "i.e.": true, "etc.": true,
}

// SentenceBuffer accumulates reply text and releases complete sentences so
// synthesis can start before the whole reply is known.
type SentenceBuffer struct {
	pending strings.Builder
}

func NewSentenceBuffer() *SentenceBuffer {
	return &SentenceBuffer{}
}

// Add appends text and returns the sentences it completed.
func (b *SentenceBuffer) Add(text string) []string {
	b.pending.WriteString(text)
	content := b.pending.String()

	var out []string
	start := 0
	for i := 0; i < len(content); i++ {
		if !endsSentence(content, i) {
			continue
		}
		if s := strings.TrimSpace(content[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if start > 0 {
		rest := content[start:]
		b.pending.Reset()
		b.pending.WriteString(rest)
	}
	return out
}

// Flush returns whatever is left and empties the buffer.
func (b *SentenceBuffer) Flush() string {
	rest := strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	return rest
}

func (b *SentenceBuffer) Pending() string {
	return b.pending.String()
}

// SplitSentences breaks a complete reply into speakable sentences.
func SplitSentences(text string) []string {
	b := NewSentenceBuffer()
	out := b.Add(text)
	if rest := b.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}

func endsSentence(s string, i int) bool {
	switch s[i] {
	case '.', '!', '?':
	default:
		return false
	}
	// A boundary needs whitespace (or the end of input) after it, which also
	// keeps "7.30" and "bellavista.com" intact.
	if i+1 < len(s) && !unicode.IsSpace(rune(s[i+1])) {
		return false
	}
	if s[i] == '.' && isAbbreviation(s, i) {
		return false
	}
	return true
}

func isAbbreviation(s string, i int) bool {
	start := i
	for start > 0 && !unicode.IsSpace(rune(s[start-1])) {
		start--
	}
	word := strings.ToLower(s[start : i+1])
	if spokenAbbreviations[word] {
		return true
	}
	// Single capital initial, e.g. "J. Smith".
	return i-start == 1 && s[start] >= 'A' && s[start] <= 'Z'
}
