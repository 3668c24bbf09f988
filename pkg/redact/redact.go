// Package redact masks personal data in transcripts before they are logged.
package redact

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	// card numbers are checked before phone numbers, which would also match
	cardRe = regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)
)

// Redactor is passed to whatever logs user or agent text. The zero value
// passes text through.
type Redactor struct {
	enabled bool
}

func New(enabled bool) Redactor {
	return Redactor{enabled: enabled}
}

func (r Redactor) Enabled() bool { return r.enabled }

// Text masks emails, card numbers and phone numbers when enabled.
func (r Redactor) Text(in string) string {
	if !r.enabled || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = cardRe.ReplaceAllStringFunc(out, func(m string) string {
		if digits(m) < 13 {
			return m
		}
		return "[REDACTED_CARD]"
	})
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

func digits(s string) int {
	n := 0
	for _, c := range s {
		if c >= '0' && c <= '9' {
			n++
		}
	}
	return n
}
