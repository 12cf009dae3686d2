// Package answer holds the in-progress answer for the current question.
package answer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SaveState tracks one answer through the commit pipeline.
type SaveState string

const (
	StateUnsaved SaveState = "unsaved"
	StateSaving  SaveState = "saving"
	StateSaved   SaveState = "saved"
	StateFailed  SaveState = "failed"
)

// Draft is the current question's answer text. Typing replaces it and recognition appends to it.
type Draft struct {
	QuestionID string
	text       string
	appended   int
}

// NewDraft returns an empty draft for questionID.
func NewDraft(questionID string) *Draft {
	return &Draft{QuestionID: questionID}
}

// Text returns the current answer text.
func (d *Draft) Text() string {
	if d == nil {
		return ""
	}
	return d.text
}

// Set replaces the answer text with typed input.
func (d *Draft) Set(text string) {
	d.text = text
}

// Append adds one recognized segment, separated by a single space.
// A segment that starts a sentence gets its first letter upper-cased.
func (d *Draft) Append(segment string) {
	segment = strings.Join(strings.Fields(segment), " ")
	if segment == "" {
		return
	}
	if startsSentence(d.text) {
		segment = upperFirst(segment)
	}
	switch {
	case d.text == "":
		d.text = segment
	case strings.HasSuffix(d.text, " ") || strings.HasSuffix(d.text, "\n"):
		d.text += segment
	default:
		d.text += " " + segment
	}
	d.appended++
}

// Appended reports how many recognized segments were appended.
func (d *Draft) Appended() int {
	return d.appended
}

func startsSentence(text string) bool {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	if trimmed == "" {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	switch last {
	case '.', '!', '?':
		return true
	default:
		return false
	}
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
