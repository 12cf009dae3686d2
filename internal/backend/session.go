// Package backend talks to the recruiting backend: GraphQL session operations plus the video upload.
package backend

import (
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when the backend does not know the session token.
var ErrNotFound = errors.New("interview session not found")

// Status is the backend lifecycle of an interview session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
)

// Question is one prompt of the session. TimeLimitSeconds of 0 uses the session default.
type Question struct {
	ID               string `json:"id"`
	Position         int    `json:"position"`
	Prompt           string `json:"prompt"`
	TimeLimitSeconds int    `json:"timeLimitSeconds"`
}

// ConsentTemplate is the agreement a candidate accepts before answering.
type ConsentTemplate struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Session is the candidate-facing interview, identified by its access token.
type Session struct {
	Token                  string           `json:"token"`
	Status                 Status           `json:"status"`
	Questions              []Question       `json:"questions"`
	StartedAt              *time.Time       `json:"startedAt"`
	ExpiresAt              *time.Time       `json:"expiresAt"`
	ConsentAcceptedAt      *time.Time       `json:"consentAcceptedAt"`
	Language               string           `json:"language"`
	GlobalTimer            bool             `json:"globalTimer"`
	GlobalDurationSeconds  int              `json:"globalDurationSeconds"`
	DefaultQuestionSeconds int              `json:"defaultQuestionSeconds"`
	VoiceResponseEnabled   bool             `json:"voiceResponseEnabled"`
	Consent                *ConsentTemplate `json:"consent"`
	AnsweredQuestionIDs    []string         `json:"answeredQuestionIds"`
	CandidateName          string           `json:"candidateName"`
	JobTitle               string           `json:"jobTitle"`
}

// Expired reports expiry from either the fetched status or the expiry timestamp.
func (s Session) Expired(now time.Time) bool {
	if s.Status == StatusExpired {
		return true
	}
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// NeedsConsent reports whether a consent template exists and was not yet accepted.
func (s Session) NeedsConsent() bool {
	return s.Consent != nil && s.ConsentAcceptedAt == nil
}

// FirstUnanswered returns the index of the first question without a saved answer, or
// len(Questions) when every question is answered.
func (s Session) FirstUnanswered() int {
	answered := make(map[string]struct{}, len(s.AnsweredQuestionIDs))
	for _, id := range s.AnsweredQuestionIDs {
		answered[id] = struct{}{}
	}
	for i, q := range s.Questions {
		if _, ok := answered[q.ID]; !ok {
			return i
		}
	}
	return len(s.Questions)
}

// GlobalElapsedSeconds reconstructs how much of the global budget has been used.
func (s Session) GlobalElapsedSeconds(now time.Time) int {
	if s.StartedAt == nil {
		return 0
	}
	elapsed := int(now.Sub(*s.StartedAt) / time.Second)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func sortQuestions(questions []Question) {
	sort.SliceStable(questions, func(i, j int) bool {
		return questions[i].Position < questions[j].Position
	})
}
