package session

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/rbright/candor/internal/answer"
	"github.com/rbright/candor/internal/backend"
	"github.com/rbright/candor/internal/fsm"
	"github.com/rbright/candor/internal/ipc"
)

// Snapshot is what the shell renders.
type Snapshot struct {
	Screen        fsm.State `json:"screen"`
	Token         string    `json:"token"`
	CandidateName string    `json:"candidateName,omitempty"`
	JobTitle      string    `json:"jobTitle,omitempty"`

	QuestionIndex    int    `json:"questionIndex"`
	QuestionCount    int    `json:"questionCount"`
	QuestionID       string `json:"questionId,omitempty"`
	Prompt           string `json:"prompt,omitempty"`
	Answer           string `json:"answer"`
	RemainingSeconds int    `json:"remainingSeconds"`
	TimerMode        string `json:"timerMode,omitempty"`
	Untimed          bool   `json:"untimed,omitempty"`
	Closing          bool   `json:"closing"`

	Recording     bool   `json:"recording"`
	Transcription bool   `json:"transcription"`
	Listening     bool   `json:"listening"`
	Device        string `json:"device,omitempty"`
	Message       string `json:"message,omitempty"`

	Consent    *backend.ConsentTemplate    `json:"consent,omitempty"`
	SaveStates map[string]answer.SaveState `json:"saveStates,omitempty"`
	UpdatedAt  time.Time                   `json:"updatedAt"`
}

// Publisher receives every snapshot. Publish must not block.
type Publisher interface {
	Publish(Snapshot)
}

// Snapshot returns the latest published snapshot.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.latest
	s.SaveStates = maps.Clone(c.latest.SaveStates)
	return s
}

// SaveStateChanged records a commit pipeline state change and republishes.
// It is safe to call from any goroutine.
func (c *Controller) SaveStateChanged(questionID string, state answer.SaveState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveStates[questionID] = state
	c.latest.SaveStates = maps.Clone(c.saveStates)
	c.latest.UpdatedAt = c.opts.Now()
	if c.opts.Publisher != nil {
		c.opts.Publisher.Publish(c.latest)
	}
}

func (c *Controller) setSaveState(questionID string, state answer.SaveState) {
	c.mu.Lock()
	c.saveStates[questionID] = state
	c.mu.Unlock()
}

// publish builds a snapshot from loop-owned state.
func (c *Controller) publish() {
	s := Snapshot{
		Screen:        c.screen,
		Token:         c.opts.Token,
		CandidateName: c.sess.CandidateName,
		JobTitle:      c.sess.JobTitle,
		QuestionIndex: c.index,
		QuestionCount: len(c.sess.Questions),
		Closing:       c.closing,
		Message:       c.message,
	}
	if c.screen == fsm.StateAgreement {
		s.Consent = c.sess.Consent
	}
	if c.draft != nil {
		s.QuestionID = c.draft.QuestionID
		s.Answer = c.draft.Text()
	}
	if c.screen == fsm.StateInterview && c.index < len(c.sess.Questions) {
		s.Prompt = c.sess.Questions[c.index].Prompt
	}
	if c.engine != nil {
		s.RemainingSeconds = c.engine.Remaining()
		s.TimerMode = c.engine.Mode().String()
		s.Untimed = c.engine.Untimed()
	}
	if c.media != nil {
		s.Recording = c.media.Supported()
	} else {
		s.Recording = c.report.Recording
	}
	if c.speech != nil {
		s.Transcription = c.speech.Supported()
		s.Listening = c.speech.Listening()
	} else {
		s.Transcription = c.voiceAllowed()
	}
	if c.live != nil {
		s.Device = c.live.Device()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s.SaveStates = maps.Clone(c.saveStates)
	s.UpdatedAt = c.opts.Now()
	c.latest = s
	if c.opts.Publisher != nil {
		c.opts.Publisher.Publish(s)
	}
}

func (c *Controller) statusResponse() ipc.Response {
	snap := c.Snapshot()
	detail, err := json.Marshal(snap)
	if err != nil {
		return ipc.Response{OK: false, State: string(snap.Screen), Error: err.Error()}
	}
	return ipc.Response{OK: true, State: string(snap.Screen), Message: "status", Detail: detail}
}
