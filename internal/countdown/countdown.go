// Package countdown implements the per-question and global interview timers.
package countdown

import "fmt"

// Mode selects how the countdown behaves across question changes. It is fixed for a session.
type Mode interface {
	isMode()
	String() string
}

// PerQuestion resets the countdown every time a question becomes current.
type PerQuestion struct {
	DefaultSeconds int
}

// Global counts down once across the whole interview.
type Global struct {
	TotalSeconds   int
	ElapsedSeconds int
}

func (PerQuestion) isMode() {}
func (Global) isMode()      {}

func (m PerQuestion) String() string { return "per-question" }
func (m Global) String() string      { return "global" }

// Expiry is the action a tick asks the session to perform.
type Expiry int

const (
	ExpiryNone Expiry = iota
	// ExpiryAdvance closes the current question and moves to the next one.
	ExpiryAdvance
	// ExpiryComplete closes the current question and completes the session.
	ExpiryComplete
)

func (e Expiry) String() string {
	switch e {
	case ExpiryNone:
		return "none"
	case ExpiryAdvance:
		return "advance"
	case ExpiryComplete:
		return "complete"
	default:
		return fmt.Sprintf("expiry(%d)", int(e))
	}
}

// Engine holds the seconds remaining for the active mode. It is not safe for concurrent use;
// the session loop owns it.
type Engine struct {
	mode      Mode
	remaining int
	final     bool
	fired     bool
	untimed   bool
}

// New builds an engine for mode. A Global mode starts at TotalSeconds-ElapsedSeconds clamped to zero.
func New(mode Mode) *Engine {
	e := &Engine{mode: mode}
	if g, ok := mode.(Global); ok {
		e.remaining = clamp(g.TotalSeconds - g.ElapsedSeconds)
	}
	return e
}

// Mode returns the session's timer mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Remaining returns the seconds left on the displayed countdown.
func (e *Engine) Remaining() int {
	return e.remaining
}

// EnterQuestion notifies the engine that a new question became current.
// Only per-question mode resets; limitSeconds <= 0 falls back to the mode default.
func (e *Engine) EnterQuestion(limitSeconds int, final bool) {
	pq, ok := e.mode.(PerQuestion)
	if !ok {
		return
	}
	if limitSeconds <= 0 {
		limitSeconds = pq.DefaultSeconds
	}
	e.remaining = clamp(limitSeconds)
	e.final = final
	e.fired = false
	e.untimed = e.remaining == 0
}

// Untimed reports a per-question countdown with no limit for the current question.
func (e *Engine) Untimed() bool {
	return e.untimed
}

// Tick advances the countdown by one second and reports the expiry action, at most once per
// question (per-question mode) or once per session (global mode).
func (e *Engine) Tick() Expiry {
	if e.fired || e.untimed {
		return ExpiryNone
	}
	if e.remaining > 0 {
		e.remaining--
	}
	if e.remaining > 0 {
		return ExpiryNone
	}

	switch e.mode.(type) {
	case Global:
		e.fired = true
		return ExpiryComplete
	case PerQuestion:
		if e.final {
			// The candidate completes the last question explicitly.
			return ExpiryNone
		}
		e.fired = true
		return ExpiryAdvance
	default:
		return ExpiryNone
	}
}

func clamp(seconds int) int {
	if seconds < 0 {
		return 0
	}
	return seconds
}
