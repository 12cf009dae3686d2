// Package fsm defines the interview screen state machine.
package fsm

import "fmt"

type State string

type Event string

const (
	StateLoading    State = "loading"
	StateWelcome    State = "welcome"
	StateCameraTest State = "camera-test"
	StateAgreement  State = "agreement"
	StateInterview  State = "interview"
	StateSaving     State = "saving"
	StateCompleted  State = "completed"
	StateExpired    State = "expired"
	StateNotFound   State = "not-found"
	StateError      State = "error"
)

const (
	EventLoaded           Event = "loaded"
	EventResume           Event = "resume"
	EventExpire           Event = "expire"
	EventAlreadyCompleted Event = "already-completed"
	EventNotFound         Event = "not-found"
	EventBegin            Event = "begin"
	EventCameraReady      Event = "camera-ready"
	EventStart            Event = "start"
	EventFinish           Event = "finish"
	EventSaved            Event = "saved"
	EventFail             Event = "fail"
)

// Terminal reports whether a state ends the session run.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateNotFound, StateError:
		return true
	default:
		return false
	}
}

func Transition(current State, event Event) (State, error) {
	if event == EventFail {
		return StateError, nil
	}

	switch current {
	case StateLoading:
		switch event {
		case EventLoaded:
			return StateWelcome, nil
		case EventResume:
			return StateInterview, nil
		case EventExpire:
			return StateExpired, nil
		case EventAlreadyCompleted:
			return StateCompleted, nil
		case EventNotFound:
			return StateNotFound, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateWelcome:
		switch event {
		case EventBegin:
			return StateCameraTest, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateCameraTest:
		switch event {
		case EventCameraReady:
			return StateAgreement, nil
		case EventStart:
			return StateInterview, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateAgreement:
		switch event {
		case EventStart:
			return StateInterview, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateInterview:
		switch event {
		case EventFinish:
			return StateSaving, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateSaving:
		switch event {
		case EventSaved:
			return StateCompleted, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateCompleted, StateExpired, StateNotFound, StateError:
		return current, invalidTransition(current, event)
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
