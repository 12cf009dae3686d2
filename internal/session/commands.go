package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbright/candor/internal/backend"
	"github.com/rbright/candor/internal/fsm"
	"github.com/rbright/candor/internal/ipc"
)

// Command names accepted by Handle.
const (
	CommandStatus   = "status"
	CommandBegin    = "begin"
	CommandCamera   = "camera"
	CommandAccept   = "accept"
	CommandAnswer   = "answer"
	CommandAppend   = "append"
	CommandNext     = "next"
	CommandComplete = "complete"
	CommandVoice    = "voice"
	CommandVoiceOn  = "voice-on"
	CommandVoiceOff = "voice-off"
)

// ErrClosing rejects navigation while the previous answer is still being finalized.
var ErrClosing = errors.New("previous answer is still closing")

// Handle serves one control command. Everything except status runs inside the Run loop.
func (c *Controller) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	if req.Command == CommandStatus {
		return c.statusResponse()
	}

	cmd := command{req: req, reply: make(chan ipc.Response, 1)}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return c.notRunning()
	case <-ctx.Done():
		return ipc.Response{OK: false, State: string(c.Snapshot().Screen), Error: ctx.Err().Error()}
	}

	select {
	case resp := <-cmd.reply:
		return resp
	case <-c.done:
		return c.notRunning()
	case <-ctx.Done():
		return ipc.Response{OK: false, State: string(c.Snapshot().Screen), Error: ctx.Err().Error()}
	}
}

func (c *Controller) notRunning() ipc.Response {
	return ipc.Response{OK: false, State: string(c.Snapshot().Screen), Error: ErrNotRunning.Error()}
}

func (c *Controller) dispatch(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case CommandBegin:
		if !c.transition(fsm.EventBegin) {
			return c.reject(req.Command)
		}
		c.openCamera(ctx)
		return c.ok("camera test started")
	case CommandCamera:
		if c.screen != fsm.StateCameraTest {
			return c.reject(req.Command)
		}
		if c.opening {
			return c.ok("camera setup already in progress")
		}
		c.openCamera(ctx)
		return c.ok("camera setup retried")
	case CommandAccept:
		if c.screen != fsm.StateAgreement {
			return c.reject(req.Command)
		}
		c.background(ctx, backend.OpConsent, func(callCtx context.Context) error {
			return c.opts.Backend.AcceptConsent(callCtx, c.opts.Token)
		})
		accepted := c.opts.Now()
		c.sess.ConsentAcceptedAt = &accepted
		c.startInterview(ctx)
		return c.ok("consent accepted")
	case CommandAnswer, CommandAppend:
		if c.screen != fsm.StateInterview || c.draft == nil {
			return c.reject(req.Command)
		}
		if req.Command == CommandAnswer {
			c.draft.Set(req.Text)
		} else {
			c.draft.Append(req.Text)
		}
		return c.ok("answer updated")
	case CommandNext:
		return c.navigate(ctx, req.Command, false)
	case CommandComplete:
		return c.navigate(ctx, req.Command, true)
	case CommandVoice, CommandVoiceOn, CommandVoiceOff:
		return c.voice(ctx, req.Command)
	default:
		return ipc.Response{OK: false, State: string(c.screen), Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

// navigate runs a user-triggered close. Only one close may be in flight.
func (c *Controller) navigate(ctx context.Context, name string, complete bool) ipc.Response {
	if c.screen != fsm.StateInterview {
		return c.reject(name)
	}
	if c.closing {
		return ipc.Response{OK: false, State: string(c.screen), Error: ErrClosing.Error()}
	}
	switch {
	case complete && !c.isLast():
		return ipc.Response{OK: false, State: string(c.screen), Error: "complete is only available on the last question"}
	case !complete && c.isLast():
		return ipc.Response{OK: false, State: string(c.screen), Error: "last question: use complete"}
	}

	trigger := triggerNext
	if complete {
		trigger = triggerComplete
	}
	if !c.closeQuestion(ctx, trigger, complete) {
		return c.reject(name)
	}
	if complete {
		return c.ok("saving answers")
	}
	return c.ok(fmt.Sprintf("question %d of %d", c.index+1, len(c.sess.Questions)))
}

func (c *Controller) voice(ctx context.Context, name string) ipc.Response {
	if c.screen != fsm.StateInterview || c.speech == nil {
		return c.reject(name)
	}
	if !c.speech.Supported() {
		return ipc.Response{OK: false, State: string(c.screen), Error: "voice answers are not available"}
	}

	// Turning off bumps the generation; finals already queued by this run still belong here.
	gen := c.speech.Generation()
	defer c.drainTranscripts(gen)

	var err error
	switch name {
	case CommandVoiceOn:
		err = c.speech.Start(ctx)
	case CommandVoiceOff:
		c.speech.Stop()
	default:
		_, err = c.speech.Toggle(ctx)
	}
	if err != nil {
		return ipc.Response{OK: false, State: string(c.screen), Error: err.Error()}
	}
	if c.speech.Wanted() {
		return c.ok("listening")
	}
	return c.ok("not listening")
}

func (c *Controller) ok(message string) ipc.Response {
	return ipc.Response{OK: true, State: string(c.screen), Message: message}
}

func (c *Controller) reject(command string) ipc.Response {
	return ipc.Response{OK: false, State: string(c.screen), Error: fmt.Sprintf("cannot %s from screen %s", command, c.screen)}
}
