package session

import (
	"context"
	"errors"

	"github.com/rbright/candor/internal/answer"
	"github.com/rbright/candor/internal/audio"
	"github.com/rbright/candor/internal/backend"
	"github.com/rbright/candor/internal/commit"
	"github.com/rbright/candor/internal/countdown"
	"github.com/rbright/candor/internal/fsm"
	"github.com/rbright/candor/internal/media"
	"github.com/rbright/candor/internal/speech"
)

const (
	triggerNext     = "next"
	triggerComplete = "complete"
	triggerTimer    = "question-timer"
	triggerGlobal   = "global-timer"
)

// openCamera starts the shared stream off the loop; the result comes back as a cameraResult.
func (c *Controller) openCamera(ctx context.Context) {
	if !c.needsStream() || c.opts.Devices == nil {
		c.onCamera(ctx, cameraResult{})
		return
	}
	c.opening = true
	c.message = ""
	go func() {
		live, err := c.opts.Devices.Open(ctx)
		if err != nil {
			c.post(cameraResult{err: err})
			return
		}
		c.post(cameraResult{live: live})
	}()
}

func (c *Controller) onCamera(ctx context.Context, res cameraResult) {
	c.opening = false
	if c.screen != fsm.StateCameraTest {
		if res.live != nil {
			_ = res.live.Close()
		}
		return
	}

	switch {
	case errors.Is(res.err, audio.ErrPermission):
		c.message = "Microphone access was denied. Allow access and retry the camera setup."
		c.logWarn("camera setup blocked", res.err)
		c.opts.Cues.Error(ctx, c.message)
		return
	case res.err != nil:
		c.logWarn("capture unavailable; continuing text-only", res.err)
		c.report.Recording = false
		c.report.Transcription = false
	default:
		if c.live != nil {
			_ = c.live.Close()
		}
		c.live = res.live
	}
	c.message = ""

	if c.sess.NeedsConsent() {
		c.transition(fsm.EventCameraReady)
		return
	}
	c.startInterview(ctx)
}

// startInterview leaves camera-test or agreement for the first question.
func (c *Controller) startInterview(ctx context.Context) {
	if !c.transition(fsm.EventStart) {
		return
	}
	if c.sess.Status == backend.StatusPending {
		c.background(ctx, backend.OpStart, func(callCtx context.Context) error {
			return c.opts.Backend.StartSession(callCtx, c.opts.Token)
		})
		c.sess.Status = backend.StatusInProgress
		started := c.opts.Now()
		c.sess.StartedAt = &started
	}
	c.enterInterview(ctx, 0, 0)
}

// enterInterview builds the per-session channels and timer and opens question index.
func (c *Controller) enterInterview(ctx context.Context, index int, elapsed int) {
	var recorder media.Recorder
	var recognizer speech.Recognizer
	if c.live != nil {
		if c.report.Recording {
			recorder = c.live.Recorder()
		}
		if c.voiceAllowed() {
			recognizer = c.live.Recognizer(c.sess.Language)
		}
	}

	c.media = media.NewChannel(c.logger, recorder, media.Options{
		Preferences: c.opts.RecordingFormats,
		StopTimeout: c.opts.StopTimeout,
	})
	c.speech = speech.New(c.logger, recognizer, c.voiceAllowed(), speech.Options{
		RestartDelay: c.opts.RestartDelay,
		Sink: func(sinkCtx context.Context, t speech.Transcript) {
			select {
			case c.transcripts <- t:
				return
			default:
			}
			select {
			case c.transcripts <- t:
			case <-sinkCtx.Done():
			}
		},
		OnUnsupported: func(err error) {
			select {
			case c.unsupported <- err:
			default:
			}
		},
		OnRestart: func() {
			if c.opts.Metrics != nil {
				c.opts.Metrics.SpeechRestarts.Inc()
			}
		},
	})

	c.engine = countdown.New(c.timerMode(elapsed))
	c.reportVoice(c.speech.Supported())

	if index >= len(c.sess.Questions) {
		// Every answer is already stored; only completion is left.
		c.transition(fsm.EventFinish)
		c.finish(ctx)
		return
	}
	c.enterQuestion(ctx, index)
	if c.opts.ListenOnStart && c.speech.Supported() {
		if err := c.speech.Start(ctx); err != nil {
			c.logWarn("speech start failed", err)
		}
	}
}

func (c *Controller) timerMode(elapsed int) countdown.Mode {
	if c.sess.GlobalTimer && c.sess.GlobalDurationSeconds > 0 {
		return countdown.Global{TotalSeconds: c.sess.GlobalDurationSeconds, ElapsedSeconds: elapsed}
	}
	return countdown.PerQuestion{DefaultSeconds: c.sess.DefaultQuestionSeconds}
}

// enterQuestion makes index current: fresh draft, fresh recording window, timer reset.
func (c *Controller) enterQuestion(ctx context.Context, index int) {
	c.index = index
	q := c.sess.Questions[index]
	c.draft = answer.NewDraft(q.ID)
	c.setSaveState(q.ID, answer.StateUnsaved)

	if err := c.media.Enter(ctx, q.ID); err != nil {
		c.reportRecordingLost()
	}
	c.engine.EnterQuestion(q.TimeLimitSeconds, c.isLast())
	c.opts.Cues.QuestionStarted(ctx, index, len(c.sess.Questions))
	c.logInfo("question opened",
		"question_id", q.ID,
		"index", index,
		"remaining_seconds", c.engine.Remaining(),
		"recording", c.media.Supported(),
	)
}

func (c *Controller) isLast() bool {
	return c.index == len(c.sess.Questions)-1
}

// closeQuestion finalizes the current question. Speech is fully stopped before text and chunks
// are snapshotted; the recorder's stop is awaited off the loop.
func (c *Controller) closeQuestion(ctx context.Context, trigger string, complete bool) bool {
	if c.closing || c.screen != fsm.StateInterview || c.draft == nil {
		return false
	}
	c.closing = true

	gen := c.speech.Generation()
	c.speech.Suspend()
	c.drainTranscripts(gen)

	closing := c.media.Close()
	text := c.draft.Text()
	qid := c.draft.QuestionID
	c.draft = nil
	if c.opts.Metrics != nil {
		c.opts.Metrics.QuestionsClosed.WithLabelValues(trigger).Inc()
	}
	c.logInfo("question closed", "question_id", qid, "trigger", trigger, "text_chars", len(text))

	go func() {
		var artifact *media.Artifact
		if closing != nil {
			artifact = closing.Wait(ctx)
		}
		c.post(closeDone{questionID: qid, text: text, trigger: trigger, artifact: artifact, complete: complete})
	}()

	if complete {
		c.transition(fsm.EventFinish)
		c.speech.Close()
		return true
	}
	c.enterQuestion(ctx, c.index+1)
	c.speech.Resume(ctx)
	return true
}

// drainTranscripts applies results the suspended run already delivered.
func (c *Controller) drainTranscripts(gen uint64) {
	for {
		select {
		case t := <-c.transcripts:
			if t.Generation == gen {
				c.appendTranscript(t.Text)
			}
		default:
			return
		}
	}
}

func (c *Controller) onCloseDone(ctx context.Context, done closeDone) {
	handoff := commit.Handoff{
		Token:      c.opts.Token,
		QuestionID: done.questionID,
		Text:       done.text,
		Artifact:   done.artifact,
		Trigger:    done.trigger,
	}
	if err := c.opts.Commit.Submit(handoff); err != nil {
		c.logWarn("answer handoff rejected", err, "question_id", done.questionID)
	} else {
		c.submitted++
	}
	c.closing = false

	if done.complete {
		c.finish(ctx)
		return
	}

	pending := c.pending
	c.pending = countdown.ExpiryNone
	switch pending {
	case countdown.ExpiryAdvance:
		c.closeQuestion(ctx, triggerTimer, false)
	case countdown.ExpiryComplete:
		c.closeQuestion(ctx, triggerGlobal, true)
	}
}

// finish waits for every handoff to settle, then marks the session complete. Completion is
// reached visually whatever the backend answers.
func (c *Controller) finish(ctx context.Context) {
	c.engine = nil
	go func() {
		if err := c.opts.Commit.Drain(ctx); err != nil {
			c.logWarn("answer drain interrupted", err)
		}
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
		defer cancel()
		if err := c.opts.Backend.CompleteSession(callCtx, c.opts.Token); err != nil {
			c.opts.Metrics.ObserveBackendError(backend.OpComplete)
			c.logWarn("complete session failed", err)
		}
		c.post(finished{})
	}()
}

func (c *Controller) tick(ctx context.Context) {
	if c.screen != fsm.StateInterview || c.engine == nil {
		return
	}
	expiry := c.engine.Tick()
	if c.opts.Metrics != nil {
		c.opts.Metrics.RemainingSeconds.Set(float64(c.engine.Remaining()))
	}
	if expiry == countdown.ExpiryNone {
		return
	}
	c.opts.Cues.TimeExpired(ctx)
	c.logInfo("timer expired", "expiry", expiry.String(), "question_index", c.index)

	if c.closing {
		if expiry > c.pending {
			c.pending = expiry
		}
		return
	}
	switch expiry {
	case countdown.ExpiryAdvance:
		c.closeQuestion(ctx, triggerTimer, false)
	case countdown.ExpiryComplete:
		c.closeQuestion(ctx, triggerGlobal, true)
	}
}

func (c *Controller) applyTranscript(t speech.Transcript) {
	if c.screen != fsm.StateInterview || c.draft == nil || c.speech == nil {
		return
	}
	if t.Generation != c.speech.Generation() {
		return
	}
	c.appendTranscript(t.Text)
}

func (c *Controller) appendTranscript(text string) {
	if c.draft == nil {
		return
	}
	c.draft.Append(text)
	if c.opts.Metrics != nil {
		c.opts.Metrics.SpeechSegments.Inc()
	}
}

func (c *Controller) onSpeechUnsupported(ctx context.Context, err error) {
	c.logWarn("transcription unavailable for the rest of the session", err)
	c.report.Transcription = false
	c.reportVoice(false)
}

// reportVoice tells the backend whether voice answers work, once per value, and only for
// sessions that asked for voice answers.
func (c *Controller) reportVoice(supported bool) {
	if !c.sess.VoiceResponseEnabled {
		return
	}
	if c.voiceReported != nil && *c.voiceReported == supported {
		return
	}
	c.voiceReported = &supported
	select {
	case c.voiceReports <- supported:
	default:
		c.logWarn("voice support report dropped", nil, "supported", supported)
	}
}

func (c *Controller) reportRecordingLost() {
	c.report.Recording = false
}
