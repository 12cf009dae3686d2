// Package session runs one candidate interview: screens, question windows, timers and answer handoffs.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rbright/candor/internal/answer"
	"github.com/rbright/candor/internal/backend"
	"github.com/rbright/candor/internal/capability"
	"github.com/rbright/candor/internal/commit"
	"github.com/rbright/candor/internal/countdown"
	"github.com/rbright/candor/internal/cue"
	"github.com/rbright/candor/internal/fsm"
	"github.com/rbright/candor/internal/ipc"
	"github.com/rbright/candor/internal/media"
	"github.com/rbright/candor/internal/observability"
	"github.com/rbright/candor/internal/speech"
)

// ErrNotRunning is returned for commands sent while no Run loop is active.
var ErrNotRunning = errors.New("interview session is not running")

const (
	// DefaultTick is one countdown second.
	DefaultTick = time.Second
	// DefaultCallTimeout bounds fetch, start, consent, voice-report and complete calls.
	DefaultCallTimeout = 15 * time.Second

	transcriptBuffer = 64
)

// Result is the complete output of one Run invocation.
type Result struct {
	State        fsm.State
	Token        string
	RunID        string
	Err          error
	Submitted    int
	Capabilities capability.Report
	AudioDevice  string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Backend is the part of the backend the controller calls itself. Answers go through the
// commit pipeline instead.
type Backend interface {
	FetchSession(ctx context.Context, token string) (backend.Session, error)
	StartSession(ctx context.Context, token string) error
	AcceptConsent(ctx context.Context, token string) error
	CompleteSession(ctx context.Context, token string) error
	ReportVoiceSupport(ctx context.Context, token string, supported bool) error
}

// Live is an opened shared capture stream.
type Live interface {
	Device() string
	Recorder() media.Recorder
	Recognizer(language string) speech.Recognizer
	Close() error
}

// Devices opens the shared capture stream for the camera test.
type Devices interface {
	Open(ctx context.Context) (Live, error)
}

// DevicesFunc adapts a function to Devices.
type DevicesFunc func(ctx context.Context) (Live, error)

func (f DevicesFunc) Open(ctx context.Context) (Live, error) { return f(ctx) }

// Committer receives finalized answers.
type Committer interface {
	Submit(h commit.Handoff) error
	Drain(ctx context.Context) error
}

// RunJournal records run boundaries.
type RunJournal interface {
	BeginRun(ctx context.Context, token string, runID string) error
	FinishRun(ctx context.Context, token string, outcome string) error
}

// Options wires collaborators and timing. Backend and Commit are required.
type Options struct {
	Token     string
	Backend   Backend
	Devices   Devices
	Commit    Committer
	Probe     func(ctx context.Context) capability.Report
	Cues      cue.Notifier
	Publisher Publisher
	Metrics   *observability.Metrics
	Journal   RunJournal

	RecordingFormats []string
	StopTimeout      time.Duration
	RestartDelay     time.Duration
	// ListenOnStart turns recognition on when the first question opens.
	ListenOnStart bool
	Tick          time.Duration
	CallTimeout   time.Duration
	Now           func() time.Time
}

type command struct {
	req   ipc.Request
	reply chan ipc.Response
}

type cameraResult struct {
	live Live
	err  error
}

type closeDone struct {
	questionID string
	text       string
	trigger    string
	artifact   *media.Artifact
	complete   bool
}

type finished struct{}

// Controller orchestrates one interview session. Loop-owned fields are only touched by Run.
type Controller struct {
	logger *slog.Logger
	opts   Options

	commands     chan command
	events       chan any
	transcripts  chan speech.Transcript
	unsupported  chan error
	voiceReports chan bool
	done         chan struct{}
	// ticks replaces the interval ticker when set.
	ticks <-chan time.Time

	mu         sync.Mutex
	latest     Snapshot
	saveStates map[string]answer.SaveState

	screen        fsm.State
	sess          backend.Session
	report        capability.Report
	live          Live
	media         *media.Channel
	speech        *speech.Channel
	engine        *countdown.Engine
	index         int
	draft         *answer.Draft
	closing       bool
	pending       countdown.Expiry
	opening       bool
	message       string
	voiceReported *bool
	submitted     int
	runErr        error
}

// NewController builds a controller with safe defaults for optional collaborators.
func NewController(logger *slog.Logger, opts Options) *Controller {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cues == nil {
		opts.Cues = cue.Nop{}
	}
	if opts.Probe == nil {
		opts.Probe = func(context.Context) capability.Report { return capability.Report{} }
	}
	c := &Controller{
		logger:       logger,
		opts:         opts,
		commands:     make(chan command),
		events:       make(chan any, 8),
		transcripts:  make(chan speech.Transcript, transcriptBuffer),
		unsupported:  make(chan error, 1),
		voiceReports: make(chan bool, 4),
		done:         make(chan struct{}),
		saveStates:   map[string]answer.SaveState{},
		screen:       fsm.StateLoading,
	}
	c.latest = Snapshot{Screen: fsm.StateLoading, Token: opts.Token}
	return c
}

// Run executes the session from loading to a terminal screen or until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) Result {
	defer close(c.done)

	result := Result{
		Token:     c.opts.Token,
		RunID:     uuid.NewString(),
		StartedAt: c.opts.Now(),
	}
	c.beginRun(ctx, result.RunID)
	go c.reportVoiceLoop(ctx)

	c.load(ctx)
	c.publish()
	if !c.screen.Terminal() {
		c.loop(ctx)
	}
	c.teardown()

	result.State = c.screen
	result.Err = c.runErr
	if result.Err == nil && ctx.Err() != nil && !c.screen.Terminal() {
		result.Err = ctx.Err()
	}
	result.Submitted = c.submitted
	result.Capabilities = c.report
	if c.live != nil {
		result.AudioDevice = c.live.Device()
	}
	result.FinishedAt = c.opts.Now()
	c.finishRun(result)
	c.publish()
	return result
}

// load fetches the session and picks the first screen.
func (c *Controller) load(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	sess, err := c.opts.Backend.FetchSession(fetchCtx, c.opts.Token)
	cancel()
	switch {
	case errors.Is(err, backend.ErrNotFound):
		c.transition(fsm.EventNotFound)
		return
	case err != nil:
		c.runErr = err
		c.opts.Metrics.ObserveBackendError(backend.OpFetchSession)
		c.logWarn("fetch session failed", err)
		c.transition(fsm.EventFail)
		c.opts.Cues.Error(ctx, "")
		return
	}
	c.sess = sess

	now := c.opts.Now()
	switch {
	case sess.Expired(now):
		c.transition(fsm.EventExpire)
		return
	case sess.Status == backend.StatusCompleted:
		c.transition(fsm.EventAlreadyCompleted)
		return
	}

	c.report = c.opts.Probe(ctx)
	c.logInfo("capabilities probed",
		"recording", c.report.Recording,
		"transcription", c.report.Transcription,
		"voice_enabled", sess.VoiceResponseEnabled,
	)

	if sess.Status == backend.StatusInProgress {
		c.transition(fsm.EventResume)
		c.resume(ctx)
		return
	}
	c.transition(fsm.EventLoaded)
}

// resume re-enters the interview on the first unanswered question without start or consent calls.
func (c *Controller) resume(ctx context.Context) {
	if c.needsStream() && c.opts.Devices != nil {
		live, err := c.opts.Devices.Open(ctx)
		if err != nil {
			c.logWarn("capture unavailable on resume; continuing text-only", err)
			c.message = err.Error()
		} else {
			c.live = live
		}
	}
	elapsed := c.sess.GlobalElapsedSeconds(c.opts.Now())
	c.enterInterview(ctx, c.sess.FirstUnanswered(), elapsed)
}

func (c *Controller) loop(ctx context.Context) {
	ticks := c.ticks
	if ticks == nil {
		ticker := time.NewTicker(c.opts.Tick)
		defer ticker.Stop()
		ticks = ticker.C
	}

	var reply func()

	for {
		select {
		case <-ctx.Done():
			c.logInfo("session run cancelled", "screen", string(c.screen))
			return
		case cmd := <-c.commands:
			resp := c.dispatch(ctx, cmd.req)
			reply = func() { cmd.reply <- resp }
		case t := <-c.transcripts:
			c.applyTranscript(t)
		case err := <-c.unsupported:
			c.onSpeechUnsupported(ctx, err)
		case <-ticks:
			c.tick(ctx)
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		}
		c.publish()
		if reply != nil {
			reply()
			reply = nil
		}
		if c.screen.Terminal() {
			return
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case cameraResult:
		c.onCamera(ctx, ev)
	case closeDone:
		c.onCloseDone(ctx, ev)
	case finished:
		c.transition(fsm.EventSaved)
		c.opts.Cues.Completed(ctx)
	}
}

// post delivers an event from a helper goroutine unless the loop has exited.
func (c *Controller) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) transition(event fsm.Event) bool {
	next, err := fsm.Transition(c.screen, event)
	if err != nil {
		c.logWarn("screen transition rejected", err)
		return false
	}
	c.logInfo("screen transition", "from", string(c.screen), "event", string(event), "to", string(next))
	c.screen = next
	if c.opts.Metrics != nil {
		c.opts.Metrics.ScreenTransitions.WithLabelValues(string(next)).Inc()
	}
	return true
}

// needsStream reports whether any capability needs the shared capture stream.
func (c *Controller) needsStream() bool {
	return c.report.Recording || c.voiceAllowed()
}

func (c *Controller) voiceAllowed() bool {
	return c.report.Transcription && c.sess.VoiceResponseEnabled
}

func (c *Controller) teardown() {
	if c.speech != nil {
		c.speech.Close()
	}
	if c.media != nil {
		c.media.Shutdown()
	}
	if c.live != nil {
		_ = c.live.Close()
	}
	if !c.screen.Terminal() {
		dismissCtx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
		defer cancel()
		c.opts.Cues.Dismiss(dismissCtx)
	}
}

// background runs a best-effort backend call off the loop. Failures are logged only.
func (c *Controller) background(ctx context.Context, operation string, call func(context.Context) error) {
	go func() {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
		defer cancel()
		if err := call(callCtx); err != nil {
			c.opts.Metrics.ObserveBackendError(operation)
			c.logWarn("backend call failed", err, "operation", operation)
		}
	}()
}

// reportVoiceLoop sends voice-support reports one at a time so the backend keeps the latest.
func (c *Controller) reportVoiceLoop(ctx context.Context) {
	for {
		select {
		case supported := <-c.voiceReports:
			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
			err := c.opts.Backend.ReportVoiceSupport(callCtx, c.opts.Token, supported)
			cancel()
			if err != nil {
				c.opts.Metrics.ObserveBackendError(backend.OpVoice)
				c.logWarn("backend call failed", err, "operation", backend.OpVoice)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Controller) beginRun(ctx context.Context, runID string) {
	if c.opts.Journal == nil {
		return
	}
	if err := c.opts.Journal.BeginRun(ctx, c.opts.Token, runID); err != nil {
		c.logWarn("journal run start failed", err)
	}
}

func (c *Controller) finishRun(result Result) {
	if c.opts.Journal == nil {
		return
	}
	outcome := string(result.State)
	if result.Err != nil && !result.State.Terminal() {
		outcome = "cancelled"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.opts.Journal.FinishRun(ctx, c.opts.Token, outcome); err != nil {
		c.logWarn("journal run finish failed", err)
	}
}

func (c *Controller) logInfo(message string, fields ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(message, fields...)
}

func (c *Controller) logWarn(message string, err error, fields ...any) {
	if c.logger == nil {
		return
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}
	c.logger.Warn(message, fields...)
}
