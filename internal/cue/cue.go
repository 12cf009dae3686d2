// Package cue shows candidate notifications and plays short audio cues at session milestones.
package cue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/candor/internal/config"
)

// Notifier is the session-facing cue contract.
type Notifier interface {
	QuestionStarted(ctx context.Context, index int, total int)
	TimeExpired(ctx context.Context)
	Completed(ctx context.Context)
	Error(ctx context.Context, text string)
	Dismiss(ctx context.Context)
}

// Nop ignores every cue.
type Nop struct{}

func (Nop) QuestionStarted(context.Context, int, int) {}
func (Nop) TimeExpired(context.Context)               {}
func (Nop) Completed(context.Context)                 {}
func (Nop) Error(context.Context, string)             {}
func (Nop) Dismiss(context.Context)                   {}

// Desktop routes notifications over the freedesktop DBus interface and plays synthesized cues.
type Desktop struct {
	cfg    config.CueConfig
	logger *slog.Logger

	mu             sync.Mutex
	notificationID uint32
	soundMu        sync.Mutex
	play           func(ctx context.Context, kind cueKind) error
}

// New returns the configured notifier. A disabled config or backend "none" yields Nop.
func New(cfg config.CueConfig, logger *slog.Logger) Notifier {
	if !cfg.Enable {
		return Nop{}
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Backend), "none") && !cfg.SoundEnable {
		return Nop{}
	}
	return &Desktop{cfg: cfg, logger: logger, play: emitCue}
}

// QuestionStarted announces question index (0-based) of total.
func (d *Desktop) QuestionStarted(ctx context.Context, index int, total int) {
	d.playCue(cueQuestion)
	d.show(ctx, questionText(d.cfg.TextQuestion, index+1, total), 4000)
}

// TimeExpired announces that a countdown ran out.
func (d *Desktop) TimeExpired(ctx context.Context) {
	d.playCue(cueExpired)
	d.show(ctx, d.cfg.TextExpired, 2500)
}

// Completed announces that the interview was submitted.
func (d *Desktop) Completed(ctx context.Context) {
	d.playCue(cueComplete)
	d.show(ctx, d.cfg.TextComplete, 5000)
}

// Error shows a short error notice. Empty text uses the configured default.
func (d *Desktop) Error(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		text = d.cfg.TextError
	}
	timeout := d.cfg.ErrorTimeoutMS
	if timeout <= 0 {
		timeout = 1200
	}
	d.playCue(cueError)
	d.show(ctx, text, timeout)
}

// Dismiss closes the current notification.
func (d *Desktop) Dismiss(ctx context.Context) {
	if !d.notifications() {
		return
	}
	d.mu.Lock()
	id := d.notificationID
	d.notificationID = 0
	d.mu.Unlock()
	if id == 0 {
		return
	}
	d.run(ctx, func(ctx context.Context) error { return desktopDismiss(ctx, id) })
}

func (d *Desktop) notifications() bool {
	return strings.EqualFold(strings.TrimSpace(d.cfg.Backend), "desktop")
}

// show sends a replaceable desktop notification.
func (d *Desktop) show(ctx context.Context, text string, timeoutMS int) {
	if !d.notifications() || strings.TrimSpace(text) == "" {
		return
	}
	appName := strings.TrimSpace(d.cfg.DesktopAppName)
	if appName == "" {
		appName = "candor"
	}
	d.run(ctx, func(ctx context.Context) error {
		d.mu.Lock()
		replaceID := d.notificationID
		d.mu.Unlock()

		id, err := desktopNotify(ctx, appName, replaceID, text, timeoutMS)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.notificationID = id
		d.mu.Unlock()
		return nil
	})
}

// run executes a notification call with a bounded timeout.
func (d *Desktop) run(ctx context.Context, fn func(context.Context) error) {
	runCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	if err := fn(runCtx); err != nil {
		d.log("cue dispatch failed", err)
	}
}

// playCue serializes cue playback and emits audio asynchronously.
func (d *Desktop) playCue(kind cueKind) {
	if !d.cfg.SoundEnable || d.play == nil {
		return
	}
	go func() {
		d.soundMu.Lock()
		defer d.soundMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := d.play(ctx, kind); err != nil {
			d.log("audio cue failed", err)
		}
	}()
}

func (d *Desktop) log(message string, err error) {
	if d.logger == nil || err == nil {
		return
	}
	d.logger.Debug(message, "error", err.Error())
}

// questionText renders the question banner. A template without verbs is used as-is.
func questionText(template string, number int, total int) string {
	template = strings.TrimSpace(template)
	if template == "" {
		template = "Question %d of %d"
	}
	switch strings.Count(template, "%d") {
	case 0:
		return template
	case 1:
		return fmt.Sprintf(template, number)
	default:
		return fmt.Sprintf(template, number, total)
	}
}
