// Package commit lands finalized answers on the backend in the background, in handoff order.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/candor/internal/answer"
	"github.com/rbright/candor/internal/backend"
	"github.com/rbright/candor/internal/journal"
	"github.com/rbright/candor/internal/media"
	"github.com/rbright/candor/internal/observability"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("commit pipeline closed")

// DefaultCallTimeout bounds each upload and save call.
const DefaultCallTimeout = 30 * time.Second

// Handoff is one finalized answer. After Submit the pipeline owns the artifact.
type Handoff struct {
	Token      string
	QuestionID string
	Text       string
	Artifact   *media.Artifact
	Trigger    string
}

// Uploader stores an artifact and returns its reference.
type Uploader interface {
	Upload(ctx context.Context, token string, artifact *media.Artifact) (string, error)
}

// Saver upserts one answer.
type Saver interface {
	Save(ctx context.Context, input backend.SaveAnswerInput) error
}

// Journal records save-state changes.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// UploadFunc adapts a function to the Uploader interface.
type UploadFunc func(context.Context, string, *media.Artifact) (string, error)

func (f UploadFunc) Upload(ctx context.Context, token string, artifact *media.Artifact) (string, error) {
	return f(ctx, token, artifact)
}

// SaveFunc adapts a function to the Saver interface.
type SaveFunc func(context.Context, backend.SaveAnswerInput) error

func (f SaveFunc) Save(ctx context.Context, input backend.SaveAnswerInput) error {
	return f(ctx, input)
}

// Backend uploads and saves through a backend client.
type Backend struct {
	Client backend.Client
}

func (b Backend) Upload(ctx context.Context, token string, artifact *media.Artifact) (string, error) {
	return b.Client.UploadVideo(ctx, token, artifact.QuestionID, artifact.MIMEType, artifact.Data)
}

func (b Backend) Save(ctx context.Context, input backend.SaveAnswerInput) error {
	return b.Client.SaveAnswer(ctx, input)
}

// Settled reports the outcome of one handoff.
type Settled struct {
	QuestionID string
	State      answer.SaveState
	VideoRef   string
	UploadErr  error
	SaveErr    error
}

// Options configures a Pipeline.
type Options struct {
	CallTimeout time.Duration
	Journal     Journal
	Metrics     *observability.Metrics
	// OnSettled is called from the worker after every handoff. It must not block.
	OnSettled func(Settled)
	// OnState is called from the worker for every save-state change. It must not block.
	OnState func(questionID string, state answer.SaveState)
}

type job struct {
	handoff  Handoff
	received time.Time
}

// Pipeline runs handoffs one at a time in submission order on a single worker.
type Pipeline struct {
	logger   *slog.Logger
	uploader Uploader
	saver    Saver
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu      sync.Mutex
	queue   []job
	pending int
	idle    chan struct{}
	closed  bool
}

// New starts a pipeline worker. A nil uploader skips uploads.
func New(logger *slog.Logger, uploader Uploader, saver Saver, opts Options) *Pipeline {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if saver == nil {
		saver = SaveFunc(func(context.Context, backend.SaveAnswerInput) error { return nil })
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	p := &Pipeline{
		logger:   logger,
		uploader: uploader,
		saver:    saver,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		idle:     idle,
	}
	go p.run()
	return p
}

// Submit queues a handoff and returns immediately.
func (p *Pipeline) Submit(h Handoff) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.pending == 0 {
		p.idle = make(chan struct{})
	}
	p.pending++
	p.queue = append(p.queue, job{handoff: h, received: time.Now()})
	p.mu.Unlock()

	p.record(h, answer.StateSaving, "", nil)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports handoffs that are queued or in flight.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Drain blocks until every handoff submitted so far has settled.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting handoffs, abandons calls still in flight and waits for the worker.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		if p.ctx.Err() != nil {
			p.abandonQueued()
			return
		}

		p.mu.Lock()
		var next *job
		if len(p.queue) > 0 {
			j := p.queue[0]
			p.queue = p.queue[1:]
			next = &j
		}
		p.mu.Unlock()

		if next == nil {
			select {
			case <-p.ctx.Done():
				p.abandonQueued()
				return
			case <-p.wake:
				continue
			}
		}

		p.process(*next)
		p.settle()
	}
}

func (p *Pipeline) settle() {
	p.mu.Lock()
	p.pending--
	if p.pending == 0 {
		close(p.idle)
	}
	p.mu.Unlock()
}

func (p *Pipeline) abandonQueued() {
	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.pending -= dropped
	if dropped > 0 && p.pending == 0 {
		close(p.idle)
	}
	p.mu.Unlock()
	if dropped > 0 && p.logger != nil {
		p.logger.Warn("commit pipeline closed with queued answers", "dropped", dropped)
	}
}

// process uploads the artifact, if any, then saves the answer. Upload failure still saves text.
func (p *Pipeline) process(j job) {
	h := j.handoff
	settled := Settled{QuestionID: h.QuestionID}

	var ref *string
	if h.Artifact != nil && len(h.Artifact.Data) > 0 && p.uploader != nil {
		uploadCtx, cancel := context.WithTimeout(p.ctx, p.opts.CallTimeout)
		videoRef, err := p.uploader.Upload(uploadCtx, h.Token, h.Artifact)
		cancel()
		videoRef = strings.TrimSpace(videoRef)
		switch {
		case err != nil:
			settled.UploadErr = err
			p.opts.Metrics.ObserveUpload("failed", len(h.Artifact.Data))
			p.opts.Metrics.ObserveBackendError("UploadVideo")
			p.logWarn("artifact upload failed; saving text only", h, err)
		case videoRef == "":
			settled.UploadErr = errors.New("upload returned an empty reference")
			p.opts.Metrics.ObserveUpload("failed", len(h.Artifact.Data))
			p.logWarn("artifact upload failed; saving text only", h, settled.UploadErr)
		default:
			ref = &videoRef
			settled.VideoRef = videoRef
			p.opts.Metrics.ObserveUpload("ok", len(h.Artifact.Data))
			p.record(h, answer.StateSaving, videoRef, nil)
		}
	}

	saveCtx, cancel := context.WithTimeout(p.ctx, p.opts.CallTimeout)
	err := p.saver.Save(saveCtx, backend.SaveAnswerInput{
		Token:      h.Token,
		QuestionID: h.QuestionID,
		Text:       h.Text,
		VideoRef:   ref,
	})
	cancel()

	outcome := "saved"
	if err != nil {
		settled.SaveErr = err
		settled.State = answer.StateFailed
		outcome = "failed"
		p.opts.Metrics.ObserveBackendError(backend.OpSaveAnswer)
		p.logWarn("answer save failed", h, err)
	} else {
		settled.State = answer.StateSaved
		if settled.UploadErr != nil {
			outcome = "text_only"
		}
		if p.logger != nil {
			p.logger.Info("answer saved",
				"question_id", h.QuestionID,
				"trigger", h.Trigger,
				"text_chars", len(h.Text),
				"video_ref", settled.VideoRef,
			)
		}
	}
	p.opts.Metrics.ObserveCommit(outcome, time.Since(j.received))
	p.record(h, settled.State, settled.VideoRef, err)

	if p.opts.OnSettled != nil {
		p.opts.OnSettled(settled)
	}
}

func (p *Pipeline) record(h Handoff, state answer.SaveState, videoRef string, err error) {
	if p.opts.OnState != nil {
		p.opts.OnState(h.QuestionID, state)
	}
	if p.opts.Journal == nil {
		return
	}
	entry := journal.Entry{
		Token:      h.Token,
		QuestionID: h.QuestionID,
		State:      state,
		VideoRef:   videoRef,
		TextLength: len(h.Text),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	// The journal outlives a cancelled pipeline; a short private deadline keeps it bounded.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if jerr := p.opts.Journal.Record(ctx, entry); jerr != nil && p.logger != nil {
		p.logger.Warn("journal write failed", "question_id", h.QuestionID, "error", jerr.Error())
	}
}

func (p *Pipeline) logWarn(message string, h Handoff, err error) {
	if p.logger == nil {
		return
	}
	p.logger.Warn(message, "question_id", h.QuestionID, "trigger", h.Trigger, "error", err.Error())
}

// String renders a settled outcome for logs and the CLI.
func (s Settled) String() string {
	switch {
	case s.SaveErr != nil:
		return fmt.Sprintf("%s: failed (%v)", s.QuestionID, s.SaveErr)
	case s.UploadErr != nil:
		return fmt.Sprintf("%s: saved without video (%v)", s.QuestionID, s.UploadErr)
	case s.VideoRef != "":
		return fmt.Sprintf("%s: saved with video %s", s.QuestionID, s.VideoRef)
	default:
		return fmt.Sprintf("%s: saved", s.QuestionID)
	}
}
