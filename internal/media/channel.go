// Package media segments the shared live capture stream into one artifact per question window.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultStopTimeout bounds how long closing a question waits for the recorder's stop event.
const DefaultStopTimeout = 1500 * time.Millisecond

// Recorder starts recording segments against the shared live stream.
type Recorder interface {
	Formats() []Format
	StartSegment(ctx context.Context, format Format) (Segment, error)
}

// Segment is one in-flight recording. Chunks is closed once the recorder has fully stopped,
// which is the segment's stop event.
type Segment interface {
	Chunks() <-chan []byte
	RequestStop()
}

// Artifact is the finalized recording of exactly one question window.
type Artifact struct {
	QuestionID string
	MIMEType   string
	Data       []byte
	Chunks     int
	// Dropped counts chunks the segment lost before they reached the window; nonzero means
	// the recording has gaps.
	Dropped    int64
}

// dropCounter is implemented by segments that can lose chunks under backpressure.
type dropCounter interface {
	Dropped() int64
}

// Options configures a Channel.
type Options struct {
	Preferences []string
	StopTimeout time.Duration
}

// Channel owns the in-flight recorder and the per-question chunk accumulator.
type Channel struct {
	logger      *slog.Logger
	recorder    Recorder
	stopTimeout time.Duration

	mu        sync.Mutex
	format    Format
	supported bool
	reason    error
	active    *window
}

type window struct {
	questionID string
	segment    Segment
	acc        *accumulator
	done       chan struct{}
}

// accumulator collects chunks for one window. Once abandoned it drops everything it receives.
type accumulator struct {
	mu        sync.Mutex
	chunks    [][]byte
	total     int
	abandoned bool
}

func (a *accumulator) add(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned {
		return
	}
	a.chunks = append(a.chunks, chunk)
	a.total++
}

// take returns and clears the accumulated chunks.
func (a *accumulator) take() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.chunks
	a.chunks = nil
	return out
}

func (a *accumulator) abandon() {
	a.mu.Lock()
	a.abandoned = true
	a.chunks = nil
	a.mu.Unlock()
}

// NewChannel selects a recording format and returns a channel. A nil recorder or a recorder
// without a preferred format yields a channel that never records.
func NewChannel(logger *slog.Logger, recorder Recorder, opts Options) *Channel {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	c := &Channel{
		logger:      logger,
		recorder:    recorder,
		stopTimeout: opts.StopTimeout,
	}
	if recorder == nil {
		c.reason = fmt.Errorf("recorder unavailable")
		return c
	}

	format, err := SelectFormat(opts.Preferences, recorder.Formats())
	if err != nil {
		c.reason = err
		c.logWarn("recording disabled", err)
		return c
	}
	c.format = format
	c.supported = true
	return c
}

// Supported reports whether the channel still records. It only ever goes from true to false.
func (c *Channel) Supported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supported
}

// Reason explains why recording is unsupported.
func (c *Channel) Reason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Format returns the selected recording format.
func (c *Channel) Format() Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// Enter starts a new window for questionID. Any window still open is stopped and discarded.
// A recorder start failure disables recording for the rest of the session.
func (c *Channel) Enter(ctx context.Context, questionID string) error {
	c.mu.Lock()
	if !c.supported {
		c.mu.Unlock()
		return nil
	}
	previous := c.active
	c.active = nil
	format := c.format
	c.mu.Unlock()

	if previous != nil {
		previous.acc.abandon()
		previous.segment.RequestStop()
	}

	segment, err := c.recorder.StartSegment(ctx, format)
	if err != nil {
		c.mu.Lock()
		c.supported = false
		c.reason = fmt.Errorf("start recorder: %w", err)
		c.mu.Unlock()
		c.logWarn("recorder start failed; recording disabled", err)
		return err
	}

	w := &window{
		questionID: questionID,
		segment:    segment,
		acc:        &accumulator{},
		done:       make(chan struct{}),
	}
	go w.pump()

	c.mu.Lock()
	c.active = w
	c.mu.Unlock()
	return nil
}

func (w *window) pump() {
	defer close(w.done)
	for chunk := range w.segment.Chunks() {
		w.acc.add(chunk)
	}
}

// Closing is a question window whose chunks were snapshotted and whose recorder was asked to stop.
type Closing struct {
	window   *window
	snapshot [][]byte
	format   Format
	timeout  time.Duration
	logger   *slog.Logger
}

// Close snapshots the active window's chunks before returning and asks the recorder to stop.
// The snapshot happens synchronously so a following Enter can never claim these chunks.
func (c *Channel) Close() *Closing {
	c.mu.Lock()
	w := c.active
	c.active = nil
	format := c.format
	c.mu.Unlock()

	if w == nil {
		return &Closing{}
	}

	snapshot := w.acc.take()
	w.segment.RequestStop()
	return &Closing{window: w, snapshot: snapshot, format: format, timeout: c.stopTimeout, logger: c.logger}
}

// Wait resolves the artifact. Chunks that arrive before the stop event are merged with the
// snapshot. If the stop event does not land within the stop timeout, only the snapshot is used
// and later chunks are dropped.
func (cl *Closing) Wait(ctx context.Context) *Artifact {
	if cl == nil || cl.window == nil {
		return nil
	}

	chunks := cl.snapshot
	timer := time.NewTimer(cl.timeout)
	defer timer.Stop()

	select {
	case <-cl.window.done:
		chunks = append(chunks, cl.window.acc.take()...)
	case <-timer.C:
		cl.window.acc.abandon()
	case <-ctx.Done():
		cl.window.acc.abandon()
	}

	if len(chunks) == 0 {
		return nil
	}
	artifact := &Artifact{
		QuestionID: cl.window.questionID,
		MIMEType:   cl.format.MIMEType,
		Data:       cl.format.encode(chunks),
		Chunks:     len(chunks),
	}
	if counter, ok := cl.window.segment.(dropCounter); ok {
		artifact.Dropped = counter.Dropped()
	}
	if artifact.Dropped > 0 && cl.logger != nil {
		cl.logger.Warn("recording has gaps",
			"question_id", artifact.QuestionID,
			"dropped_chunks", artifact.Dropped,
		)
	}
	return artifact
}

// QuestionID returns the question this closing belongs to.
func (cl *Closing) QuestionID() string {
	if cl == nil || cl.window == nil {
		return ""
	}
	return cl.window.questionID
}

// Shutdown stops any active window without producing an artifact.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	w := c.active
	c.active = nil
	c.mu.Unlock()
	if w == nil {
		return
	}
	w.acc.abandon()
	w.segment.RequestStop()
}

func (c *Channel) logWarn(message string, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(message, "error", err.Error())
}
