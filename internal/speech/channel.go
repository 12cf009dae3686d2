// Package speech runs continuous speech recognition into the current answer.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrPermissionDenied marks a recognizer refusal that must not be retried.
	ErrPermissionDenied = errors.New("speech recognition permission denied")
	// ErrUnsupported is returned when starting a channel that cannot transcribe.
	ErrUnsupported = errors.New("speech recognition unsupported")
)

// DefaultRestartDelay separates an unexpected end of recognition from the automatic restart.
const DefaultRestartDelay = 250 * time.Millisecond

// Result is one recognition hypothesis.
type Result struct {
	Text  string
	Final bool
}

// Recognizer opens recognition sessions against the shared live stream.
type Recognizer interface {
	Open(ctx context.Context) (Recognition, error)
}

// Recognition is one open recognition session. Results is closed when the session ends and
// Err then reports why.
type Recognition interface {
	Results() <-chan Result
	Err() error
	Close() error
}

// Transcript is a finalized result tagged with the listening generation that produced it.
type Transcript struct {
	Generation uint64
	Text       string
}

// Options wires callbacks and timing.
type Options struct {
	RestartDelay time.Duration
	// Sink receives finalized text. It must return when ctx is done.
	Sink func(ctx context.Context, t Transcript)
	// OnUnsupported fires once when the channel permanently downgrades.
	OnUnsupported func(err error)
	// OnRestart fires for every automatic restart.
	OnRestart func()
}

// Channel toggles continuous recognition on and off and restarts it after unexpected ends.
type Channel struct {
	logger     *slog.Logger
	recognizer Recognizer
	opts       Options

	mu         sync.Mutex
	supported  bool
	wanted     bool
	suspended  bool
	generation uint64
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	downgraded bool
}

// New returns a channel. enabled combines the capability report with the session's
// voice-response flag; a disabled channel or a nil recognizer is unsupported.
func New(logger *slog.Logger, recognizer Recognizer, enabled bool, opts Options) *Channel {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.Sink == nil {
		opts.Sink = func(context.Context, Transcript) {}
	}
	return &Channel{
		logger:     logger,
		recognizer: recognizer,
		opts:       opts,
		supported:  enabled && recognizer != nil,
	}
}

// Supported reports whether transcription can still run this session.
func (c *Channel) Supported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supported
}

// Listening reports whether recognition is toggled on and not suspended.
func (c *Channel) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supported && c.wanted && !c.suspended
}

// Wanted reports the user's toggle.
func (c *Channel) Wanted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wanted
}

// Generation identifies the current listening run; transcripts from older runs are stale.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Start toggles recognition on.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.supported {
		c.mu.Unlock()
		return ErrUnsupported
	}
	c.wanted = true
	c.mu.Unlock()
	c.launch(ctx)
	return nil
}

// Stop toggles recognition off and waits until it has fully stopped.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.wanted = false
	c.mu.Unlock()
	c.halt()
}

// Toggle flips recognition and returns the new toggle state.
func (c *Channel) Toggle(ctx context.Context) (bool, error) {
	if c.Wanted() {
		c.Stop()
		return false, nil
	}
	if err := c.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Suspend stops recognition without changing the toggle. It returns once no further
// transcript can be produced by the suspended run.
func (c *Channel) Suspend() {
	c.mu.Lock()
	c.suspended = true
	c.mu.Unlock()
	c.halt()
}

// Resume restarts recognition after Suspend when the toggle is still on.
func (c *Channel) Resume(ctx context.Context) {
	c.mu.Lock()
	c.suspended = false
	c.mu.Unlock()
	c.launch(ctx)
}

// Close stops recognition for good.
func (c *Channel) Close() {
	c.mu.Lock()
	c.wanted = false
	c.suspended = true
	c.mu.Unlock()
	c.halt()
}

func (c *Channel) launch(parent context.Context) {
	c.mu.Lock()
	if !c.supported || !c.wanted || c.suspended || c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	gen := c.generation
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, gen)
}

func (c *Channel) halt() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.generation++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Channel) run(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	first := true
	for {
		if !first {
			if c.opts.OnRestart != nil {
				c.opts.OnRestart()
			}
		}
		first = false

		err := c.listen(ctx, gen)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrPermissionDenied) {
			c.downgrade(err)
			return
		}
		c.logDebug("recognition ended; restarting", err)

		timer := time.NewTimer(c.opts.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// listen runs one recognition session until it ends or ctx is cancelled.
func (c *Channel) listen(ctx context.Context, gen uint64) error {
	recognition, err := c.recognizer.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = recognition.Close() }()

	results := recognition.Results()
	for {
		select {
		case <-ctx.Done():
			c.flush(ctx, gen, results)
			return ctx.Err()
		case result, ok := <-results:
			if !ok {
				return recognition.Err()
			}
			c.emit(ctx, gen, result)
		}
	}
}

// flush hands on finals the recognizer had already delivered when the run was stopped.
func (c *Channel) flush(ctx context.Context, gen uint64, results <-chan Result) {
	for {
		select {
		case result, ok := <-results:
			if !ok {
				return
			}
			c.emit(ctx, gen, result)
		default:
			return
		}
	}
}

func (c *Channel) emit(ctx context.Context, gen uint64, result Result) {
	if !result.Final || result.Text == "" {
		return
	}
	c.opts.Sink(ctx, Transcript{Generation: gen, Text: result.Text})
}

func (c *Channel) downgrade(err error) {
	c.mu.Lock()
	c.supported = false
	c.wanted = false
	already := c.downgraded
	c.downgraded = true
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Warn("speech recognition disabled for session", "error", err.Error())
	}
	if !already && c.opts.OnUnsupported != nil {
		c.opts.OnUnsupported(err)
	}
}

func (c *Channel) logDebug(message string, err error) {
	if c.logger == nil {
		return
	}
	if err == nil {
		c.logger.Debug(message)
		return
	}
	c.logger.Debug(message, "error", err.Error())
}
