package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	// SampleRate is the capture rate shared by recording and recognition.
	SampleRate = 16000
	// Channels is the capture channel count.
	Channels = 1

	chunkSizeBytes = 640 // 20ms @ 16kHz mono s16
	defaultTapSize = 128
)

// Capture is the one live microphone stream of a session. Consumers read it through taps.
type Capture struct {
	device Device

	client *pulse.Client
	stream *pulse.RecordStream

	stopCh chan struct{}

	mu      sync.Mutex
	pending []byte
	taps    map[*Tap]struct{}
	stopped bool

	inflight sync.WaitGroup
	bytes    atomic.Int64
	dropped  atomic.Int64
}

// Tap is one consumer's view of the live stream. It sees only chunks captured after it opened.
type Tap struct {
	capture *Capture
	chunks  chan []byte
	once    sync.Once
	dropped atomic.Int64
}

// StartCapture creates and starts a 16kHz mono s16 record stream.
func StartCapture(ctx context.Context, selected Device) (*Capture, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}

	source, err := client.SourceByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", selected.ID, classify(err))
	}

	capture := NewCapture(selected)
	capture.client = client

	writer := pulse.NewWriter(writerFunc(capture.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(chunkSizeBytes),
		pulse.RecordMediaName("candor interview"),
	)
	if err != nil {
		capture.Close()
		return nil, fmt.Errorf("create pulse record stream: %w", classify(err))
	}

	capture.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = capture.Stop()
		case <-capture.stopCh:
		}
	}()

	return capture, nil
}

// NewCapture returns a capture with no Pulse stream behind it; PCM arrives through Write.
func NewCapture(device Device) *Capture {
	return &Capture{
		device: device,
		stopCh: make(chan struct{}),
		taps:   make(map[*Tap]struct{}),
	}
}

// Device returns capture metadata for logging and diagnostics.
func (c *Capture) Device() Device {
	return c.device
}

// BytesCaptured reports total bytes accepted from Pulse.
func (c *Capture) BytesCaptured() int64 {
	return c.bytes.Load()
}

// DroppedChunks reports chunks a slow tap could not accept.
func (c *Capture) DroppedChunks() int64 {
	return c.dropped.Load()
}

// Tap opens a consumer with room for size chunks; size <= 0 uses the default. A tap opened after
// Stop is already closed.
func (c *Capture) Tap(size int) *Tap {
	if size <= 0 {
		size = defaultTapSize
	}
	tap := &Tap{capture: c, chunks: make(chan []byte, size)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		tap.once.Do(func() { close(tap.chunks) })
		return tap
	}
	c.taps[tap] = struct{}{}
	return tap
}

// Chunks delivers fixed-size PCM chunks until the tap or the capture closes.
func (t *Tap) Chunks() <-chan []byte {
	return t.chunks
}

// Dropped reports chunks this tap missed because its buffer was full.
func (t *Tap) Dropped() int64 {
	return t.dropped.Load()
}

// Close detaches the tap and closes Chunks.
func (t *Tap) Close() {
	t.capture.mu.Lock()
	defer t.capture.mu.Unlock()
	delete(t.capture.taps, t)
	t.once.Do(func() { close(t.chunks) })
}

// Stop halts the stream, flushes residual PCM to every tap, and closes all taps exactly once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	taps := c.taps
	c.taps = map[*Tap]struct{}{}

	for tap := range taps {
		if len(pending) > 0 {
			chunk := append([]byte(nil), pending...)
			select {
			case tap.chunks <- chunk:
			default:
			}
		}
		tap.once.Do(func() { close(tap.chunks) })
	}
	return nil
}

// Close is a convenience alias for Stop.
func (c *Capture) Close() {
	_ = c.Stop()
}

// Write feeds PCM16 frames into the capture as if Pulse had delivered them.
func (c *Capture) Write(pcm []byte) (int, error) {
	return c.onPCM(pcm)
}

// onPCM receives raw Pulse frames and fans chunkSizeBytes slices out to every tap.
func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same mutex as c.stopped so Stop's Wait cannot race it.
	c.inflight.Add(1)
	defer c.inflight.Done()

	c.pending = append(c.pending, buffer...)
	var chunks [][]byte
	for len(c.pending) >= chunkSizeBytes {
		chunk := make([]byte, chunkSizeBytes)
		copy(chunk, c.pending[:chunkSizeBytes])
		c.pending = c.pending[chunkSizeBytes:]
		chunks = append(chunks, chunk)
	}
	taps := make([]*Tap, 0, len(c.taps))
	for tap := range c.taps {
		taps = append(taps, tap)
	}
	c.mu.Unlock()

	c.bytes.Add(int64(len(buffer)))

	for _, chunk := range chunks {
		for _, tap := range taps {
			tap.deliver(chunk, &c.dropped)
		}
	}
	return len(buffer), nil
}

// deliver hands a chunk to the tap without blocking the capture callback.
func (t *Tap) deliver(chunk []byte, dropped *atomic.Int64) {
	t.capture.mu.Lock()
	defer t.capture.mu.Unlock()
	if _, open := t.capture.taps[t]; !open {
		return
	}
	select {
	case t.chunks <- chunk:
	default:
		t.dropped.Add(1)
		dropped.Add(1)
	}
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
