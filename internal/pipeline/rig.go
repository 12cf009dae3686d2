// Package pipeline wires the shared microphone stream into recording segments and Riva recognition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/candor/internal/audio"
	"github.com/rbright/candor/internal/config"
	"github.com/rbright/candor/internal/media"
	"github.com/rbright/candor/internal/riva"
	"github.com/rbright/candor/internal/speech"
)

// Rig opens the session's devices from runtime config.
type Rig struct {
	cfg       config.Config
	logger    *slog.Logger
	synthetic bool
}

// Option customizes a Rig.
type Option func(*Rig)

// WithSyntheticAudio replaces the microphone with a generated tone.
func WithSyntheticAudio() Option {
	return func(r *Rig) { r.synthetic = true }
}

// NewRig constructs a rig from runtime config.
func NewRig(cfg config.Config, logger *slog.Logger, opts ...Option) *Rig {
	rig := &Rig{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(rig)
	}
	return rig
}

// Live is the opened shared stream plus the recorder and recognizer built on it.
type Live struct {
	cfg       config.Config
	logger    *slog.Logger
	capture   *audio.Capture
	selection audio.Selection
	phrases   []riva.SpeechPhrase

	closeOnce sync.Once
}

// Open selects the input device and starts the shared capture stream.
func (r *Rig) Open(ctx context.Context) (*Live, error) {
	speechPhrases, _, err := config.BuildSpeechPhrases(r.cfg)
	if err != nil {
		return nil, fmt.Errorf("build speech contexts: %w", err)
	}
	phrases := make([]riva.SpeechPhrase, 0, len(speechPhrases))
	for _, phrase := range speechPhrases {
		phrases = append(phrases, riva.SpeechPhrase{Phrase: phrase.Phrase, Boost: phrase.Boost})
	}

	if r.synthetic {
		capture := audio.StartSynthetic(context.WithoutCancel(ctx), 220)
		return newLive(r, capture, audio.Selection{Device: capture.Device()}, phrases), nil
	}

	selection, err := audio.SelectDevice(ctx, r.cfg.Audio.Input, r.cfg.Audio.Fallback)
	if err != nil {
		return nil, err
	}
	if selection.Warning != "" && r.logger != nil {
		r.logger.Warn(selection.Warning)
	}

	// The capture outlives the camera-test request, so it is bound to Close rather than ctx.
	capture, err := audio.StartCapture(context.WithoutCancel(ctx), selection.Device)
	if err != nil {
		return nil, err
	}
	return newLive(r, capture, selection, phrases), nil
}

func newLive(r *Rig, capture *audio.Capture, selection audio.Selection, phrases []riva.SpeechPhrase) *Live {
	return &Live{
		cfg:       r.cfg,
		logger:    r.logger,
		capture:   capture,
		selection: selection,
		phrases:   phrases,
	}
}

// Device describes the selected input for logs and the shell.
func (l *Live) Device() string {
	return audio.Describe(l.selection.Device)
}

// Recorder segments the live stream into WAV artifacts.
func (l *Live) Recorder() media.Recorder {
	return &segmentRecorder{tapper: l.capture}
}

// DroppedChunks reports chunks a slow consumer missed.
func (l *Live) DroppedChunks() int64 {
	return l.capture.DroppedChunks()
}

// Recognizer streams the live stream to Riva. A non-empty language overrides the configured one.
func (l *Live) Recognizer(language string) speech.Recognizer {
	languageCode := l.cfg.ASR.LanguageCode
	if strings.TrimSpace(language) != "" {
		languageCode = strings.TrimSpace(language)
	}
	return &rivaRecognizer{
		tapper: l.capture,
		logger: l.logger,
		cfg: riva.StreamConfig{
			Endpoint:             l.cfg.ASR.GRPC,
			LanguageCode:         languageCode,
			Model:                l.cfg.ASR.Model,
			SampleRate:           audio.SampleRate,
			AutomaticPunctuation: l.cfg.ASR.AutomaticPunctuation,
			SpeechPhrases:        l.phrases,
			DialTimeout:          3 * time.Second,
			Logger:               l.logger,
		},
	}
}

// Close stops the live stream; every open tap closes with it.
func (l *Live) Close() error {
	l.closeOnce.Do(func() {
		_ = l.capture.Stop()
		if l.logger != nil {
			l.logger.Debug("live stream closed",
				"device", l.Device(),
				"bytes_captured", l.capture.BytesCaptured(),
				"dropped_chunks", l.capture.DroppedChunks(),
			)
		}
	})
	return nil
}

// tapper is the part of audio.Capture the adapters need.
type tapper interface {
	Tap(size int) *audio.Tap
}

// WAVFormat is the one encoding the live stream can produce.
func WAVFormat() media.Format {
	return media.Format{
		MIMEType:   "audio/wav",
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Encode: func(chunks [][]byte) []byte {
			return EncodeWAV(chunks, audio.SampleRate, audio.Channels)
		},
	}
}

// recordTapChunks is about 20s of audio; recording windows must not lose chunks.
const recordTapChunks = 1024

type segmentRecorder struct {
	tapper tapper
}

func (r *segmentRecorder) Formats() []media.Format {
	return []media.Format{WAVFormat()}
}

func (r *segmentRecorder) StartSegment(_ context.Context, format media.Format) (media.Segment, error) {
	if format.MIMEType != "audio/wav" {
		return nil, fmt.Errorf("unsupported segment format %q", format.MIMEType)
	}
	tap := r.tapper.Tap(recordTapChunks)
	seg := &segment{tap: tap, out: make(chan []byte, 64)}
	go seg.forward()
	return seg, nil
}

// segment forwards one tap until stop; the output closes only after the tap is drained.
type segment struct {
	tap *audio.Tap
	out chan []byte
}

func (s *segment) forward() {
	defer close(s.out)
	for chunk := range s.tap.Chunks() {
		s.out <- chunk
	}
}

func (s *segment) Chunks() <-chan []byte { return s.out }

func (s *segment) RequestStop() { s.tap.Close() }

func (s *segment) Dropped() int64 { return s.tap.Dropped() }

type rivaRecognizer struct {
	tapper tapper
	logger *slog.Logger
	cfg    riva.StreamConfig
	dial   func(ctx context.Context, cfg riva.StreamConfig) (rivaStream, error)
}

// rivaStream is the part of riva.Stream the recognizer drives.
type rivaStream interface {
	Results() <-chan riva.Result
	Err() error
	SendAudio(chunk []byte) error
	CloseAndCollect(ctx context.Context) ([]string, time.Duration, error)
	Cancel() error
}

func dialRiva(ctx context.Context, cfg riva.StreamConfig) (rivaStream, error) {
	return riva.DialStream(ctx, cfg)
}

func (r *rivaRecognizer) Open(ctx context.Context) (speech.Recognition, error) {
	dial := r.dial
	if dial == nil {
		dial = dialRiva
	}
	stream, err := dial(ctx, r.cfg)
	if err != nil {
		return nil, mapRecognitionErr(err)
	}

	rec := &recognition{
		stream:  stream,
		tap:     r.tapper.Tap(256),
		logger:  r.logger,
		results: make(chan speech.Result, 16),
		done:    make(chan struct{}),
	}
	rec.wg.Add(2)
	go rec.sendLoop()
	go rec.recvLoop()
	return rec, nil
}

// recognition is one Riva stream fed from its own tap.
type recognition struct {
	stream  rivaStream
	tap     *audio.Tap
	logger  *slog.Logger
	results chan speech.Result
	done    chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	sendErr error
}

func (r *recognition) Results() <-chan speech.Result { return r.results }

func (r *recognition) Err() error {
	r.mu.Lock()
	sendErr := r.sendErr
	r.mu.Unlock()
	if err := r.stream.Err(); err != nil {
		return mapRecognitionErr(err)
	}
	if sendErr != nil {
		return mapRecognitionErr(sendErr)
	}
	return nil
}

func (r *recognition) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.tap.Close()
		_ = r.stream.Cancel()
	})
	r.wg.Wait()
	return nil
}

// sendLoop forwards tap chunks to Riva; when the live stream ends it flushes trailing results.
func (r *recognition) sendLoop() {
	defer r.wg.Done()

	for chunk := range r.tap.Chunks() {
		if err := r.stream.SendAudio(chunk); err != nil {
			r.mu.Lock()
			r.sendErr = err
			r.mu.Unlock()
			r.tap.Close()
			_ = r.stream.Cancel()
			return
		}
	}

	select {
	case <-r.done:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := r.stream.CloseAndCollect(ctx); err != nil && r.logger != nil {
		r.logger.Debug("riva stream ended with error", "error", err.Error())
	}
}

func (r *recognition) recvLoop() {
	defer r.wg.Done()
	defer close(r.results)

	for result := range r.stream.Results() {
		select {
		case r.results <- speech.Result{Text: result.Transcript, Final: result.Final}:
		case <-r.done:
			return
		}
	}
}

func mapRecognitionErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, riva.ErrPermissionDenied) || errors.Is(err, audio.ErrPermission) {
		return fmt.Errorf("%w: %v", speech.ErrPermissionDenied, err)
	}
	return err
}
