// Package riva streams microphone audio to a Riva StreamingRecognize endpoint.
package riva

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrPermissionDenied marks a server refusal that retrying will not fix.
var ErrPermissionDenied = errors.New("riva permission denied")

// SpeechPhrase is one vocabulary boost phrase in request-ready form.
type SpeechPhrase struct {
	Phrase string
	Boost  float32
}

// StreamConfig controls stream initialization and recognition behavior.
type StreamConfig struct {
	Endpoint             string
	LanguageCode         string
	Model                string
	SampleRate           int
	AutomaticPunctuation bool
	SpeechPhrases        []SpeechPhrase
	DialTimeout          time.Duration
	OpenTimeout          time.Duration
	Logger               *slog.Logger

	// DialOptions replace the default insecure transport; tests use them for in-process servers.
	DialOptions []grpc.DialOption
}

var recognizeDesc = &grpc.StreamDesc{
	StreamName:    "StreamingRecognize",
	ServerStreams: true,
	ClientStreams: true,
}

// Stream wraps one active StreamingRecognize RPC lifecycle.
type Stream struct {
	conn    *grpc.ClientConn
	stream  grpc.ClientStream
	cancel  context.CancelFunc
	done    <-chan struct{}
	logger  *slog.Logger
	results chan Result

	recvDone chan struct{}

	mu         sync.Mutex
	heard      utterances
	recvErr    error
	closedSend bool
}

// DialStream establishes a stream, sends config, and starts the receive loop.
func DialStream(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("riva endpoint is empty")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 3 * time.Second
	}
	if strings.TrimSpace(cfg.LanguageCode) == "" {
		cfg.LanguageCode = "en-US"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}

	opts := cfg.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial riva grpc %q: %w", endpoint, err)
	}

	readyCtx, cancelReady := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancelReady()
	conn.Connect()
	if err := waitForReady(readyCtx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wait for riva grpc readiness: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := within(streamCtx, cfg.OpenTimeout, func() (grpc.ClientStream, error) {
		return conn.NewStream(streamCtx, recognizeDesc, RecognizeMethod, grpc.ForceCodec(wireCodec{}))
	})
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("open streaming recognizer: %w", classify(err))
	}

	req := &frame{b: encodeConfigRequest(recognitionConfig{
		SampleRateHertz:      int32(cfg.SampleRate),
		LanguageCode:         cfg.LanguageCode,
		MaxAlternatives:      1,
		SpeechPhrases:        cfg.SpeechPhrases,
		AudioChannelCount:    1,
		AutomaticPunctuation: cfg.AutomaticPunctuation,
		Model:                strings.TrimSpace(cfg.Model),
	}, true)}
	if _, err := within(streamCtx, cfg.OpenTimeout, func() (struct{}, error) { return struct{}{}, stream.SendMsg(req) }); err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("send initial streaming config: %w", classify(err))
	}

	s := &Stream{
		conn:     conn,
		stream:   stream,
		cancel:   cancel,
		done:     streamCtx.Done(),
		logger:   cfg.Logger,
		results:  make(chan Result, 32),
		recvDone: make(chan struct{}),
	}
	go s.recvLoop()
	return s, nil
}

// Results delivers recognition results until the stream ends. Err reports the reason afterwards.
func (s *Stream) Results() <-chan Result {
	return s.results
}

// Err returns the receive failure, or nil after a clean end of stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvErr
}

// SendAudio sends one chunk of PCM audio over the active stream.
func (s *Stream) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.mu.Lock()
	closed := s.closedSend
	recvErr := s.recvErr
	s.mu.Unlock()

	if closed {
		return errors.New("stream already closed for sending")
	}
	if recvErr != nil {
		return fmt.Errorf("stream receive loop failed: %w", recvErr)
	}

	if err := s.stream.SendMsg(&frame{b: encodeAudioRequest(chunk)}); err != nil {
		return classify(err)
	}
	return nil
}

// CloseAndCollect ends the audio side, waits for trailing results, and returns the phrases heard.
func (s *Stream) CloseAndCollect(ctx context.Context) ([]string, time.Duration, error) {
	closedAt := time.Now()
	s.closeSend()

	select {
	case <-s.recvDone:
	case <-ctx.Done():
		_ = s.Cancel()
		return nil, 0, ctx.Err()
	}
	latency := time.Since(closedAt)
	defer func() { _ = s.Cancel() }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recvErr != nil {
		return nil, latency, s.recvErr
	}
	return s.heard.phrases(), latency, nil
}

// Cancel aborts stream processing and closes the underlying grpc connection.
func (s *Stream) Cancel() error {
	s.closeSend()
	s.cancel()
	return s.conn.Close()
}

func (s *Stream) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closedSend {
		s.closedSend = true
		_ = s.stream.CloseSend()
	}
}

// recvLoop continuously receives recognition responses until stream close/error.
func (s *Stream) recvLoop() {
	defer close(s.recvDone)
	defer close(s.results)

	for {
		var resp frame
		err := s.stream.RecvMsg(&resp)
		if err == nil {
			results, decodeErr := decodeResponse(resp.b)
			if decodeErr != nil {
				s.setErr(fmt.Errorf("decode streaming response: %w", decodeErr))
				return
			}
			s.recordResults(results)
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}

		s.mu.Lock()
		closed := s.closedSend
		s.mu.Unlock()
		if closed && errors.Is(classify(err), context.Canceled) {
			return
		}
		s.setErr(classify(err))
		return
	}
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.recvErr = err
	s.mu.Unlock()
}

// recordResults folds results into the heard phrases and forwards them. Interim results are
// dropped when the consumer lags; finals block until delivered or the stream ends.
func (s *Stream) recordResults(results []Result) {
	for _, result := range results {
		transcript := normalize(result.Transcript)
		if transcript == "" {
			continue
		}

		s.mu.Lock()
		s.heard.observe(transcript, result.Final)
		s.mu.Unlock()

		result.Transcript = transcript
		if !result.Final {
			select {
			case s.results <- result:
			default:
				if s.logger != nil {
					s.logger.Debug("dropping interim riva result", "transcript", transcript)
				}
			}
			continue
		}
		select {
		case s.results <- result:
		case <-s.done:
			return
		}
	}
}
