package speech

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRecognition struct {
	results chan Result
	err     error
	closed  atomic.Bool
}

func (r *fakeRecognition) Results() <-chan Result { return r.results }
func (r *fakeRecognition) Err() error             { return r.err }
func (r *fakeRecognition) Close() error {
	r.closed.Store(true)
	return nil
}

// fakeRecognizer hands out scripted recognitions; after the script runs out it returns
// recognitions that stay open until cancelled.
type fakeRecognizer struct {
	mu      sync.Mutex
	script  []func() (*fakeRecognition, error)
	opened  atomic.Int32
	current *fakeRecognition
}

func (f *fakeRecognizer) Open(context.Context) (Recognition, error) {
	f.opened.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) > 0 {
		next := f.script[0]
		f.script = f.script[1:]
		rec, err := next()
		if err != nil {
			return nil, err
		}
		f.current = rec
		return rec, nil
	}
	rec := &fakeRecognition{results: make(chan Result, 16)}
	f.current = rec
	return rec, nil
}

func (f *fakeRecognizer) live() *fakeRecognition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

type sinkRecorder struct {
	mu    sync.Mutex
	texts []Transcript
}

func (s *sinkRecorder) sink(_ context.Context, t Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, t)
}

func (s *sinkRecorder) all() []Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transcript(nil), s.texts...)
}

func endedRecognition(results ...Result) func() (*fakeRecognition, error) {
	return func() (*fakeRecognition, error) {
		ch := make(chan Result, len(results))
		for _, r := range results {
			ch <- r
		}
		close(ch)
		return &fakeRecognition{results: ch}, nil
	}
}

func TestDisabledChannelIsUnsupported(t *testing.T) {
	c := New(nil, &fakeRecognizer{}, false, Options{})
	require.False(t, c.Supported())
	require.ErrorIs(t, c.Start(context.Background()), ErrUnsupported)

	nilRec := New(nil, nil, true, Options{})
	require.False(t, nilRec.Supported())
}

func TestFinalResultsReachSinkAndInterimAreSkipped(t *testing.T) {
	sink := &sinkRecorder{}
	rec := &fakeRecognizer{}
	c := New(nil, rec, true, Options{Sink: sink.sink})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.live() != nil }, time.Second, 5*time.Millisecond)
	require.True(t, c.Listening())

	live := rec.live()
	live.results <- Result{Text: "hel", Final: false}
	live.results <- Result{Text: "hello there", Final: true}

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "hello there", sink.all()[0].Text)
	require.Equal(t, c.Generation(), sink.all()[0].Generation)

	c.Stop()
	require.False(t, c.Listening())
	require.True(t, live.closed.Load())
}

func TestUnexpectedEndRestartsWhileToggledOn(t *testing.T) {
	sink := &sinkRecorder{}
	var restarts atomic.Int32
	rec := &fakeRecognizer{script: []func() (*fakeRecognition, error){
		endedRecognition(Result{Text: "first", Final: true}),
		func() (*fakeRecognition, error) { return nil, errors.New("network blip") },
		endedRecognition(Result{Text: "second", Final: true}),
	}}
	c := New(nil, rec, true, Options{
		Sink:         sink.sink,
		RestartDelay: 5 * time.Millisecond,
		OnRestart:    func() { restarts.Add(1) },
	})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, restarts.Load(), int32(2))
	require.True(t, c.Supported())

	c.Stop()
	opened := rec.opened.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, opened, rec.opened.Load(), "no restarts after toggle off")
}

func TestPermissionDeniedDowngradesPermanently(t *testing.T) {
	var unsupported atomic.Int32
	rec := &fakeRecognizer{script: []func() (*fakeRecognition, error){
		func() (*fakeRecognition, error) {
			ch := make(chan Result)
			close(ch)
			return &fakeRecognition{results: ch, err: ErrPermissionDenied}, nil
		},
	}}
	c := New(nil, rec, true, Options{
		RestartDelay:  time.Millisecond,
		OnUnsupported: func(error) { unsupported.Add(1) },
	})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return !c.Supported() }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), unsupported.Load())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), rec.opened.Load(), "no restart attempts after permission denial")
	require.ErrorIs(t, c.Start(context.Background()), ErrUnsupported)
	require.False(t, c.Listening())
	c.Close()
}

func TestSuspendKeepsToggleAndBumpsGeneration(t *testing.T) {
	rec := &fakeRecognizer{}
	c := New(nil, rec, true, Options{})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return rec.opened.Load() == 1 }, time.Second, 5*time.Millisecond)
	gen := c.Generation()

	c.Suspend()
	require.True(t, c.Wanted())
	require.False(t, c.Listening())
	require.Greater(t, c.Generation(), gen)

	c.Resume(ctx)
	require.True(t, c.Listening())
	require.Eventually(t, func() bool { return rec.opened.Load() == 2 }, time.Second, 5*time.Millisecond)
	c.Close()
}

func TestResumeDoesNothingWhenToggledOff(t *testing.T) {
	rec := &fakeRecognizer{}
	c := New(nil, rec, true, Options{})

	c.Suspend()
	c.Resume(context.Background())
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, rec.opened.Load())
}

func TestToggle(t *testing.T) {
	rec := &fakeRecognizer{}
	c := New(nil, rec, true, Options{})

	on, err := c.Toggle(context.Background())
	require.NoError(t, err)
	require.True(t, on)

	on, err = c.Toggle(context.Background())
	require.NoError(t, err)
	require.False(t, on)
	require.False(t, c.Wanted())
}

func TestStoppedRunForwardsFinalsAlreadyDelivered(t *testing.T) {
	sink := &sinkRecorder{}
	c := New(nil, &fakeRecognizer{}, true, Options{Sink: sink.sink})

	results := make(chan Result, 3)
	results <- Result{Text: "half a", Final: false}
	results <- Result{Text: "last words", Final: true}
	results <- Result{Text: "", Final: true}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.flush(ctx, 7, results)

	require.Equal(t, []Transcript{{Generation: 7, Text: "last words"}}, sink.all())
}
