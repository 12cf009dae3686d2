package session

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/candor/internal/audio"
	"github.com/rbright/candor/internal/backend"
	"github.com/rbright/candor/internal/capability"
	"github.com/rbright/candor/internal/commit"
	"github.com/rbright/candor/internal/fsm"
	"github.com/rbright/candor/internal/ipc"
	"github.com/rbright/candor/internal/media"
	"github.com/rbright/candor/internal/mockapi"
	"github.com/rbright/candor/internal/speech"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	api    *mockapi.Server
	ctrl   *Controller
	ticks  chan time.Time
	result chan Result
}

func newHarness(t *testing.T, sess backend.Session, configure func(*Options)) *harness {
	t.Helper()
	api := mockapi.New(mockapi.WithClock(func() time.Time { return testNow }))
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	client := backend.NewHTTPClient(backend.Options{
		GraphQLURL: srv.URL + "/graphql",
		UploadURL:  srv.URL + "/upload",
		Timeout:    2 * time.Second,
	})

	if sess.Token == "" {
		sess.Token = "tok-1"
	}
	api.Seed(sess)

	adapter := commit.Backend{Client: client}
	pipe := commit.New(nil, adapter, adapter, commit.Options{CallTimeout: 2 * time.Second})
	t.Cleanup(pipe.Close)

	opts := Options{
		Token:        sess.Token,
		Backend:      client,
		Commit:       pipe,
		StopTimeout:  200 * time.Millisecond,
		RestartDelay: 5 * time.Millisecond,
		CallTimeout:  2 * time.Second,
		Now:          func() time.Time { return testNow },
	}
	if configure != nil {
		configure(&opts)
	}
	ctrl := NewController(nil, opts)
	ticks := make(chan time.Time)
	ctrl.ticks = ticks

	return &harness{t: t, api: api, ctrl: ctrl, ticks: ticks, result: make(chan Result, 1)}
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.t.Cleanup(cancel)
	go func() { h.result <- h.ctrl.Run(ctx) }()
}

func (h *harness) send(command string, text string) ipc.Response {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.ctrl.Handle(ctx, ipc.Request{Command: command, Text: text})
}

func (h *harness) must(command string, text string) {
	h.t.Helper()
	resp := h.send(command, text)
	require.True(h.t, resp.OK, "%s: %s", command, resp.Error)
}

func (h *harness) tick(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		select {
		case h.ticks <- testNow:
		case <-time.After(2 * time.Second):
			h.t.Fatalf("tick %d not consumed", i+1)
		}
	}
}

func (h *harness) waitScreen(want fsm.State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.ctrl.Snapshot().Screen == want
	}, 2*time.Second, 5*time.Millisecond, "screen %s", want)
}

func (h *harness) waitSettledClose() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return !h.ctrl.Snapshot().Closing
	}, 2*time.Second, 5*time.Millisecond)
}

// waitQuestion waits until index is current and no close is in flight.
func (h *harness) waitQuestion(index int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		snap := h.ctrl.Snapshot()
		return snap.QuestionIndex == index && !snap.Closing
	}, 2*time.Second, 5*time.Millisecond, "question %d", index)
}

func (h *harness) wait() Result {
	h.t.Helper()
	select {
	case res := <-h.result:
		return res
	case <-time.After(3 * time.Second):
		h.t.Fatal("run did not finish")
		return Result{}
	}
}

// persistenceCalls lists save and complete calls in arrival order as "op:question".
func (h *harness) persistenceCalls() []string {
	var out []string
	for _, call := range h.api.Calls() {
		switch call.Operation {
		case backend.OpSaveAnswer:
			out = append(out, "save:"+call.QuestionID)
		case backend.OpComplete:
			out = append(out, "complete")
		}
	}
	return out
}

func answersByQuestion(api *mockapi.Server, token string) map[string]mockapi.Answer {
	out := map[string]mockapi.Answer{}
	for _, a := range api.Answers(token) {
		out[a.QuestionID] = a
	}
	return out
}

func threeQuestions() []backend.Question {
	return []backend.Question{
		{ID: "q1", Position: 1, Prompt: "One?"},
		{ID: "q2", Position: 2, Prompt: "Two?"},
		{ID: "q3", Position: 3, Prompt: "Three?"},
	}
}

type fakeSegment struct {
	chunks chan []byte
	tail   []byte
	hang   bool
	once   sync.Once
}

func (s *fakeSegment) Chunks() <-chan []byte { return s.chunks }

func (s *fakeSegment) RequestStop() {
	if s.hang {
		return
	}
	s.once.Do(func() {
		s.chunks <- s.tail
		close(s.chunks)
	})
}

type fakeRecorder struct {
	hang    bool
	started atomic.Int32
}

func (r *fakeRecorder) Formats() []media.Format {
	return []media.Format{{MIMEType: "audio/wav"}}
}

func (r *fakeRecorder) StartSegment(context.Context, media.Format) (media.Segment, error) {
	n := r.started.Add(1)
	seg := &fakeSegment{
		chunks: make(chan []byte, 8),
		tail:   []byte(fmt.Sprintf("seg%d-tail", n)),
		hang:   r.hang,
	}
	seg.chunks <- []byte(fmt.Sprintf("seg%d-head", n))
	return seg, nil
}

type fakeRecognition struct {
	results chan speech.Result
	err     error
}

func (r *fakeRecognition) Results() <-chan speech.Result { return r.results }
func (r *fakeRecognition) Err() error                    { return r.err }
func (r *fakeRecognition) Close() error                  { return nil }

// fakeRecognizer emits texts as finals on the first open. With endErr set that first
// recognition then ends with endErr.
type fakeRecognizer struct {
	opens  atomic.Int32
	err    error
	texts  []string
	endErr error
}

func (r *fakeRecognizer) Open(context.Context) (speech.Recognition, error) {
	n := r.opens.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	rec := &fakeRecognition{results: make(chan speech.Result, len(r.texts)+1)}
	if n == 1 {
		for _, text := range r.texts {
			rec.results <- speech.Result{Text: text, Final: true}
		}
		if r.endErr != nil {
			rec.err = r.endErr
			close(rec.results)
		}
	}
	return rec, nil
}

type fakeLive struct {
	recorder   media.Recorder
	recognizer speech.Recognizer
	closed     atomic.Bool
}

func (l *fakeLive) Device() string                          { return "fake mic" }
func (l *fakeLive) Recorder() media.Recorder                { return l.recorder }
func (l *fakeLive) Recognizer(string) speech.Recognizer     { return l.recognizer }
func (l *fakeLive) Close() error                            { l.closed.Store(true); return nil }
func (l *fakeLive) devices(opens *atomic.Int32) DevicesFunc { return openLive(l, opens) }

func openLive(l *fakeLive, opens *atomic.Int32) DevicesFunc {
	return func(context.Context) (Live, error) {
		if opens != nil {
			opens.Add(1)
		}
		return l, nil
	}
}

func probeReport(r capability.Report) func(context.Context) capability.Report {
	return func(context.Context) capability.Report { return r }
}

func TestPerQuestionTimersSaveEveryAnswerThenComplete(t *testing.T) {
	live := &fakeLive{recorder: &fakeRecorder{}}
	var opens atomic.Int32
	h := newHarness(t, backend.Session{
		DefaultQuestionSeconds: 5,
		Questions:              threeQuestions(),
	}, func(o *Options) {
		o.Devices = live.devices(&opens)
	})
	h.start()
	h.waitScreen(fsm.StateWelcome)

	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateInterview)
	require.Equal(t, 5, h.ctrl.Snapshot().RemainingSeconds)

	for i, text := range []string{"one", "two"} {
		h.must(CommandAnswer, text)
		h.tick(5)
		h.waitQuestion(i + 1)
		require.Equal(t, 5, h.ctrl.Snapshot().RemainingSeconds)
	}

	h.must(CommandAnswer, "three")
	h.tick(5)
	// A command round trip orders the snapshot after the last tick.
	h.must(CommandAnswer, "three")
	snap := h.ctrl.Snapshot()
	require.Equal(t, fsm.StateInterview, snap.Screen)
	require.Equal(t, 2, snap.QuestionIndex)
	require.Equal(t, 0, snap.RemainingSeconds)

	h.must(CommandComplete, "")
	res := h.wait()
	require.Equal(t, fsm.StateCompleted, res.State)
	require.NoError(t, res.Err)
	require.Equal(t, 3, res.Submitted)

	require.Equal(t, []string{"save:q1", "save:q2", "save:q3", "complete"}, h.persistenceCalls())
	answers := answersByQuestion(h.api, "tok-1")
	require.Equal(t, "one", answers["q1"].Text)
	require.Equal(t, "two", answers["q2"].Text)
	require.Equal(t, "three", answers["q3"].Text)
	require.Empty(t, h.api.Uploads())
	require.Zero(t, opens.Load(), "no capability needs the capture stream")
	require.Eventually(t, func() bool { return h.api.CallCount(backend.OpStart) == 1 }, time.Second, 5*time.Millisecond)
}

func TestGlobalExpiryCommitsCurrentQuestionAndCompletes(t *testing.T) {
	h := newHarness(t, backend.Session{
		GlobalTimer:           true,
		GlobalDurationSeconds: 10,
		Questions:             threeQuestions()[:2],
	}, nil)
	h.start()
	h.waitScreen(fsm.StateWelcome)
	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateInterview)
	require.Equal(t, "global", h.ctrl.Snapshot().TimerMode)

	h.must(CommandAnswer, "partial thought")
	h.tick(10)

	res := h.wait()
	require.Equal(t, fsm.StateCompleted, res.State)
	require.Equal(t, []string{"save:q1", "complete"}, h.persistenceCalls())
	require.Equal(t, "partial thought", answersByQuestion(h.api, "tok-1")["q1"].Text)
}

func TestCloseInFlightRejectsSecondNavigation(t *testing.T) {
	live := &fakeLive{recorder: &fakeRecorder{hang: true}}
	h := newHarness(t, backend.Session{Questions: threeQuestions()}, func(o *Options) {
		o.Devices = live.devices(nil)
		o.Probe = probeReport(capability.Report{Recording: true})
	})
	h.start()
	h.waitScreen(fsm.StateWelcome)
	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateInterview)

	h.must(CommandNext, "")
	second := h.send(CommandNext, "")
	require.False(t, second.OK)
	require.Contains(t, second.Error, "still closing")

	h.waitSettledClose()
	require.Eventually(t, func() bool {
		return h.api.CallCount(backend.OpSaveAnswer) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.ctrl.Snapshot().QuestionIndex)
	require.Equal(t, []string{"save:q1"}, h.persistenceCalls())
}

func TestRecordingUploadsOneArtifactPerQuestion(t *testing.T) {
	recorder := &fakeRecorder{}
	live := &fakeLive{recorder: recorder}
	h := newHarness(t, backend.Session{Questions: threeQuestions()[:2]}, func(o *Options) {
		o.Devices = live.devices(nil)
		o.Probe = probeReport(capability.Report{Recording: true})
	})
	h.start()
	h.waitScreen(fsm.StateWelcome)
	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateInterview)
	require.True(t, h.ctrl.Snapshot().Recording)
	require.Equal(t, "fake mic", h.ctrl.Snapshot().Device)

	h.must(CommandAnswer, "first")
	h.must(CommandNext, "")
	h.waitSettledClose()
	h.must(CommandAnswer, "second")
	h.must(CommandComplete, "")

	res := h.wait()
	require.Equal(t, fsm.StateCompleted, res.State)
	require.True(t, live.closed.Load())

	uploads := h.api.Uploads()
	require.Len(t, uploads, 2)
	require.Equal(t, "q1", uploads[0].QuestionID)
	require.Equal(t, len("seg1-head")+len("seg1-tail"), uploads[0].Size)
	require.Equal(t, "q2", uploads[1].QuestionID)
	require.Equal(t, len("seg2-head")+len("seg2-tail"), uploads[1].Size)

	answers := answersByQuestion(h.api, "tok-1")
	require.Equal(t, uploads[0].VideoRef, answers["q1"].VideoRef)
	require.Equal(t, uploads[1].VideoRef, answers["q2"].VideoRef)
	require.Equal(t, []string{"save:q1", "save:q2", "complete"}, h.persistenceCalls())
}

func TestUploadFailureStillSavesText(t *testing.T) {
	live := &fakeLive{recorder: &fakeRecorder{}}
	h := newHarness(t, backend.Session{Questions: threeQuestions()[:1]}, func(o *Options) {
		o.Devices = live.devices(nil)
		o.Probe = probeReport(capability.Report{Recording: true})
	})
	h.api.FailNext(mockapi.OpUpload, 1)
	h.start()
	h.waitScreen(fsm.StateWelcome)
	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateInterview)
	h.must(CommandAnswer, "text survives")
	h.must(CommandComplete, "")

	require.Equal(t, fsm.StateCompleted, h.wait().State)
	a := answersByQuestion(h.api, "tok-1")["q1"]
	require.Equal(t, "text survives", a.Text)
	require.Empty(t, a.VideoRef)
}

func TestSpeechAppendsFinalResultsToCurrentAnswer(t *testing.T) {
	recognizer := &fakeRecognizer{texts: []string{"hello world"}}
	live := &fakeLive{recognizer: recognizer}
	h := newHarness(t, backend.Session{
		Questions:            threeQuestions()[:2],
		VoiceResponseEnabled: true,
	}, func(o *Options) {
		o.Devices = live.devices(nil)
		o.Probe = probeReport(capability.Report{Transcription: true})
		o.ListenOnStart = true
	})
	h.start()
	h.waitScreen(fsm.StateWelcome)
	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateInterview)

	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().Answer == "Hello world"
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, h.ctrl.Snapshot().Listening)

	h.must(CommandNext, "")
	h.waitSettledClose()
	require.Eventually(t, func() bool {
		return answersByQuestion(h.api, "tok-1")["q1"].Text == "Hello world"
	}, 2*time.Second, 5*time.Millisecond)

	supported, reported := h.api.VoiceSupport("tok-1")
	require.True(t, reported)
	require.True(t, supported)

	h.must(CommandVoiceOff, "")
	require.False(t, h.ctrl.Snapshot().Listening)
}

func TestSpeechPermissionErrorDowngradesForSession(t *testing.T) {
	recognizer := &fakeRecognizer{err: speech.ErrPermissionDenied}
	live := &fakeLive{recognizer: recognizer}
	h := newHarness(t, backend.Session{
		Questions:            threeQuestions(),
		VoiceResponseEnabled: true,
	}, func(o *Options) {
		o.Devices = live.devices(nil)
		o.Probe = probeReport(capability.Report{Transcription: true})
		o.ListenOnStart = true
	})
	h.start()
	h.waitScreen(fsm.StateWelcome)
	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateInterview)

	require.Eventually(t, func() bool {
		supported, reported := h.api.VoiceSupport("tok-1")
		return reported && !supported
	}, 2*time.Second, 5*time.Millisecond)
	require.False(t, h.ctrl.Snapshot().Transcription)

	h.must(CommandAnswer, "typed instead")
	require.Equal(t, "typed instead", h.ctrl.Snapshot().Answer)

	voice := h.send(CommandVoice, "")
	require.False(t, voice.OK)
	require.Contains(t, voice.Error, "not available")

	h.must(CommandNext, "")
	h.waitSettledClose()
	require.Equal(t, int32(1), recognizer.opens.Load(), "no restart after a permission error")
}

func TestSpeechPermissionLostMidAnswerKeepsAppendedText(t *testing.T) {
	recognizer := &fakeRecognizer{
		texts:  []string{"so far so good"},
		endErr: fmt.Errorf("riva: %w", speech.ErrPermissionDenied),
	}
	live := &fakeLive{recognizer: recognizer}
	h := newHarness(t, backend.Session{
		Questions:            threeQuestions(),
		VoiceResponseEnabled: true,
	}, func(o *Options) {
		o.Devices = live.devices(nil)
		o.Probe = probeReport(capability.Report{Transcription: true})
		o.ListenOnStart = true
		o.RestartDelay = time.Millisecond
	})
	h.start()
	h.waitScreen(fsm.StateWelcome)
	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateInterview)

	require.Eventually(t, func() bool {
		snap := h.ctrl.Snapshot()
		return snap.Answer == "So far so good" && !snap.Transcription
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		supported, reported := h.api.VoiceSupport("tok-1")
		return reported && !supported
	}, 2*time.Second, 5*time.Millisecond)

	h.must(CommandNext, "")
	h.waitQuestion(1)
	require.Eventually(t, func() bool {
		return answersByQuestion(h.api, "tok-1")["q1"].Text == "So far so good"
	}, 2*time.Second, 5*time.Millisecond)
	require.False(t, h.ctrl.Snapshot().Listening)
	require.Equal(t, int32(1), recognizer.opens.Load(), "no restart after a permission error")
}

func TestVoiceOffKeepsFinalsAlreadyQueued(t *testing.T) {
	recognizer := &fakeRecognizer{texts: []string{"spoken before toggle off"}}
	live := &fakeLive{recognizer: recognizer}
	h := newHarness(t, backend.Session{}, nil)

	c := h.ctrl
	c.sess = backend.Session{Token: "tok-1", Questions: threeQuestions(), VoiceResponseEnabled: true}
	c.report = capability.Report{Transcription: true}
	c.live = live
	c.screen = fsm.StateInterview
	ctx := context.Background()
	c.enterInterview(ctx, 0, 0)
	t.Cleanup(c.teardown)

	require.True(t, c.dispatch(ctx, ipc.Request{Command: CommandVoiceOn}).OK)
	// The loop is not running, so the final waits in the queue.
	require.Eventually(t, func() bool { return len(c.transcripts) == 1 }, 2*time.Second, 5*time.Millisecond)

	resp := c.dispatch(ctx, ipc.Request{Command: CommandVoiceOff})
	require.True(t, resp.OK, resp.Error)
	require.Equal(t, "not listening", resp.Message)
	require.Equal(t, "Spoken before toggle off", c.draft.Text())
	require.Empty(t, c.transcripts)
}

func TestLoadingRoutesTerminalSessions(t *testing.T) {
	past := testNow.Add(-time.Minute)
	cases := []struct {
		name    string
		seed    *backend.Session
		token   string
		failGet bool
		want    fsm.State
		wantErr bool
	}{
		{name: "expired by timestamp", seed: &backend.Session{ExpiresAt: &past, Questions: threeQuestions()}, want: fsm.StateExpired},
		{name: "expired by status", seed: &backend.Session{Status: backend.StatusExpired}, want: fsm.StateExpired},
		{name: "already completed", seed: &backend.Session{Status: backend.StatusCompleted}, want: fsm.StateCompleted},
		{name: "unknown token", seed: &backend.Session{}, token: "missing", want: fsm.StateNotFound},
		{name: "backend failure", seed: &backend.Session{}, failGet: true, want: fsm.StateError, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, *tc.seed, func(o *Options) {
				if tc.token != "" {
					o.Token = tc.token
				}
			})
			if tc.failGet {
				h.api.FailNext(backend.OpFetchSession, 1)
			}
			h.start()
			res := h.wait()
			require.Equal(t, tc.want, res.State)
			if tc.wantErr {
				require.Error(t, res.Err)
			} else {
				require.NoError(t, res.Err)
			}
			require.Zero(t, h.api.CallCount(backend.OpStart))
			require.Zero(t, h.api.CallCount(backend.OpComplete))

			resp := h.send(CommandBegin, "")
			require.False(t, resp.OK)
			require.Equal(t, ErrNotRunning.Error(), resp.Error)
		})
	}
}

func TestResumeSkipsStartAndRestoresGlobalClock(t *testing.T) {
	started := testNow.Add(-30 * time.Second)
	h := newHarness(t, backend.Session{
		Status:                backend.StatusInProgress,
		StartedAt:             &started,
		GlobalTimer:           true,
		GlobalDurationSeconds: 60,
		Questions:             threeQuestions(),
		AnsweredQuestionIDs:   []string{"q1"},
		Consent:               &backend.ConsentTemplate{ID: "c1"},
	}, nil)
	h.start()
	h.waitScreen(fsm.StateInterview)

	snap := h.ctrl.Snapshot()
	require.Equal(t, 1, snap.QuestionIndex)
	require.Equal(t, "q2", snap.QuestionID)
	require.Equal(t, 30, snap.RemainingSeconds)
	require.Equal(t, "Two?", snap.Prompt)

	h.must(CommandNext, "")
	h.waitSettledClose()
	h.must(CommandComplete, "")
	require.Equal(t, fsm.StateCompleted, h.wait().State)
	require.Zero(t, h.api.CallCount(backend.OpStart))
	require.Zero(t, h.api.CallCount(backend.OpConsent))
	require.Equal(t, []string{"save:q2", "save:q3", "complete"}, h.persistenceCalls())
}

func TestConsentGatesInterview(t *testing.T) {
	h := newHarness(t, backend.Session{
		Questions: threeQuestions()[:1],
		Consent:   &backend.ConsentTemplate{ID: "c1", Title: "Recording consent"},
	}, nil)
	h.start()
	h.waitScreen(fsm.StateWelcome)

	rejected := h.send(CommandAccept, "")
	require.False(t, rejected.OK)
	require.Contains(t, rejected.Error, "cannot accept from screen welcome")

	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateAgreement)
	require.Equal(t, "Recording consent", h.ctrl.Snapshot().Consent.Title)

	h.must(CommandAccept, "")
	h.waitScreen(fsm.StateInterview)
	require.Eventually(t, func() bool {
		return h.api.CallCount(backend.OpConsent) == 1 && h.api.CallCount(backend.OpStart) == 1
	}, time.Second, 5*time.Millisecond)

	h.must(CommandComplete, "")
	require.Equal(t, fsm.StateCompleted, h.wait().State)
}

func TestCameraPermissionBlocksUntilRetry(t *testing.T) {
	live := &fakeLive{recorder: &fakeRecorder{}}
	var attempts atomic.Int32
	h := newHarness(t, backend.Session{Questions: threeQuestions()[:1]}, func(o *Options) {
		o.Probe = probeReport(capability.Report{Recording: true})
		o.Devices = DevicesFunc(func(context.Context) (Live, error) {
			if attempts.Add(1) == 1 {
				return nil, fmt.Errorf("connect pulse server: %w", audio.ErrPermission)
			}
			return live, nil
		})
	})
	h.start()
	h.waitScreen(fsm.StateWelcome)
	h.must(CommandBegin, "")

	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().Message != ""
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, fsm.StateCameraTest, h.ctrl.Snapshot().Screen)
	require.False(t, h.send(CommandNext, "").OK)

	h.must(CommandCamera, "")
	h.waitScreen(fsm.StateInterview)
	require.Empty(t, h.ctrl.Snapshot().Message)
	require.Equal(t, int32(2), attempts.Load())
}

func TestNavigationGuards(t *testing.T) {
	h := newHarness(t, backend.Session{Questions: threeQuestions()[:2]}, nil)
	h.start()
	h.waitScreen(fsm.StateWelcome)
	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateInterview)

	early := h.send(CommandComplete, "")
	require.False(t, early.OK)
	require.Contains(t, early.Error, "only available on the last question")

	h.must(CommandNext, "")
	h.waitSettledClose()
	last := h.send(CommandNext, "")
	require.False(t, last.OK)
	require.Contains(t, last.Error, "use complete")

	unknown := h.send("definitely-unknown", "")
	require.False(t, unknown.OK)
	require.Contains(t, unknown.Error, "unknown command")

	status := h.send(CommandStatus, "")
	require.True(t, status.OK)
	require.Equal(t, string(fsm.StateInterview), status.State)
	require.Contains(t, string(status.Detail), `"questionIndex":1`)
}

func TestCancelStopsLiveStreamWithoutCommit(t *testing.T) {
	live := &fakeLive{recorder: &fakeRecorder{}}
	h := newHarness(t, backend.Session{Questions: threeQuestions()}, func(o *Options) {
		o.Devices = live.devices(nil)
		o.Probe = probeReport(capability.Report{Recording: true})
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.result <- h.ctrl.Run(ctx) }()
	h.waitScreen(fsm.StateWelcome)
	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateInterview)

	cancel()
	res := h.wait()
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Equal(t, fsm.StateInterview, res.State)
	require.True(t, live.closed.Load())
	require.Zero(t, h.api.CallCount(backend.OpSaveAnswer))
	require.Zero(t, h.api.CallCount(backend.OpComplete))
}

type recordingPublisher struct {
	mu      sync.Mutex
	screens []fsm.State
}

func (p *recordingPublisher) Publish(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.screens); n == 0 || p.screens[n-1] != s.Screen {
		p.screens = append(p.screens, s.Screen)
	}
}

func TestPublisherSeesScreenSequence(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHarness(t, backend.Session{Questions: threeQuestions()[:1]}, func(o *Options) {
		o.Publisher = pub
	})
	h.start()
	h.waitScreen(fsm.StateWelcome)
	h.must(CommandBegin, "")
	h.waitScreen(fsm.StateInterview)
	h.must(CommandComplete, "")
	h.wait()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Equal(t, []fsm.State{
		fsm.StateWelcome,
		fsm.StateInterview,
		fsm.StateSaving,
		fsm.StateCompleted,
	}, pub.screens)
}
