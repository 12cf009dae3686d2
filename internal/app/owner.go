package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/rbright/candor/internal/answer"
	"github.com/rbright/candor/internal/backend"
	"github.com/rbright/candor/internal/capability"
	"github.com/rbright/candor/internal/commit"
	"github.com/rbright/candor/internal/config"
	"github.com/rbright/candor/internal/cue"
	"github.com/rbright/candor/internal/feed"
	"github.com/rbright/candor/internal/fsm"
	"github.com/rbright/candor/internal/ipc"
	"github.com/rbright/candor/internal/journal"
	"github.com/rbright/candor/internal/mockapi"
	"github.com/rbright/candor/internal/observability"
	"github.com/rbright/candor/internal/pipeline"
	"github.com/rbright/candor/internal/session"
	"github.com/rbright/candor/internal/version"
)

const closingRetry = 100 * time.Millisecond

type ownerOptions struct {
	synthetic bool
}

// own acquires the control socket and runs one session to a terminal screen.
func (r Runner) own(ctx context.Context, cfg config.Config, logger *slog.Logger, token string, opts ownerOptions) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			fmt.Fprintln(r.Stderr, "error: a candor session is already running; use status or the control commands")
			return 1
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer ipc.Release(listener, socketPath)

	metrics := observability.NewMetrics()
	timeout := time.Duration(cfg.Backend.TimeoutMS) * time.Millisecond
	client := backend.NewHTTPClient(backend.Options{
		GraphQLURL: cfg.Backend.GraphQLURL,
		UploadURL:  cfg.Backend.UploadURL,
		Timeout:    timeout,
		UserAgent:  version.UserAgent(),
	})

	var commitJournal commit.Journal
	var runJournal session.RunJournal
	if cfg.Journal.Enable {
		store, err := openJournal(cfg)
		if err != nil {
			fmt.Fprintf(r.Stderr, "warning: answer journal disabled: %v\n", err)
			logger.Warn("journal unavailable", "error", err.Error())
		} else {
			defer func() { _ = store.Close() }()
			commitJournal = store
			runJournal = store
		}
	}

	var uploader commit.Uploader
	if cfg.Recording.Enable {
		uploader = commit.Backend{Client: client}
		if cfg.Debug.EnableAudioDump {
			uploader = pipeline.DumpingUploader(uploader, logger)
		}
	}

	var ctrl *session.Controller
	answers := commit.New(logger, uploader, commit.Backend{Client: client}, commit.Options{
		CallTimeout: timeout,
		Journal:     commitJournal,
		Metrics:     metrics,
		OnState: func(questionID string, state answer.SaveState) {
			ctrl.SaveStateChanged(questionID, state)
		},
	})
	defer answers.Close()

	hub := feed.NewHub()
	ctrl = session.NewController(logger, session.Options{
		Token:            token,
		Backend:          client,
		Devices:          devices(cfg, logger, opts),
		Commit:           answers,
		Probe:            probe(cfg, logger, opts),
		Cues:             cue.New(cfg.Cues, logger),
		Publisher:        hub,
		Metrics:          metrics,
		Journal:          runJournal,
		RecordingFormats: cfg.Recording.Formats,
		StopTimeout:      time.Duration(cfg.Recording.StopTimeoutMS) * time.Millisecond,
		RestartDelay:     time.Duration(cfg.ASR.RestartDelayMS) * time.Millisecond,
		ListenOnStart:    cfg.ASR.Enable,
		Tick:             time.Duration(cfg.Timer.TickMS) * time.Millisecond,
		CallTimeout:      timeout,
	})

	var feedListener net.Listener
	if cfg.Shell.Enable {
		feedListener, err = net.Listen("tcp", cfg.Shell.Listen)
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: shell listener: %v\n", err)
			return 1
		}
		shellURL := "http://" + feedListener.Addr().String() + "/"
		fmt.Fprintf(r.Stdout, "shell surface at %s\n", shellURL)
		logger.Info("shell surface listening", "url", shellURL)
		launchShell(cfg.Shell.Launch, shellURL, logger)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := ipc.Serve(gctx, listener, ctrl); err != nil {
			return fmt.Errorf("ipc server: %w", err)
		}
		return nil
	})
	if feedListener != nil {
		server := feed.New(logger, hub, ctrl, metrics)
		g.Go(func() error {
			if err := server.Serve(gctx, feedListener); err != nil {
				return fmt.Errorf("shell server: %w", err)
			}
			return nil
		})
	}

	var result session.Result
	g.Go(func() error {
		defer cancel()
		result = ctrl.Run(gctx)
		return nil
	})

	if r.Stdin != nil && (r.LineInput || isTerminal(r.Stdin)) {
		// The reader may stay blocked on stdin after the session ends; the process exits anyway.
		go r.readLines(gctx, r.Stdin, ctrl)
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	logSessionResult(logger, result)
	return r.reportOutcome(result)
}

func (r Runner) reportOutcome(result session.Result) int {
	switch {
	case result.Err != nil && !errors.Is(result.Err, context.Canceled):
		fmt.Fprintf(r.Stderr, "error: %v\n", result.Err)
		return 1
	case result.State == fsm.StateCompleted:
		fmt.Fprintf(r.Stdout, "interview submitted (%d answers saved this run)\n", result.Submitted)
		return 0
	case result.State == fsm.StateExpired:
		fmt.Fprintln(r.Stdout, "this interview link has expired")
		return 1
	case result.State == fsm.StateNotFound:
		fmt.Fprintln(r.Stdout, "no interview session matches this token")
		return 1
	case !result.State.Terminal():
		fmt.Fprintln(r.Stdout, "cancelled")
		return 0
	default:
		fmt.Fprintln(r.Stdout, result.State)
		return 1
	}
}

func openJournal(cfg config.Config) (*journal.Store, error) {
	path, err := journalPath(cfg)
	if err != nil {
		return nil, err
	}
	return journal.Open(path)
}

// devices opens the shared capture stream when recording or transcription is configured.
func devices(cfg config.Config, logger *slog.Logger, opts ownerOptions) session.Devices {
	if !cfg.Recording.Enable && !cfg.ASR.Enable {
		return nil
	}
	var rigOpts []pipeline.Option
	if opts.synthetic {
		rigOpts = append(rigOpts, pipeline.WithSyntheticAudio())
	}
	rig := pipeline.NewRig(cfg, logger, rigOpts...)
	return session.DevicesFunc(func(ctx context.Context) (session.Live, error) {
		live, err := rig.Open(ctx)
		if err != nil {
			return nil, err
		}
		return live, nil
	})
}

func probe(cfg config.Config, logger *slog.Logger, opts ownerOptions) func(context.Context) capability.Report {
	checks := capability.Checks{}
	if cfg.Recording.Enable {
		checks.Recording = capability.CaptureDevice(cfg.Audio.Input, cfg.Audio.Fallback)
		if opts.synthetic {
			checks.Recording = capability.Always
		}
	}
	if cfg.ASR.Enable {
		checks.Transcription = capability.ASRReady(cfg.ASR.HTTP, cfg.ASR.HealthPath)
	}
	return func(ctx context.Context) capability.Report {
		return capability.Probe(ctx, logger, checks)
	}
}

func launchShell(launch config.CommandConfig, url string, logger *slog.Logger) {
	argv := launch.Expand(url)
	if len(argv) == 0 {
		return
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		logger.Warn("shell launch failed", "command", launch.Raw, "error", err.Error())
		return
	}
	go func() { _ = cmd.Wait() }()
}

func isTerminal(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// lineRequest maps one typed line to a command. Plain text extends the current answer.
func lineRequest(line string) (ipc.Request, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ipc.Request{}, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return ipc.Request{Command: session.CommandAppend, Text: trimmed}, true
	}
	switch strings.ToLower(trimmed) {
	case "/next":
		return ipc.Request{Command: session.CommandNext}, true
	case "/done":
		return ipc.Request{Command: session.CommandComplete}, true
	case "/voice":
		return ipc.Request{Command: session.CommandVoice}, true
	case "/begin":
		return ipc.Request{Command: session.CommandBegin}, true
	case "/accept":
		return ipc.Request{Command: session.CommandAccept}, true
	case "/camera":
		return ipc.Request{Command: session.CommandCamera}, true
	case "/status":
		return ipc.Request{Command: session.CommandStatus}, true
	default:
		return ipc.Request{Command: strings.TrimPrefix(trimmed, "/")}, true
	}
}

func (r Runner) readLines(ctx context.Context, in io.Reader, handler ipc.Handler) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		req, ok := lineRequest(scanner.Text())
		if !ok {
			continue
		}
		resp := handleLine(ctx, handler, req)
		switch {
		case !resp.OK:
			fmt.Fprintf(r.Stderr, "%s\n", resp.Error)
		case req.Command == session.CommandStatus:
			fmt.Fprintln(r.Stdout, describeStatus(resp))
		case req.Command != session.CommandAppend && resp.Message != "":
			fmt.Fprintln(r.Stdout, resp.Message)
		}
	}
}

// handleLine retries navigation typed while the previous answer is still closing.
func handleLine(ctx context.Context, handler ipc.Handler, req ipc.Request) ipc.Response {
	for {
		resp := handler.Handle(ctx, req)
		if resp.OK || resp.Error != session.ErrClosing.Error() {
			return resp
		}
		select {
		case <-ctx.Done():
			return resp
		case <-time.After(closingRetry):
		}
	}
}

// commandSandbox serves a seeded demo backend in-process and owns a session against it.
func (r Runner) commandSandbox(ctx context.Context, cfg config.Config, logger *slog.Logger, synthetic bool) int {
	mock := mockapi.New()
	token := mock.SeedDemo()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: sandbox listener: %v\n", err)
		return 1
	}
	srv := &http.Server{Handler: mock.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	base := "http://" + ln.Addr().String()
	cfg.Backend.GraphQLURL = base + "/graphql"
	cfg.Backend.UploadURL = base + "/upload"
	fmt.Fprintf(r.Stdout, "sandbox backend at %s, token %s\n", base, token)
	logger.Info("sandbox backend started", "url", base, "token", token)

	code := r.own(ctx, cfg, logger, token, ownerOptions{synthetic: synthetic})
	fmt.Fprintf(r.Stdout, "sandbox stored %d answers, %d uploads\n", len(mock.Answers(token)), len(mock.Uploads()))
	return code
}
