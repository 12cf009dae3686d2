// Package app executes parsed candor commands: control forwarding, diagnostics, history, and the
// session owner.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rbright/candor/internal/audio"
	"github.com/rbright/candor/internal/cli"
	"github.com/rbright/candor/internal/config"
	"github.com/rbright/candor/internal/doctor"
	"github.com/rbright/candor/internal/fsm"
	"github.com/rbright/candor/internal/ipc"
	"github.com/rbright/candor/internal/journal"
	"github.com/rbright/candor/internal/logging"
	"github.com/rbright/candor/internal/session"
)

const forwardTimeout = 220 * time.Millisecond

// Runner carries process streams. LineInput forces stdin line commands even when stdin is not
// a terminal.
type Runner struct {
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
	Logger    *slog.Logger
	LineInput bool
}

// Execute parses args and runs the selected command.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	r := Runner{Stdin: stdin, Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	return cli.Execute(ctx, args, r.Stdout, r.Stderr, r.dispatch)
}

func (r Runner) dispatch(ctx context.Context, inv cli.Invocation) int {
	logRuntime, err := logging.New(slog.LevelInfo)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(inv.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", inv.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch inv.Command {
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandHistory:
		return r.commandHistory(ctx, cfgLoaded.Config, inv)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandRun:
		return r.own(ctx, cfgLoaded.Config, logger, inv.Token, ownerOptions{})
	case cli.CommandSandbox:
		return r.commandSandbox(ctx, cfgLoaded.Config, logger, inv.Synthetic)
	case cli.CommandVoice:
		command := session.CommandVoice
		switch inv.Text {
		case "on":
			command = session.CommandVoiceOn
		case "off":
			command = session.CommandVoiceOff
		}
		return r.forwardOrFail(ctx, ipc.Request{Command: command})
	case cli.CommandBegin, cli.CommandCamera, cli.CommandAccept, cli.CommandAnswer,
		cli.CommandAppend, cli.CommandNext, cli.CommandComplete:
		return r.forwardOrFail(ctx, ipc.Request{Command: string(inv.Command), Text: inv.Text})
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", inv.Command)
		return 2
	}
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := yesNo(device.Available)
		kind := "microphone"
		if device.Monitor {
			kind = "monitor"
		}
		fmt.Fprintf(r.Stdout, "%s id=%s | description=%q | kind=%s | state=%s | available=%s | muted=%s\n",
			defaultMark, device.ID, device.Description, kind, device.State, availability, yesNo(device.Muted))
	}

	return 0
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: session.CommandStatus})
	if !handled {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintln(r.Stdout, describeStatus(resp))
	return 0
}

// describeStatus renders one status line from the snapshot carried in Detail.
func describeStatus(resp ipc.Response) string {
	if resp.State == "" {
		return "idle"
	}
	var snap session.Snapshot
	if len(resp.Detail) == 0 || json.Unmarshal(resp.Detail, &snap) != nil {
		return resp.State
	}
	if snap.Screen != fsm.StateInterview {
		return string(snap.Screen)
	}

	line := fmt.Sprintf("%s: question %d of %d", snap.Screen, snap.QuestionIndex+1, snap.QuestionCount)
	if !snap.Untimed {
		line += fmt.Sprintf(", %ds left", snap.RemainingSeconds)
	}
	if snap.Listening {
		line += ", listening"
	}
	if snap.Closing {
		line += ", saving previous answer"
	}
	return line
}

func (r Runner) commandHistory(ctx context.Context, cfg config.Config, inv cli.Invocation) int {
	path, err := journalPath(cfg)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(r.Stdout, "no journal recorded yet")
		return 0
	}
	store, err := journal.Open(path)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	if inv.Token == "" {
		runs, err := store.Runs(ctx, inv.Limit)
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		for _, run := range runs {
			finished := "-"
			if run.FinishedAt != nil {
				finished = run.FinishedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(r.Stdout, "%s run=%s outcome=%s started=%s finished=%s\n",
				run.Token, run.RunID, run.Outcome, run.StartedAt.Format(time.RFC3339), finished)
		}
		return 0
	}

	entries, err := store.History(ctx, inv.Token)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %s %s chars=%d", e.At.Format(time.RFC3339), e.QuestionID, e.State, e.TextLength)
		if e.VideoRef != "" {
			line += " video=" + e.VideoRef
		}
		if e.Error != "" {
			line += fmt.Sprintf(" error=%q", e.Error)
		}
		fmt.Fprintln(r.Stdout, line)
	}
	return 0
}

// journalPath resolves the configured journal file, defaulting into the state dir.
func journalPath(cfg config.Config) (string, error) {
	if path := strings.TrimSpace(cfg.Journal.Path); path != "" {
		return path, nil
	}
	dir, err := logging.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, journal.FileName), nil
}

func (r Runner) forwardOrFail(ctx context.Context, req ipc.Request) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, req)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no active candor session\n")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

func logSessionResult(logger *slog.Logger, result session.Result) {
	if logger == nil {
		return
	}
	fields := []any{
		"state", result.State,
		"token", result.Token,
		"run_id", result.RunID,
		"started_at", result.StartedAt.Format(time.RFC3339Nano),
		"finished_at", result.FinishedAt.Format(time.RFC3339Nano),
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		"audio_device", result.AudioDevice,
		"answers_submitted", result.Submitted,
		"recording", result.Capabilities.Recording,
		"transcription", result.Capabilities.Transcription,
	}

	if result.Err != nil {
		logger.Error("session failed", append(fields, "error", result.Err.Error())...)
		return
	}
	logger.Info("session finished", fields...)
}

func tryForward(ctx context.Context, socketPath string, req ipc.Request) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, req, forwardTimeout)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if ipc.Unreachable(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", req.Command, err)
}
