// Package doctor runs readiness diagnostics for config, backend, audio, ASR, and recording.
package doctor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rbright/candor/internal/audio"
	"github.com/rbright/candor/internal/config"
	"github.com/rbright/candor/internal/ipc"
	"github.com/rbright/candor/internal/media"
	"github.com/rbright/candor/internal/pipeline"
	"github.com/rbright/candor/internal/riva"
)

const probeTimeout = 2 * time.Second

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// selectDevice is swapped in tests that must not reach a sound server.
var selectDevice = audio.SelectDevice

// Run executes environment/config/runtime checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{}

	message := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		message = fmt.Sprintf("no file at %q; using defaults", cfg.Path)
	}
	checks = append(checks, Check{Name: "config", Pass: true, Message: message})

	checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "runtime dir is set", "XDG_RUNTIME_DIR is empty; control socket unavailable"))
	checks = append(checks, checkRuntimeDir())

	checks = append(checks, checkBackend(ctx, cfg.Config.Backend))

	if cfg.Config.Recording.Enable || cfg.Config.ASR.Enable {
		checks = append(checks, checkAudioSelection(ctx, cfg.Config))
	}
	if cfg.Config.ASR.Enable {
		checks = append(checks, checkRivaReady(ctx, cfg.Config))
	}
	if cfg.Config.Recording.Enable {
		checks = append(checks, checkRecordingFormats(cfg.Config.Recording.Formats))
	}

	if cfg.Config.Cues.Enable && cfg.Config.Cues.Backend == "desktop" {
		checks = append(checks, checkBinary("busctl", "desktop notifications need busctl"))
	}
	if cfg.Config.Shell.Enable && len(cfg.Config.Shell.Launch.Argv) > 0 {
		checks = append(checks, checkCommand(cfg.Config.Shell.Launch.Argv, "shell.launch"))
	}

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkRuntimeDir confirms the socket directory exists and reports a stale owner socket.
func checkRuntimeDir() Check {
	path, err := ipc.RuntimeSocketPath()
	if err != nil {
		return Check{Name: "runtime.socket", Pass: false, Message: err.Error()}
	}
	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return Check{Name: "runtime.socket", Pass: false, Message: fmt.Sprintf("runtime dir unavailable: %v", err)}
	}
	if !info.IsDir() {
		return Check{Name: "runtime.socket", Pass: false, Message: fmt.Sprintf("%s is not a directory", filepath.Dir(path))}
	}
	if _, err := os.Stat(path); err == nil {
		return Check{Name: "runtime.socket", Pass: true, Message: fmt.Sprintf("%s exists (session running or stale)", path)}
	}
	return Check{Name: "runtime.socket", Pass: true, Message: fmt.Sprintf("socket will be created at %s", path)}
}

// checkBackend confirms the GraphQL endpoint answers HTTP at all. Any status below 500
// counts: an unauthenticated GET is expected to be refused.
func checkBackend(ctx context.Context, cfg config.BackendConfig) Check {
	url := strings.TrimSpace(cfg.GraphQLURL)
	if url == "" {
		return Check{Name: "backend", Pass: false, Message: "backend.graphql_url is empty"}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Check{Name: "backend", Pass: false, Message: fmt.Sprintf("invalid url: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Check{Name: "backend", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 256))

	if resp.StatusCode >= 500 {
		return Check{Name: "backend", Pass: false, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url)}
	}
	return Check{Name: "backend", Pass: true, Message: fmt.Sprintf("reachable at %s (HTTP %d)", url, resp.StatusCode)}
}

// checkCommand validates that argv contains a runnable command.
func checkCommand(argv []string, name string) Check {
	if len(argv) == 0 {
		return Check{Name: name, Pass: false, Message: "command is empty"}
	}
	return checkBinary(argv[0], fmt.Sprintf("%s command is available", name))
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(ctx context.Context, cfg config.Config) Check {
	selection, err := selectDevice(ctx, cfg.Audio.Input, cfg.Audio.Fallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}

// checkRivaReady probes the configured Riva HTTP ready endpoint.
func checkRivaReady(ctx context.Context, cfg config.Config) Check {
	if strings.TrimSpace(cfg.ASR.HTTP) == "" {
		return Check{Name: "asr.ready", Pass: false, Message: "asr.http is empty"}
	}
	url, err := riva.CheckReady(ctx, cfg.ASR.HTTP, cfg.ASR.HealthPath, probeTimeout)
	if err != nil {
		return Check{Name: "asr.ready", Pass: false, Message: err.Error()}
	}
	return Check{Name: "asr.ready", Pass: true, Message: fmt.Sprintf("ready at %s", url)}
}

// checkRecordingFormats confirms at least one preferred format matches what the live stream
// can encode.
func checkRecordingFormats(preferences []string) Check {
	format, err := media.SelectFormat(preferences, []media.Format{pipeline.WAVFormat()})
	if err != nil {
		return Check{
			Name:    "recording.format",
			Pass:    false,
			Message: fmt.Sprintf("none of %v can be produced: %v", preferences, err),
		}
	}
	return Check{Name: "recording.format", Pass: true, Message: fmt.Sprintf("recording as %s", format.MIMEType)}
}
