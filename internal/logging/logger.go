// Package logging writes candor's JSONL log under the XDG state directory.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// LevelEnv overrides the default level: debug, info, warn, or error.
	LevelEnv = "CANDOR_LOG_LEVEL"
	// FileName is the active log inside StateDir.
	FileName = "log.jsonl"
	// MaxBytes is the size at which the active log is rotated to FileName + ".1" on open.
	MaxBytes = 8 << 20
)

// Runtime is an open log file and the logger writing to it.
type Runtime struct {
	Logger *slog.Logger
	Path   string
	closer io.Closer
}

func (r Runtime) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// New opens the state-dir log at fallback, or at the level named by LevelEnv when set.
func New(fallback slog.Level) (Runtime, error) {
	dir, err := StateDir()
	if err != nil {
		return Runtime{}, err
	}
	level := fallback
	if raw := os.Getenv(LevelEnv); strings.TrimSpace(raw) != "" {
		if level, err = ParseLevel(raw); err != nil {
			return Runtime{}, err
		}
	}
	return open(filepath.Join(dir, FileName), level)
}

func open(path string, level slog.Level) (Runtime, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Runtime{}, err
	}
	if err := rotate(path); err != nil {
		return Runtime{}, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return Runtime{}, err
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	return Runtime{Logger: logger, Path: path, closer: f}, nil
}

// rotate keeps one previous generation once the active file reaches MaxBytes.
func rotate(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() < MaxBytes {
		return nil
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	return nil
}

// ParseLevel accepts slog level names in any case.
func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%s: %w", LevelEnv, err)
	}
	return level, nil
}

// StateDir resolves XDG_STATE_HOME/candor, falling back to ~/.local/state/candor.
func StateDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); xdg != "" {
		return filepath.Join(xdg, "candor"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "candor"), nil
}
