package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Environment overrides applied after the file. They let a launcher point one run at another
// backend without editing config.
const (
	EnvBackendURL  = "CANDOR_BACKEND_URL"
	EnvShellListen = "CANDOR_SHELL_LISTEN"
)

// Loaded captures resolved config path, parsed values, and non-fatal warnings.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	Exists   bool
}

// Load resolves, reads, parses, and validates the runtime configuration.
func Load(explicitPath string) (Loaded, error) {
	resolvedPath, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	loaded := Loaded{Path: resolvedPath, Config: Default()}
	content, err := os.ReadFile(resolvedPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		loaded.Warnings = append(loaded.Warnings, Warning{
			Message: fmt.Sprintf("config file %q not found; using defaults", resolvedPath),
		})
	case err != nil:
		return Loaded{}, fmt.Errorf("read config %q: %w", resolvedPath, err)
	default:
		cfg, warnings, err := Parse(string(content), loaded.Config)
		if err != nil {
			return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, err)
		}
		loaded.Config = cfg
		loaded.Warnings = warnings
		loaded.Exists = true
	}

	if applyEnv(&loaded.Config) {
		if _, err := Validate(loaded.Config); err != nil {
			return Loaded{}, fmt.Errorf("environment override: %w", err)
		}
	}
	return loaded, nil
}

// applyEnv overlays environment overrides and reports whether any applied.
func applyEnv(cfg *Config) bool {
	applied := false
	if base := strings.TrimRight(strings.TrimSpace(os.Getenv(EnvBackendURL)), "/"); base != "" {
		cfg.Backend.GraphQLURL = base + "/graphql"
		cfg.Backend.UploadURL = base + "/upload"
		applied = true
	}
	if listen := strings.TrimSpace(os.Getenv(EnvShellListen)); listen != "" {
		cfg.Shell.Listen = listen
		applied = true
	}
	return applied
}
