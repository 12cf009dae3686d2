package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath names a config file when --config is absent.
const EnvConfigPath = "CANDOR_CONFIG"

// ResolvePath picks --config, then $CANDOR_CONFIG, then the XDG and home locations.
func ResolvePath(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, nil
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env, nil
	}

	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "candor", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for config fallback")
	}

	return filepath.Join(home, ".config", "candor", "config.yaml"), nil
}
