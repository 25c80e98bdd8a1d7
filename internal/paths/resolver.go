// Package paths resolves the filesystem locations Coquette writes to.
// Configuration values may use a leading ~ for the user's home
// directory; defaults follow the XDG base directory convention.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading ~ with the user's home directory. Paths
// without a leading ~ are returned unchanged, as is any path when the
// home directory cannot be determined.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// DataDir returns the directory for mutable state (the audit database).
// It honors $XDG_STATE_HOME and falls back to ~/.local/state/coquette.
// The directory is not created here; callers create it on first write.
func DataDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "coquette")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "coquette-state"
	}
	return filepath.Join(home, ".local", "state", "coquette")
}

// ConfigDir returns the directory searched for coquette.yaml after the
// working directory. It honors $XDG_CONFIG_HOME and falls back to
// ~/.config/coquette.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "coquette")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "coquette-config"
	}
	return filepath.Join(home, ".config", "coquette")
}
