// Package paths provides centralized state-directory resolution for the core.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDirEnv overrides the state directory outright when set.
const StateDirEnv = "OPENCLAW_STATE_DIR"

// ProfileEnv selects a named profile, suffixing the default state directory.
const ProfileEnv = "OPENCLAW_PROFILE"

// BaseDir resolves the state directory root.
//
// OPENCLAW_STATE_DIR wins outright. Otherwise $HOME/.openclaw[-<profile>],
// where <profile> is OPENCLAW_PROFILE if set.
func BaseDir() (string, error) {
	if override := os.Getenv(StateDirEnv); override != "" {
		return ExpandTilde(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	dirName := ".openclaw"
	if profile := os.Getenv(ProfileEnv); profile != "" {
		dirName = ".openclaw-" + profile
	}
	return filepath.Join(home, dirName), nil
}

// StatePath returns a path within the state directory (<stateDir>/<subpath>).
func StatePath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// SessionsPath returns the session store's path (<stateDir>/sessions.json).
func SessionsPath() (string, error) {
	return StatePath("sessions.json")
}

// SessionsLockPath returns the session store's lock-file path.
func SessionsLockPath() (string, error) {
	return StatePath("sessions.json.lock")
}

// CronJobsPath returns the cron job table's path (<stateDir>/cron/jobs.json).
func CronJobsPath() (string, error) {
	return StatePath(filepath.Join("cron", "jobs.json"))
}

// CronRunsDir returns the directory holding per-job run history JSONL files.
func CronRunsDir() (string, error) {
	return StatePath(filepath.Join("cron", "runs"))
}

// DeviceKeysPath returns the gateway's device-identity keystore path.
func DeviceKeysPath() (string, error) {
	return StatePath(filepath.Join("gateway", "devices.json"))
}

// ConfigPath returns the active config.json path.
// Priority: ./config.json (current dir) > <stateDir>/config.json.
// Returns ("", nil) if no config exists — a valid state, not an error.
func ConfigPath() (string, error) {
	localPath := "config.json"
	if _, err := os.Stat(localPath); err == nil {
		absPath, err := filepath.Abs(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	globalPath, err := StatePath("config.json")
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", nil
}

// DefaultConfigPath returns the default location for new configs.
func DefaultConfigPath() (string, error) {
	return StatePath("config.json")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
