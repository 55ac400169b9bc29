// Package config provides process configuration and the atomic-write helper
// shared by every on-disk store in the core (sessions, cron jobs, config
// itself).
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	. "github.com/openclaw/core/internal/logging"
)

// DefaultBackupCount is the default number of backup versions to keep.
const DefaultBackupCount = 5

// BackupInfo describes a config backup file.
type BackupInfo struct {
	Path    string
	Index   int
	ModTime time.Time
	Size    int64
}

// AtomicWriteJSON marshals data as JSON and writes it atomically.
// Uses temp file + rename pattern for crash safety.
func AtomicWriteJSON(path string, data interface{}, perm os.FileMode) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return AtomicWrite(path, jsonData, perm)
}

// AtomicWrite writes data to path atomically using temp file + rename.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".openclaw-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}

	success = true
	return nil
}

// BackupAndWriteJSON copies the existing file to a timestamped backup (best
// effort; a missing source file is not an error) before writing the new
// contents atomically, then trims backups beyond maxBackups.
func BackupAndWriteJSON(path string, data interface{}, maxBackups int) error {
	if err := createBackup(path, maxBackups); err != nil {
		L_warn("config: backup failed, continuing with write", "path", path, "error", err)
	}
	return AtomicWriteJSON(path, data, 0600)
}

func createBackup(path string, maxBackups int) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	backupPath := fmt.Sprintf("%s.bak.%d", path, time.Now().UnixMilli())
	if err := copyFile(path, backupPath); err != nil {
		return err
	}
	RotateBackups(path, maxBackups)
	return nil
}

// RotateBackups trims backups beyond maxBackups, oldest first.
func RotateBackups(path string, maxBackups int) {
	backups := ListBackups(path)
	if len(backups) <= maxBackups {
		return
	}
	for _, b := range backups[maxBackups:] {
		if err := os.Remove(b.Path); err != nil {
			L_warn("config: failed to remove old backup", "path", b.Path, "error", err)
		}
	}
}

// ListBackups returns a path's backups, newest first.
func ListBackups(path string) []BackupInfo {
	matches, err := filepath.Glob(path + ".bak.*")
	if err != nil {
		return nil
	}

	infos := make([]BackupInfo, 0, len(matches))
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		infos = append(infos, BackupInfo{Path: m, ModTime: fi.ModTime(), Size: fi.Size()})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ModTime.After(infos[j].ModTime) })
	for i := range infos {
		infos[i].Index = i
	}
	return infos
}

// RestoreBackup restores the backup at the given index (0 = newest) over path.
func RestoreBackup(path string, index int) error {
	backups := ListBackups(path)
	if index < 0 || index >= len(backups) {
		return fmt.Errorf("backup index %d out of range (have %d)", index, len(backups))
	}
	return copyFile(backups[index].Path, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".openclaw-copy-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := out.Name()

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, dst)
}
