package chats

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// backupFile copies the current version of path to
// {path}.backup.{unix-ts} before it is overwritten. Missing originals are
// fine: there is nothing to back up.
func backupFile(path string, now int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read for backup: %w", err)
	}
	backupPath := fmt.Sprintf("%s.backup.%d", path, now)
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

// listBackups returns the backup files for path, newest first.
func listBackups(path string) []string {
	matches, _ := filepath.Glob(path + ".backup.*")
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	// Timestamps of equal digit count sort lexicographically; good enough
	// until 2286.
	return matches
}

// pruneBackups removes the oldest backups beyond the retention count.
func pruneBackups(path string, keep int) {
	backups := listBackups(path)
	if len(backups) <= keep {
		return
	}
	for _, old := range backups[keep:] {
		_ = os.Remove(old)
	}
}
