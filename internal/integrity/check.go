package integrity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dmarkelov/vkgrab/internal/chats"
)

// CheckResult describes the health of a single stored chat file.
type CheckResult struct {
	Path            string   `json:"path"`
	Valid           bool     `json:"valid"`
	Corrupted       bool     `json:"corrupted"`
	HasBackup       bool     `json:"hasBackup"`
	CanRecover      bool     `json:"canRecover"`
	Issues          []string `json:"issues,omitempty"`
	RecoveryActions []string `json:"recoveryActions,omitempty"`
	Checksum        string   `json:"checksum,omitempty"`
	BackupPaths     []string `json:"backupPaths,omitempty"`
}

// CheckFile inspects a chat file. Structural damage (unreadable or
// invalid JSON, checksum mismatch) marks the file corrupted; schema
// violations are recorded as issues but keep the file valid.
func (s *Scanner) CheckFile(path string) CheckResult {
	res := CheckResult{Path: path}
	res.BackupPaths = backupsFor(path)
	res.HasBackup = len(res.BackupPaths) > 0

	data, err := os.ReadFile(path)
	if err != nil {
		res.Corrupted = true
		res.Issues = append(res.Issues, fmt.Sprintf("unreadable: %v", err))
		res.CanRecover = res.HasBackup
		if res.HasBackup {
			res.RecoveryActions = append(res.RecoveryActions, "restore newest backup")
		}
		return res
	}

	res.Checksum = ChecksumBytes(data)
	if s.manifest != nil {
		if want, ok := s.manifest.Lookup(path); ok && want != res.Checksum {
			res.Corrupted = true
			res.Issues = append(res.Issues, "checksum mismatch with manifest")
		}
	}

	var stored chats.StoredChatFile
	if err := json.Unmarshal(data, &stored); err != nil {
		res.Corrupted = true
		res.Issues = append(res.Issues, fmt.Sprintf("invalid JSON: %v", err))
		res.RecoveryActions = append(res.RecoveryActions, "textual repair")
	}

	if res.Corrupted {
		res.CanRecover = res.HasBackup || len(res.RecoveryActions) > 0
		if res.HasBackup {
			res.RecoveryActions = append([]string{"restore newest backup"}, res.RecoveryActions...)
		}
		return res
	}

	res.Valid = true
	res.Issues = append(res.Issues, schemaIssues(&stored)...)
	return res
}

// schemaIssues checks the chat record shape. Violations are warnings:
// the file stays usable.
func schemaIssues(stored *chats.StoredChatFile) []string {
	var issues []string
	if stored.Chat.ID == 0 {
		issues = append(issues, "missing chat id")
	}
	if stored.Chat.Name == "" {
		issues = append(issues, "missing chat name")
	}
	seen := make(map[int64]bool, len(stored.Chat.Messages))
	for _, msg := range stored.Chat.Messages {
		if seen[msg.ID] {
			issues = append(issues, fmt.Sprintf("duplicate message id %d", msg.ID))
		}
		seen[msg.ID] = true
	}
	ordered := sort.SliceIsSorted(stored.Chat.Messages, func(a, b int) bool {
		return stored.Chat.Messages[a].Timestamp < stored.Chat.Messages[b].Timestamp
	})
	if !ordered {
		issues = append(issues, "messages out of chronological order")
	}
	return issues
}

// backupsFor lists this file's backups, newest first.
func backupsFor(path string) []string {
	matches, err := filepath.Glob(path + ".backup.*")
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}
