package chats

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[^a-z0-9_-]+`)

const maxNameLen = 40

// sanitizeName turns a display name into a filesystem-safe slug.
func sanitizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = unsafeChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxNameLen {
		s = s[:maxNameLen]
	}
	if s == "" {
		return "chat"
	}
	return s
}

// chatFileName derives the deterministic file name for a chat.
func chatFileName(chatID int64, name string) string {
	return fmt.Sprintf("chat_%d_%s.json", chatID, sanitizeName(name))
}

// chatFilePattern globs any file for the chat id, regardless of the name
// the chat had when it was written.
func chatFilePattern(dir string, chatID int64) string {
	return filepath.Join(dir, fmt.Sprintf("chat_%d_*.json", chatID))
}

// chatIDFromFileName extracts the chat id from a stored file's base name.
func chatIDFromFileName(base string) (int64, bool) {
	if !strings.HasPrefix(base, "chat_") || !strings.HasSuffix(base, ".json") {
		return 0, false
	}
	rest := strings.TrimPrefix(base, "chat_")
	i := strings.IndexByte(rest, '_')
	if i < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(rest[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
