package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.vkgrab.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vkgrab")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// ChatsDir returns the directory holding per-conversation transcript files.
func ChatsDir(name string) string {
	return filepath.Join(Dir(name), "chats")
}

// UserCachePath returns the persistent user cache file path.
func UserCachePath(name string) string {
	return filepath.Join(Dir(name), "users.json")
}

// StatePath returns the persisted connection state (ts/pts) path.
func StatePath(name string) string {
	return filepath.Join(Dir(name), "state.json")
}

// ChecksumManifestPath returns the integrity checksum manifest path.
func ChecksumManifestPath(name string) string {
	return filepath.Join(Dir(name), "checksums.json")
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "vkgrabd.log")
}

// ConfigPath returns the profile config file path.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		ChatsDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
