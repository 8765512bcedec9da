// Package integrity validates stored chat files against a checksum
// manifest and recovers corrupted files from backups, textual repair, or
// the in-memory cache.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Manifest maps file base names to their last known sha256 checksum.
// It is persisted as checksums.json in the profile directory.
type Manifest struct {
	mu   sync.Mutex
	path string
	// Sums keys are base names so the manifest survives profile moves.
	Sums map[string]string `json:"sums"`
}

// LoadManifest reads the manifest at path. A missing file yields an
// empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path, Sums: make(map[string]string)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checksum manifest: %w", err)
	}
	if err := json.Unmarshal(data, m); err != nil {
		// A broken manifest is not fatal: checksums get rebuilt on the
		// next save.
		return &Manifest{path: path, Sums: make(map[string]string)}, nil
	}
	if m.Sums == nil {
		m.Sums = make(map[string]string)
	}
	return m, nil
}

// Record stores the checksum for a file and persists the manifest.
func (m *Manifest) Record(path string, sum string) error {
	m.mu.Lock()
	m.Sums[filepath.Base(path)] = sum
	m.mu.Unlock()
	return m.save()
}

// Lookup returns the recorded checksum for a file, if any.
func (m *Manifest) Lookup(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, ok := m.Sums[filepath.Base(path)]
	return sum, ok
}

func (m *Manifest) save() error {
	m.mu.Lock()
	data, err := json.MarshalIndent(m, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Checksum returns the hex sha256 of the file contents.
func Checksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return ChecksumBytes(data), nil
}

// ChecksumBytes returns the hex sha256 of data.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
