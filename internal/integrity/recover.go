package integrity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dmarkelov/vkgrab/internal/bus"
	"go.uber.org/zap"
)

// CacheSource supplies a rebuilt payload for a chat file from memory.
// Returns false when the cache holds nothing for that file.
type CacheSource func(path string) ([]byte, bool)

// Scanner runs startup integrity checks over the chat store.
type Scanner struct {
	manifest *Manifest
	cache    CacheSource
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewScanner creates an integrity scanner. manifest and cache may be nil.
func NewScanner(manifest *Manifest, cache CacheSource, b *bus.Bus, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{manifest: manifest, cache: cache, bus: b, logger: logger}
}

// RecordChecksum notes a freshly written file in the manifest.
func (s *Scanner) RecordChecksum(path string) {
	if s.manifest == nil {
		return
	}
	sum, err := Checksum(path)
	if err != nil {
		return
	}
	if err := s.manifest.Record(path, sum); err != nil {
		s.logger.Warn("checksum manifest save failed", zap.Error(err))
	}
}

// ScanAndRecover walks the given directories and recovers every corrupted
// chat file it can. Per file the chain is newest valid backup, then
// textual repair, then the in-memory cache; a file nothing can recover is
// renamed aside. The scan itself never fails.
func (s *Scanner) ScanAndRecover(dirs ...string) []CheckResult {
	var results []CheckResult
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "chat_*.json"))
		if err != nil {
			continue
		}
		for _, path := range matches {
			res := s.CheckFile(path)
			if res.Corrupted {
				s.recoverFile(path, &res)
			}
			results = append(results, res)
		}
	}
	return results
}

func (s *Scanner) recoverFile(path string, res *CheckResult) {
	for _, backup := range res.BackupPaths {
		data, err := os.ReadFile(backup)
		if err != nil || !validPayload(data) {
			continue
		}
		if err := s.restore(path, data); err == nil {
			s.logger.Info("chat file restored from backup",
				zap.String("path", path), zap.String("backup", backup))
			s.publishRecovered(path, "backup")
			res.Valid, res.Corrupted = true, false
			return
		}
	}

	if data, err := os.ReadFile(path); err == nil {
		if repaired, ok := repairJSON(data); ok {
			if err := s.restore(path, repaired); err == nil {
				s.logger.Info("chat file repaired in place", zap.String("path", path))
				s.publishRecovered(path, "repair")
				res.Valid, res.Corrupted = true, false
				return
			}
		}
	}

	if s.cache != nil {
		if data, ok := s.cache(path); ok && validPayload(data) {
			if err := s.restore(path, data); err == nil {
				s.logger.Info("chat file rebuilt from cache", zap.String("path", path))
				s.publishRecovered(path, "cache")
				res.Valid, res.Corrupted = true, false
				return
			}
		}
	}

	quarantine := fmt.Sprintf("%s.corrupted.%d", path, time.Now().Unix())
	if err := os.Rename(path, quarantine); err != nil {
		s.logger.Error("could not quarantine corrupted chat file",
			zap.String("path", path), zap.Error(err))
	} else {
		s.logger.Warn("chat file quarantined", zap.String("path", quarantine))
	}
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: bus.KindFileCorrupted, Timestamp: time.Now(), Payload: path})
	}
}

func (s *Scanner) restore(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.RecordChecksum(path)
	return nil
}

func (s *Scanner) publishRecovered(path, via string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindFileRecovered,
		Timestamp: time.Now(),
		Payload:   map[string]string{"path": path, "via": via},
	})
}

func validPayload(data []byte) bool {
	return json.Valid(data)
}

// repairJSON attempts a textual fix of common corruption shapes: trailing
// commas before a closing brace or bracket, and truncation that lost the
// closing delimiters. Returns the repaired bytes only when the result
// parses.
func repairJSON(data []byte) ([]byte, bool) {
	fixed := stripTrailingCommas(data)
	if json.Valid(fixed) {
		return fixed, true
	}
	fixed = closeTruncated(fixed)
	if json.Valid(fixed) {
		return fixed, true
	}
	return nil, false
}

func stripTrailingCommas(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data))
	inString := false
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(data) && isSpace(data[j]) {
				j++
			}
			if j < len(data) && (data[j] == '}' || data[j] == ']') {
				continue
			}
		}
		out.WriteByte(c)
	}
	return out.Bytes()
}

// closeTruncated appends the closing delimiters a truncated document is
// missing, terminating an unfinished string first.
func closeTruncated(data []byte) []byte {
	var stack []byte
	inString := false
	escaped := false
	for _, c := range data {
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	out := bytes.TrimRight(data, " \t\r\n")
	if inString {
		out = append(out, '"')
	} else {
		// A dangling comma or colon before the appended closers would
		// still break the parse.
		out = bytes.TrimRight(out, ",:")
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, stack[i])
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
