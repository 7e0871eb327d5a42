package resource

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ModsSuffix is appended to a data file path to name its modification file.
const ModsSuffix = ".mods"

// Deletion is one tombstone record: samples of Path with timestamp at or
// below UpperBound in chunks whose version is at or below FileVersion are
// logically deleted.
type Deletion struct {
	Path        string
	UpperBound  int64
	FileVersion int64
}

// Matches reports whether the record applies to a series path.
func (d Deletion) Matches(path string) bool {
	return d.Path == path
}

// ModificationFile is the append-only tombstone file beside one data file.
// Records are text lines, fsynced on append so a delete that returned is
// durable.
type ModificationFile struct {
	mu   sync.Mutex
	path string
	file *os.File
	// cached records; nil until first read
	records []Deletion
	loaded  bool
}

func NewModificationFile(path string) *ModificationFile {
	return &ModificationFile{path: path}
}

func (m *ModificationFile) Path() string {
	return m.path
}

// Exists reports whether the file is present on disk.
func (m *ModificationFile) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Append writes one tombstone record and fsyncs.
func (m *ModificationFile) Append(d Deletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		file, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open modification file %s: %w", m.path, err)
		}
		m.file = file
	}
	line := fmt.Sprintf("%s,DELETE,%d,%d\n", d.Path, d.UpperBound, d.FileVersion)
	if _, err := m.file.WriteString(line); err != nil {
		return fmt.Errorf("append modification to %s: %w", m.path, err)
	}
	if err := m.file.Sync(); err != nil {
		return err
	}
	if m.loaded {
		m.records = append(m.records, d)
	}
	return nil
}

// Records returns every tombstone recorded so far.
func (m *ModificationFile) Records() ([]Deletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		out := make([]Deletion, len(m.records))
		copy(out, m.records)
		return out, nil
	}
	file, err := os.Open(m.path)
	if os.IsNotExist(err) {
		m.loaded = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var records []Deletion
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 4 || parts[1] != "DELETE" {
			return nil, fmt.Errorf("malformed modification record in %s: %q", m.path, line)
		}
		upper, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed modification record in %s: %q", m.path, line)
		}
		version, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed modification record in %s: %q", m.path, line)
		}
		records = append(records, Deletion{Path: parts[0], UpperBound: upper, FileVersion: version})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	m.records = records
	m.loaded = true
	out := make([]Deletion, len(records))
	copy(out, records)
	return out, nil
}

// Close releases the file handle; the records stay on disk.
func (m *ModificationFile) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// Remove deletes the file from disk.
func (m *ModificationFile) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}
	m.records = nil
	m.loaded = false
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
