package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// versionSaveInterval is how many versions pass between checkpoint renames.
// After a crash the controller restarts past the last checkpoint plus one
// full interval, so handed-out versions never repeat.
const versionSaveInterval = 500

const versionFilePrefix = "Version-"

// VersionController hands out the strictly increasing flush/merge versions
// of one storage group. It persists a checkpoint file "Version-{n}" in the
// group's system directory.
type VersionController struct {
	mu      sync.Mutex
	dir     string
	version int64
}

// NewVersionController restores (or initializes) the controller for a
// storage group system directory.
func NewVersionController(dir string) (*VersionController, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	vc := &VersionController{dir: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), versionFilePrefix) {
			n, err := strconv.ParseInt(strings.TrimPrefix(e.Name(), versionFilePrefix), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("unreadable version checkpoint %s: %w", e.Name(), err)
			}
			if n > vc.version {
				vc.version = n
			}
			found = true
		}
	}
	previous := int64(-1)
	if found {
		// Skip one interval: versions in (checkpoint, checkpoint+interval]
		// may have been handed out before the crash.
		previous = vc.version
		vc.version += versionSaveInterval
	}
	if err := vc.checkpoint(vc.version, previous); err != nil {
		return nil, err
	}
	return vc, nil
}

func (vc *VersionController) checkpoint(version, previous int64) error {
	path := filepath.Join(vc.dir, fmt.Sprintf("%s%d", versionFilePrefix, version))
	if previous >= 0 {
		old := filepath.Join(vc.dir, fmt.Sprintf("%s%d", versionFilePrefix, previous))
		if err := os.Rename(old, path); err == nil {
			return nil
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// NextVersion returns a fresh version, checkpointing every interval.
func (vc *VersionController) NextVersion() (int64, error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.version++
	if vc.version%versionSaveInterval == 0 {
		if err := vc.checkpoint(vc.version, vc.version-versionSaveInterval); err != nil {
			return 0, fmt.Errorf("persist version checkpoint: %w", err)
		}
	}
	return vc.version, nil
}

// CurrVersion returns the last handed-out version.
func (vc *VersionController) CurrVersion() int64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.version
}
