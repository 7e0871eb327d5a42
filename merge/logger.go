package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// MergeLogName is the merge log file inside a storage group's system dir.
const MergeLogName = "merge.log"

// Log record heads. The log is a plain text record stream, one record per
// line, appended and fsynced at each barrier.
const (
	recSeqFiles   = "seqFiles"
	recUnseqFiles = "unseqFiles"
	recMergeStart = "merge start"
	recTS         = "ts"
	recPos        = "pos"
	recAllTsEnd   = "all ts end"
	recMoving     = "moving"
	recFileEnd    = "file"
	recMergeEnd   = "merge end"
)

// Logger writes the merge write-ahead log.
type Logger struct {
	path string
	file *os.File
}

func LogPath(sysDir string) string {
	return filepath.Join(sysDir, MergeLogName)
}

func NewLogger(sysDir string) (*Logger, error) {
	path := LogPath(sysDir)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open merge log %s: %w", path, err)
	}
	return &Logger{path: path, file: file}, nil
}

func (l *Logger) Path() string {
	return l.path
}

func (l *Logger) append(lines ...string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(l.file, line); err != nil {
			return err
		}
	}
	return l.file.Sync()
}

// LogFiles records the input file lists; the first record of every merge.
func (l *Logger) LogFiles(seqPaths, unseqPaths []string) error {
	lines := make([]string, 0, len(seqPaths)+len(unseqPaths)+2)
	lines = append(lines, recSeqFiles)
	lines = append(lines, seqPaths...)
	lines = append(lines, recUnseqFiles)
	lines = append(lines, unseqPaths...)
	return l.append(lines...)
}

// LogMergeStart is the barrier after which the inputs are locked.
func (l *Logger) LogMergeStart() error {
	return l.append(recMergeStart)
}

// LogSeriesEnd records one completed series and the safe positions of every
// open merge target so recovery can truncate torn tails.
func (l *Logger) LogSeriesEnd(idx int, device, measurement string, positions map[string]int64) error {
	lines := []string{fmt.Sprintf("%s %d %s.%s", recTS, idx, device, measurement)}
	paths := make([]string, 0, len(positions))
	for p := range positions {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		lines = append(lines, fmt.Sprintf("%s %s %d", recPos, p, positions[p]))
	}
	return l.append(lines...)
}

// LogAllTsEnd is the barrier before the file move/swap phase.
func (l *Logger) LogAllTsEnd() error {
	return l.append(recAllTsEnd)
}

// LogFileMoveStart records the safe data end of a target before its swap
// begins, so an interrupted swap can be rolled back and redone.
func (l *Logger) LogFileMoveStart(path string, safeDataEnd int64) error {
	return l.append(fmt.Sprintf("%s %s %d", recMoving, path, safeDataEnd))
}

// LogFileEnd records a target fully swapped into place.
func (l *Logger) LogFileEnd(path string) error {
	return l.append(fmt.Sprintf("%s %s", recFileEnd, path))
}

// LogMergeEnd records success; after this only cleanup remains.
func (l *Logger) LogMergeEnd() error {
	return l.append(recMergeEnd)
}

func (l *Logger) Close() error {
	return l.file.Close()
}

// Remove deletes the merge log.
func (l *Logger) Remove() error {
	l.file.Close()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
