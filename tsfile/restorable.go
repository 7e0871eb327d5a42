package tsfile

import (
	"bufio"
	"fmt"
	"os"
)

// NewRestorableWriter reopens a file whose tail may be torn or whose
// metadata must be rewritten: it self-checks, truncates to the largest safe
// prefix, and returns a writer positioned to append, with the recovered
// chunk groups and version records visible through VisibleMetadata. Used by
// crash recovery and by the in-place merge.
func NewRestorableWriter(path string, opts WriterOptions) (*FileWriter, *CheckResult, error) {
	opts.applyDefaults()
	result, err := SelfCheck(path, false, opts.Logger)
	if err != nil {
		return nil, nil, err
	}
	switch result.Status {
	case CheckIncompatible:
		return nil, nil, fmt.Errorf("%w: %s is not a data file", ErrCorrupted, path)
	case CheckOnlyMagicHead, CheckTruncated:
		// fall through and reopen at the safe position
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	if err := file.Truncate(result.TruncatedPosition); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("truncate %s to %d: %w", path, result.TruncatedPosition, err)
	}
	if _, err := file.Seek(result.TruncatedPosition, 0); err != nil {
		file.Close()
		return nil, nil, err
	}
	w := &FileWriter{
		path:        path,
		file:        file,
		buf:         bufio.NewWriter(file),
		offset:      result.TruncatedPosition,
		opts:        opts,
		groups:      result.ChunkGroups,
		versionInfo: result.VersionInfo,
	}
	opts.Logger.Info("restored writer at safe position",
		"path", path, "position", result.TruncatedPosition,
		"chunk_groups", len(result.ChunkGroups))
	return w, result, nil
}

// ChunkGroups exposes the chunk groups written (or recovered) so far.
func (w *FileWriter) ChunkGroups() []ChunkGroupMetadata {
	return w.groups
}

// FilterChunks drops chunks rejected by keep from the writer's in-memory
// metadata; their bytes remain in the file but are never indexed. The
// in-place merge uses this to hide superseded chunks when it reseals a file.
func (w *FileWriter) FilterChunks(keep func(device string, cm *ChunkMetadata) bool) {
	filtered := make([]ChunkGroupMetadata, 0, len(w.groups))
	for _, g := range w.groups {
		kept := make([]*ChunkMetadata, 0, len(g.Chunks))
		for _, cm := range g.Chunks {
			if keep(g.Device, cm) {
				kept = append(kept, cm)
			}
		}
		if len(kept) > 0 {
			filtered = append(filtered, ChunkGroupMetadata{Device: g.Device, Chunks: kept})
		}
	}
	w.groups = filtered
}
