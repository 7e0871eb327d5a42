package merge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/resource"
	"github.com/INLOpen/granite/tsfile"
)

// Recover inspects the merge log of one storage group and resumes, finishes
// or aborts the interrupted merge. seqAll/unseqAll are the resources loaded
// at startup; inputs named by the log are matched against them by path.
// With continueMerge false the merge is rolled back: targets are truncated
// to their pre-merge safe positions and the log dropped without swapping.
func Recover(seqAll, unseqAll []*resource.FileResource, continueMerge bool, opts TaskOptions, callback EndCallback) error {
	opts.applyDefaults()
	logger := opts.Logger
	logPath := LogPath(opts.SysDir)
	analyzer, err := AnalyzeLog(logPath)
	if err != nil {
		return fmt.Errorf("analyze merge log %s: %w", logPath, err)
	}
	if analyzer.Status == StatusNone {
		if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	logger.Info("merge recovery status determined", "status", analyzer.Status.String(),
		"seq_files", len(analyzer.SeqPaths), "unseq_files", len(analyzer.UnseqPaths))

	byPath := map[string]*resource.FileResource{}
	for _, f := range seqAll {
		byPath[f.Path()] = f
	}
	for _, f := range unseqAll {
		byPath[f.Path()] = f
	}
	var seq, unseq []*resource.FileResource
	var missing []string
	for _, p := range analyzer.SeqPaths {
		if f, ok := byPath[p]; ok {
			seq = append(seq, f)
		} else {
			missing = append(missing, p)
		}
	}
	for _, p := range analyzer.UnseqPaths {
		if f, ok := byPath[p]; ok {
			unseq = append(unseq, f)
		} else {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 && analyzer.Status != StatusMergeEnd {
		// Input files vanished since the merge was logged; there is nothing
		// sound to resume. Abort and log instead of fabricating empty
		// outputs.
		logger.Error("merge inputs missing, aborting interrupted merge", "missing", missing)
		abortMerge(analyzer, logger)
		return os.Remove(logPath)
	}

	res := NewResource(seq, unseq, opts.MaxDegreeOfIndexNode)
	task := NewTask(res, opts, callback)

	switch analyzer.Status {
	case StatusMergeEnd:
		// Success was already durable; only cleanup remained.
		task.removeMergeTemps()
		newFiles := recoverNewFiles(analyzer, byPath)
		if callback != nil {
			callback(seq, unseq, logPath, newFiles)
		}
		res.CloseReaders()
		return nil
	case StatusAllTsMerged:
		if !continueMerge {
			abortMerge(analyzer, logger)
			res.CloseReaders()
			return os.Remove(logPath)
		}
		return task.resume(analyzer, true)
	case StatusMergeStart:
		if !continueMerge {
			abortMerge(analyzer, logger)
			res.CloseReaders()
			return os.Remove(logPath)
		}
		return task.resume(analyzer, false)
	default:
		return fmt.Errorf("unrecognized merge log status %v", analyzer.Status)
	}
}

// recoverNewFiles rebuilds the squeeze outputs named in the log but absent
// from the input lists, from their persisted side-cars.
func recoverNewFiles(analyzer *LogAnalyzer, known map[string]*resource.FileResource) []*resource.FileResource {
	var out []*resource.FileResource
	for p := range analyzer.FilesEnded {
		if _, ok := known[p]; ok {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		newRes := resource.NewFileResource(p)
		if err := newRes.Deserialize(); err != nil {
			continue
		}
		newRes.SetClosed(true)
		out = append(out, newRes)
	}
	return out
}

// abortMerge rolls interrupted targets back: originals whose swap began are
// truncated to their logged pre-merge data end and resealed; intermediate
// outputs are deleted.
func abortMerge(analyzer *LogAnalyzer, logger *slog.Logger) {
	for path, safeEnd := range analyzer.MoveStarted {
		if analyzer.FilesEnded[path] {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.Truncate(path, safeEnd); err != nil {
			logger.Error("cannot roll back merge target", "path", path, "error", err)
			continue
		}
		w, _, err := tsfile.NewRestorableWriter(path, tsfile.WriterOptions{Logger: logger})
		if err != nil {
			logger.Error("cannot reseal rolled-back merge target", "path", path, "error", err)
			continue
		}
		if err := w.EndFile(context.Background()); err != nil {
			logger.Error("cannot reseal rolled-back merge target", "path", path, "error", err)
		}
	}
	for target := range analyzer.FileLastPositions {
		if strings.HasSuffix(target, core.MergeFileSuffix) {
			os.Remove(target)
		} else if !analyzer.FilesEnded[target] {
			// Unfinished squeeze output.
			os.Remove(target)
		}
	}
	for _, p := range analyzer.SeqPaths {
		os.Remove(p + core.MergeFileSuffix)
	}
}

// resume restores the merge writers, truncates targets to their last safe
// positions, rebuilds the merged-series bookkeeping by walking each merge
// writer's already-visible metadata, and continues from the first unmerged
// series (or straight from the file-move phase).
func (t *Task) resume(analyzer *LogAnalyzer, allSeriesMerged bool) error {
	log, err := NewLogger(t.opts.SysDir)
	if err != nil {
		return err
	}
	t.log = log
	for _, f := range append(append([]*resource.FileResource{}, t.res.SeqFiles...), t.res.UnseqFiles...) {
		f.SetMerging(true)
	}

	// Truncate every intermediate target to its last logged safe position,
	// then reopen it for appending. Positions are chunk-group aligned, so
	// nothing a TS record committed is lost.
	for target, pos := range analyzer.FileLastPositions {
		info, err := os.Stat(target)
		if os.IsNotExist(err) {
			continue
		}
		if err == nil && pos > info.Size() {
			// The tail past the last fsync never reached disk; keep what
			// is there and let self-check find the group boundary.
			pos = info.Size()
		}
		if err := os.Truncate(target, pos); err != nil {
			return fmt.Errorf("truncate merge target %s to %d: %w", target, pos, err)
		}
		w, _, err := tsfile.NewRestorableWriter(target, t.writerOptions())
		if err != nil {
			return fmt.Errorf("restore merge target %s: %w", target, err)
		}
		if strings.HasSuffix(target, core.MergeFileSuffix) {
			original := strings.TrimSuffix(target, core.MergeFileSuffix)
			t.mergeWriters[original] = w
			for _, g := range w.ChunkGroups() {
				for _, cm := range g.Chunks {
					if t.mergedSeries[original] == nil {
						t.mergedSeries[original] = map[string]struct{}{}
					}
					t.mergedSeries[original][core.SeriesPath(g.Device, cm.MeasurementID)] = struct{}{}
				}
			}
		} else {
			t.newPath = target
			t.newWriter = w
		}
	}

	if !allSeriesMerged {
		series, err := t.res.SeriesUnion()
		if err != nil {
			return t.fail(err)
		}
		if err := t.mergeSeries(series, analyzer.MergedSeries); err != nil {
			return t.fail(err)
		}
		if err := t.sealMergeTargets(); err != nil {
			return t.fail(err)
		}
		if err := t.log.LogAllTsEnd(); err != nil {
			return t.fail(err)
		}
	} else {
		// The series phase completed before the crash, but the targets were
		// reopened above; reseal them.
		if err := t.sealMergeTargets(); err != nil {
			return t.fail(err)
		}
		// Originals caught mid-swap are rolled back to their pre-merge data
		// end and redone from the intermediate file.
		for path, safeEnd := range analyzer.MoveStarted {
			if analyzer.FilesEnded[path] || strings.HasSuffix(path, core.MergeFileSuffix) {
				continue
			}
			if err := os.Truncate(path, safeEnd); err != nil {
				return t.fail(fmt.Errorf("roll back %s to %d: %w", path, safeEnd, err))
			}
		}
	}
	if err := t.moveFiles(analyzer.FilesEnded); err != nil {
		return t.fail(err)
	}
	if err := t.log.LogMergeEnd(); err != nil {
		return t.fail(err)
	}
	t.res.CloseReaders()
	t.removeMergeTemps()
	t.slogger.Info("recovered merge completed", "task", t.name)
	if t.callback != nil {
		t.callback(t.res.SeqFiles, t.res.UnseqFiles, t.log.Path(), t.newFiles)
	}
	return t.log.Close()
}
