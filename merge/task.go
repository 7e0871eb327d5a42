package merge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/INLOpen/granite/compressors"
	"github.com/INLOpen/granite/config"
	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/resource"
	"github.com/INLOpen/granite/tsfile"
	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
)

// TaskOptions configures one merge task.
type TaskOptions struct {
	Strategy              config.MergeStrategy
	FullMerge             bool
	SysDir                string
	TargetDir             string
	Schema                core.SchemaProvider
	TargetChunkPointCount int
	PointsPerPage         int
	Compression           core.CompressionType
	MaxDegreeOfIndexNode  int
	BloomFilterErrorRate  float64
	Logger                *slog.Logger
}

func (o *TaskOptions) applyDefaults() {
	if o.TargetChunkPointCount <= 0 {
		o.TargetChunkPointCount = 100_000
	}
	if o.PointsPerPage <= 0 {
		o.PointsPerPage = 1024
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// EndCallback is invoked after MERGE_END with the inputs and (for squeeze)
// the new output files. The storage group processor swaps visibility and
// removes the merge log inside it.
type EndCallback func(seqFiles, unseqFiles []*resource.FileResource, logPath string, newFiles []*resource.FileResource)

// Task executes one merge: series phase, file-move phase, merge log
// bookkeeping. A running task cannot be aborted; a merge cut short by a
// crash is resumed or rolled back from its merge log by Recover.
type Task struct {
	name     string
	res      *Resource
	opts     TaskOptions
	callback EndCallback
	log      *Logger
	slogger  *slog.Logger

	// seq path -> its .merge writer / merged series set (inplace).
	mergeWriters map[string]*tsfile.FileWriter
	mergedSeries map[string]map[string]struct{}

	// squeeze output.
	newWriter *tsfile.FileWriter
	newPath   string

	newFiles []*resource.FileResource
}

// NewTask builds a merge task over already-selected inputs.
func NewTask(res *Resource, opts TaskOptions, callback EndCallback) *Task {
	opts.applyDefaults()
	return &Task{
		name:         fmt.Sprintf("merge-%s", uuid.NewString()[:8]),
		res:          res,
		opts:         opts,
		callback:     callback,
		slogger:      opts.Logger,
		mergeWriters: map[string]*tsfile.FileWriter{},
		mergedSeries: map[string]map[string]struct{}{},
	}
}

func paths(files []*resource.FileResource) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path()
	}
	return out
}

// Run executes the merge from the beginning.
func (t *Task) Run() error {
	start := time.Now()
	t.slogger.Info("merge task starts", "task", t.name,
		"strategy", t.opts.Strategy, "seq_files", len(t.res.SeqFiles), "unseq_files", len(t.res.UnseqFiles))
	log, err := NewLogger(t.opts.SysDir)
	if err != nil {
		return err
	}
	t.log = log
	if err := log.LogFiles(paths(t.res.SeqFiles), paths(t.res.UnseqFiles)); err != nil {
		return err
	}
	for _, f := range append(append([]*resource.FileResource{}, t.res.SeqFiles...), t.res.UnseqFiles...) {
		f.SetMerging(true)
	}
	if err := log.LogMergeStart(); err != nil {
		return err
	}
	series, err := t.res.SeriesUnion()
	if err != nil {
		return t.fail(err)
	}
	if err := t.mergeSeries(series, nil); err != nil {
		return t.fail(err)
	}
	if err := t.sealMergeTargets(); err != nil {
		return t.fail(err)
	}
	if err := log.LogAllTsEnd(); err != nil {
		return t.fail(err)
	}
	if err := t.moveFiles(nil); err != nil {
		return t.fail(err)
	}
	if err := log.LogMergeEnd(); err != nil {
		return t.fail(err)
	}
	t.res.CloseReaders()
	t.removeMergeTemps()
	t.slogger.Info("merge task ends", "task", t.name, "elapsed", time.Since(start).String())
	if t.callback != nil {
		t.callback(t.res.SeqFiles, t.res.UnseqFiles, t.log.Path(), t.newFiles)
	}
	return t.log.Close()
}

func (t *Task) fail(err error) error {
	t.res.CloseReaders()
	if t.log != nil {
		t.log.Close()
	}
	return fmt.Errorf("%s: %w", t.name, err)
}

type versionedPoint struct {
	ts      int64
	version int64
	ord     int
	value   interface{}
}

// mergePoints combines already time-sorted runs into one monotone run with
// newer-wins on timestamp ties: higher version, then later arrival.
func mergePoints(runs ...[]versionedPoint) []core.TimeValuePair {
	var all []versionedPoint
	for _, run := range runs {
		all = append(all, run...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ts != all[j].ts {
			return all[i].ts < all[j].ts
		}
		if all[i].version != all[j].version {
			return all[i].version < all[j].version
		}
		return all[i].ord < all[j].ord
	})
	out := make([]core.TimeValuePair, 0, len(all))
	for i, p := range all {
		if i+1 < len(all) && all[i+1].ts == p.ts {
			continue
		}
		out = append(out, core.TimeValuePair{Timestamp: p.ts, Value: p.value})
	}
	return out
}

// readSeriesPoints loads every surviving sample of one series from one
// input, tombstones applied.
func (t *Task) readSeriesPoints(res *resource.FileResource, device, measurement string, ord int) ([]versionedPoint, error) {
	chunks, err := t.res.ChunkMetadata(res, device, measurement)
	if err != nil {
		return nil, err
	}
	reader, err := t.res.Reader(res)
	if err != nil {
		return nil, err
	}
	var out []versionedPoint
	for _, cm := range chunks {
		pairs, err := reader.ReadChunk(cm)
		if err != nil {
			return nil, err
		}
		pairs = tsfile.FilterDeleted(pairs, cm.DeletedAt)
		for _, p := range pairs {
			out = append(out, versionedPoint{ts: p.Timestamp, version: cm.Version, ord: ord, value: p.Value})
		}
	}
	return out, nil
}

func (t *Task) seriesSchema(device, measurement string, dt core.DataType) core.MeasurementSchema {
	if t.opts.Schema != nil {
		if schema, err := t.opts.Schema.SeriesSchema(device, measurement); err == nil {
			return schema
		}
	}
	return core.MeasurementSchema{
		MeasurementID: measurement,
		DataType:      dt,
		Encoding:      core.EncodingPlain,
		Compression:   t.opts.Compression,
	}
}

// mergeSeries runs the series phase, skipping indexes already present in
// skip (recovery).
func (t *Task) mergeSeries(series [][2]string, skip *roaring.Bitmap) error {
	for idx, s := range series {
		if skip != nil && skip.Contains(uint32(idx)) {
			continue
		}
		device, measurement := s[0], s[1]
		if err := t.mergeOneSeries(device, measurement); err != nil {
			return fmt.Errorf("merge series %s.%s: %w", device, measurement, err)
		}
		// The logged positions are truncation targets for recovery; the
		// bytes below them must be durable before the TS record commits.
		positions := map[string]int64{}
		for p, w := range t.mergeWriters {
			if err := w.Flush(); err != nil {
				return err
			}
			positions[p+core.MergeFileSuffix] = w.Offset()
		}
		if t.newWriter != nil {
			if err := t.newWriter.Flush(); err != nil {
				return err
			}
			positions[t.newPath] = t.newWriter.Offset()
		}
		if err := t.log.LogSeriesEnd(idx, device, measurement, positions); err != nil {
			return err
		}
	}
	return nil
}

func (t *Task) mergeOneSeries(device, measurement string) error {
	// Unsequence points of the series across every unseq input, in one
	// newest-wins pool.
	var unseqRuns [][]versionedPoint
	for i, f := range t.res.UnseqFiles {
		run, err := t.readSeriesPoints(f, device, measurement, len(t.res.SeqFiles)+i)
		if err != nil {
			return err
		}
		if len(run) > 0 {
			unseqRuns = append(unseqRuns, run)
		}
	}

	if t.opts.Strategy != config.MergeInplace {
		// Squeeze and size merges rewrite everything into the new file.
		runs := make([][]versionedPoint, 0, len(t.res.SeqFiles)+len(unseqRuns))
		for i, f := range t.res.SeqFiles {
			run, err := t.readSeriesPoints(f, device, measurement, i)
			if err != nil {
				return err
			}
			if len(run) > 0 {
				runs = append(runs, run)
			}
		}
		runs = append(runs, unseqRuns...)
		merged := mergePoints(runs...)
		if len(merged) == 0 {
			return nil
		}
		writer, err := t.squeezeWriter()
		if err != nil {
			return err
		}
		return t.writeSeries(writer, device, measurement, merged)
	}

	// Inplace: distribute unsequence points over the sequence files'
	// per-device time windows and rewrite only the touched files (all of
	// them under fullMerge).
	unseqPool := mergeVersioned(unseqRuns)
	covering := make([]*resource.FileResource, 0, len(t.res.SeqFiles))
	for _, f := range t.res.SeqFiles {
		if f.ContainsDevice(device) {
			covering = append(covering, f)
		}
	}
	if len(covering) == 0 && len(t.res.SeqFiles) > 0 {
		covering = t.res.SeqFiles[len(t.res.SeqFiles)-1:]
	}
	prevEnd := int64(math.MinInt64)
	for i, f := range covering {
		hi := int64(math.MaxInt64)
		if end, ok := f.EndTime(device); ok && i+1 < len(covering) {
			hi = end
		}
		var window []versionedPoint
		for _, p := range unseqPool {
			if p.ts > prevEnd && p.ts <= hi {
				window = append(window, p)
			}
		}
		prevEnd = hi
		seqIdx := 0
		for j, sf := range t.res.SeqFiles {
			if sf == f {
				seqIdx = j
				break
			}
		}
		seqRun, err := t.readSeriesPoints(f, device, measurement, seqIdx)
		if err != nil {
			return err
		}
		if len(window) == 0 && !t.opts.FullMerge {
			// Untouched: the file keeps its original chunks for this
			// series.
			continue
		}
		if len(window) == 0 && len(seqRun) == 0 {
			continue
		}
		merged := mergePoints(seqRun, window)
		writer, err := t.mergeWriter(f)
		if err != nil {
			return err
		}
		if err := t.writeSeries(writer, device, measurement, merged); err != nil {
			return err
		}
		if t.mergedSeries[f.Path()] == nil {
			t.mergedSeries[f.Path()] = map[string]struct{}{}
		}
		t.mergedSeries[f.Path()][core.SeriesPath(device, measurement)] = struct{}{}
	}
	return nil
}

func mergeVersioned(runs [][]versionedPoint) []versionedPoint {
	var all []versionedPoint
	for _, run := range runs {
		all = append(all, run...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ts != all[j].ts {
			return all[i].ts < all[j].ts
		}
		if all[i].version != all[j].version {
			return all[i].version < all[j].version
		}
		return all[i].ord < all[j].ord
	})
	return all
}

func (t *Task) writerOptions() tsfile.WriterOptions {
	return tsfile.WriterOptions{
		MaxDegreeOfIndexNode: t.opts.MaxDegreeOfIndexNode,
		BloomFilterErrorRate: t.opts.BloomFilterErrorRate,
		Logger:               t.slogger,
	}
}

// mergeWriter lazily opens the .merge target of one sequence file.
func (t *Task) mergeWriter(f *resource.FileResource) (*tsfile.FileWriter, error) {
	if w, ok := t.mergeWriters[f.Path()]; ok {
		return w, nil
	}
	w, err := tsfile.NewWriter(f.Path()+core.MergeFileSuffix, t.writerOptions())
	if err != nil {
		return nil, err
	}
	t.mergeWriters[f.Path()] = w
	return w, nil
}

// squeezeWriter lazily opens the single new output file.
func (t *Task) squeezeWriter() (*tsfile.FileWriter, error) {
	if t.newWriter != nil {
		return t.newWriter, nil
	}
	maxVersion := int64(0)
	mergeCnt := 0
	for _, f := range t.res.SeqFiles {
		if v, err := f.Version(); err == nil && v > maxVersion {
			maxVersion = v
		}
		if _, _, cnt, err := resource.ParseDataFileName(filepath.Base(f.Path())); err == nil && cnt > mergeCnt {
			mergeCnt = cnt
		}
	}
	t.newPath = filepath.Join(t.opts.TargetDir, resource.DataFileName(time.Now().UnixMilli(), maxVersion, mergeCnt+1))
	w, err := tsfile.NewWriter(t.newPath, t.writerOptions())
	if err != nil {
		return nil, err
	}
	t.newWriter = w
	return w, nil
}

// writeSeries re-encodes merged points as chunks in the target writer. Each
// series gets its own chunk group so the positions logged after the series
// land on group boundaries: recovery can truncate there without losing any
// series the log already marked merged.
func (t *Task) writeSeries(w *tsfile.FileWriter, device, measurement string, points []core.TimeValuePair) error {
	if len(points) == 0 {
		return nil
	}
	if err := w.StartChunkGroup(device); err != nil {
		return err
	}
	dt, ok := core.DataTypeOf(points[0].Value)
	if !ok {
		return fmt.Errorf("unsupported merged value type %T for %s.%s", points[0].Value, device, measurement)
	}
	schema := t.seriesSchema(device, measurement, dt)
	compressor, err := compressors.Get(schema.Compression)
	if err != nil {
		return err
	}
	for from := 0; from < len(points); from += t.opts.TargetChunkPointCount {
		to := from + t.opts.TargetChunkPointCount
		if to > len(points) {
			to = len(points)
		}
		cw := tsfile.NewChunkWriter(schema, compressor, t.opts.PointsPerPage)
		for _, p := range points[from:to] {
			if err := cw.Write(p.Timestamp, p.Value); err != nil {
				return err
			}
		}
		if _, err := w.WriteChunk(cw); err != nil {
			return err
		}
	}
	return w.EndChunkGroup()
}

// sealMergeTargets stamps the merged version and seals every intermediate
// target so the move phase (and recovery) can read them back.
func (t *Task) sealMergeTargets() error {
	maxVersion := t.res.MaxVersion()
	seal := func(w *tsfile.FileWriter) error {
		if err := w.WriteVersion(maxVersion); err != nil {
			return err
		}
		return w.EndFile(context.Background())
	}
	for p, w := range t.mergeWriters {
		if err := seal(w); err != nil {
			return fmt.Errorf("seal merge target of %s: %w", p, err)
		}
	}
	if t.newWriter != nil {
		if err := seal(t.newWriter); err != nil {
			return fmt.Errorf("seal merge output %s: %w", t.newPath, err)
		}
	}
	return nil
}

// moveFiles swaps merge outputs into visibility. skipEnded lists originals
// already swapped by an interrupted run.
func (t *Task) moveFiles(skipEnded map[string]bool) error {
	if t.opts.Strategy == config.MergeInplace {
		ordered := append([]*resource.FileResource{}, t.res.SeqFiles...)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].Path() < ordered[j].Path() })
		hasTarget := func(f *resource.FileResource) bool {
			if _, ok := t.mergeWriters[f.Path()]; ok {
				return true
			}
			_, err := os.Stat(f.Path() + core.MergeFileSuffix)
			return err == nil
		}
		// The full lineage union lands on exactly one touched file (the
		// first in swap order); growing every touched file by the same
		// versions would leave partially overlapping fingerprints. The
		// choice is deterministic, so an interrupted swap resumes with the
		// same lineage target.
		lineagePath := ""
		for _, f := range ordered {
			if hasTarget(f) {
				lineagePath = f.Path()
				break
			}
		}
		for _, f := range ordered {
			if skipEnded[f.Path()] {
				continue
			}
			if !hasTarget(f) {
				// Nothing merged into this file.
				continue
			}
			if err := t.swapInplace(f, f.Path() == lineagePath); err != nil {
				return err
			}
			if err := t.log.LogFileEnd(f.Path()); err != nil {
				return err
			}
		}
		return nil
	}
	// Squeeze / size merge: the new file becomes a sequence resource; the
	// callback decommissions the inputs.
	if t.newPath == "" {
		return nil
	}
	newRes := resource.NewFileResource(t.newPath)
	reader, err := tsfile.OpenReader(t.newPath, tsfile.ReaderOptions{MaxDegreeOfIndexNode: t.opts.MaxDegreeOfIndexNode})
	if err != nil {
		return err
	}
	devices, err := reader.AllDevices()
	if err != nil {
		reader.Close()
		return err
	}
	for _, device := range devices {
		byMeasurement, err := reader.ChunkMetadataInDevice(device)
		if err != nil {
			reader.Close()
			return err
		}
		for _, chunks := range byMeasurement {
			for _, cm := range chunks {
				newRes.UpdateStartTime(device, cm.StartTime())
				newRes.UpdateEndTime(device, cm.EndTime())
			}
		}
	}
	reader.Close()
	newRes.SetHistoricalVersions(t.res.UnionVersions())
	newRes.SetClosed(true)
	if err := newRes.Serialize(); err != nil {
		return err
	}
	t.newFiles = append(t.newFiles, newRes)
	return t.log.LogFileEnd(t.newPath)
}

// swapInplace appends the merged chunks of one sequence file to the end of
// the file itself, drops the superseded originals from its index, and
// reseals it, under the file's exclusive lock. addLineage marks the one
// file whose fingerprint absorbs the full input-version union.
func (t *Task) swapInplace(f *resource.FileResource, addLineage bool) error {
	mergePath := f.Path() + core.MergeFileSuffix
	check, err := tsfile.SelfCheck(f.Path(), false, t.slogger)
	if err != nil {
		return err
	}
	if err := t.log.LogFileMoveStart(f.Path(), check.TruncatedPosition); err != nil {
		return err
	}
	t.res.DropReader(f.Path())

	f.WriteLock()
	defer f.WriteUnlock()

	w, _, err := tsfile.NewRestorableWriter(f.Path(), t.writerOptions())
	if err != nil {
		return err
	}
	merged := t.mergedSeries[f.Path()]
	w.FilterChunks(func(device string, cm *tsfile.ChunkMetadata) bool {
		_, wasMerged := merged[core.SeriesPath(device, cm.MeasurementID)]
		return !wasMerged
	})

	mergeReader, err := tsfile.OpenReader(mergePath, tsfile.ReaderOptions{MaxDegreeOfIndexNode: t.opts.MaxDegreeOfIndexNode})
	if err != nil {
		w.Abort()
		return err
	}
	copyErr := func() error {
		devices, err := mergeReader.AllDevices()
		if err != nil {
			return err
		}
		for _, device := range devices {
			byMeasurement, err := mergeReader.ChunkMetadataInDevice(device)
			if err != nil {
				return err
			}
			measurements := make([]string, 0, len(byMeasurement))
			for m := range byMeasurement {
				measurements = append(measurements, m)
			}
			sort.Strings(measurements)
			if err := w.StartChunkGroup(device); err != nil {
				return err
			}
			for _, m := range measurements {
				for _, cm := range byMeasurement[m] {
					raw, _, err := mergeReader.ReadRawChunk(cm)
					if err != nil {
						return err
					}
					if _, err := w.AppendRawChunk(cm, raw); err != nil {
						return err
					}
				}
			}
			if err := w.EndChunkGroup(); err != nil {
				return err
			}
		}
		if err := w.WriteVersion(t.res.MaxVersion()); err != nil {
			return err
		}
		return w.EndFile(context.Background())
	}()
	mergeReader.Close()
	if copyErr != nil {
		w.Abort()
		return fmt.Errorf("swap merged chunks into %s: %w", f.Path(), copyErr)
	}

	// Refresh the side-car: the time bounds follow the rewritten index,
	// and the lineage target absorbs the merged-in versions.
	if addLineage {
		f.AddHistoricalVersions(t.res.UnionVersions())
	}
	for _, g := range w.ChunkGroups() {
		for _, cm := range g.Chunks {
			f.UpdateStartTime(g.Device, cm.StartTime())
			f.UpdateEndTime(g.Device, cm.EndTime())
		}
	}
	if err := f.Serialize(); err != nil {
		return err
	}
	return nil
}

// removeMergeTemps deletes the intermediate .merge files after success.
func (t *Task) removeMergeTemps() {
	for p := range t.mergeWriters {
		os.Remove(p + core.MergeFileSuffix)
	}
	for _, f := range t.res.SeqFiles {
		os.Remove(f.Path() + core.MergeFileSuffix)
	}
}
