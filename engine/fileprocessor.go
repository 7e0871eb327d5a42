package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/INLOpen/granite/config"
	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/memtable"
	"github.com/INLOpen/granite/merge"
	"github.com/INLOpen/granite/resource"
	"github.com/INLOpen/granite/tsfile"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FileProcessor owns one unsealed data file: its writer, the active
// memtable, and at most one memtable in the flushing slot. Writes to one
// processor are serialized by its internal lock.
type FileProcessor struct {
	groupName string
	partition int64
	sequence  bool
	cfg       config.EngineConfig

	logger     *slog.Logger
	tracer     trace.Tracer
	compressor core.Compressor
	versionCtl *resource.VersionController
	pool       *flushPool
	// onSealed is called once, after the file is sealed (or dropped
	// because it stayed empty). It is not called when flushing or sealing
	// fails.
	onSealed func(fp *FileProcessor, dropped bool)

	mu             sync.Mutex
	res            *resource.FileResource
	writer         *tsfile.FileWriter
	active         *memtable.Memtable
	flushing       *memtable.Memtable
	flushWait      chan struct{}
	deviceMaxTimes map[string]int64
	lastFlushed    int64
	sealing        bool
	sealedCh       chan struct{}
	dropped        bool
	failed         error
}

func newFileProcessor(groupName, path string, partition int64, sequence bool,
	cfg config.EngineConfig, versionCtl *resource.VersionController, pool *flushPool,
	compressor core.Compressor, logger *slog.Logger, tracer trace.Tracer,
	onSealed func(fp *FileProcessor, dropped bool)) (*FileProcessor, error) {

	writer, err := tsfile.NewWriter(path, tsfile.WriterOptions{
		MaxDegreeOfIndexNode: cfg.MaxDegreeOfIndexNode,
		BloomFilterErrorRate: cfg.BloomFilterErrorRate,
		Logger:               logger,
		Tracer:               tracer,
	})
	if err != nil {
		return nil, err
	}
	version, err := versionCtl.NextVersion()
	if err != nil {
		writer.Abort()
		os.Remove(path)
		return nil, err
	}
	return &FileProcessor{
		groupName:      groupName,
		partition:      partition,
		sequence:       sequence,
		cfg:            cfg,
		logger:         logger,
		tracer:         tracer,
		compressor:     compressor,
		versionCtl:     versionCtl,
		pool:           pool,
		onSealed:       onSealed,
		res:            resource.NewFileResource(path),
		writer:         writer,
		active:         memtable.NewMemtable(version),
		deviceMaxTimes: map[string]int64{},
		sealedCh:       make(chan struct{}),
	}, nil
}

func (fp *FileProcessor) Path() string {
	return fp.res.Path()
}

func (fp *FileProcessor) Partition() int64 {
	return fp.partition
}

func (fp *FileProcessor) IsSequence() bool {
	return fp.sequence
}

// Resource returns the canonical (unsealed) file resource.
func (fp *FileProcessor) Resource() *resource.FileResource {
	return fp.res
}

// Insert appends one row to the active memtable and maintains the
// side-car's per-device bounds.
func (fp *FileProcessor) Insert(plan *core.InsertPlan, schemas []core.MeasurementSchema) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if err := fp.writableLocked(); err != nil {
		return err
	}
	if fp.sequence {
		if max, ok := fp.deviceMaxTimes[plan.Device]; ok && plan.Timestamp < max {
			return core.NewWriteProcessError(fmt.Sprintf(
				"timestamp %d is below the sequence high-water mark %d of device %s",
				plan.Timestamp, max, plan.Device))
		}
	}
	for i, m := range plan.Measurements {
		if err := fp.active.Insert(plan.Device, m, schemas[i], plan.Timestamp, plan.Values[i]); err != nil {
			return err
		}
	}
	fp.noteWriteLocked(plan.Device, plan.Timestamp)
	return nil
}

// InsertTabletRows appends rows [from, to) of a tablet.
func (fp *FileProcessor) InsertTabletRows(plan *core.InsertTabletPlan, schemas []core.MeasurementSchema, from, to int) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if err := fp.writableLocked(); err != nil {
		return err
	}
	for r := from; r < to; r++ {
		ts := plan.Timestamps[r]
		if fp.sequence {
			if max, ok := fp.deviceMaxTimes[plan.Device]; ok && ts < max {
				return core.NewWriteProcessError(fmt.Sprintf(
					"timestamp %d is below the sequence high-water mark %d of device %s",
					ts, max, plan.Device))
			}
		}
		for c, m := range plan.Measurements {
			v, err := plan.ValueAt(c, r)
			if err != nil {
				return err
			}
			if err := fp.active.Insert(plan.Device, m, schemas[c], ts, v); err != nil {
				return err
			}
		}
		fp.noteWriteLocked(plan.Device, ts)
	}
	return nil
}

func (fp *FileProcessor) writableLocked() error {
	if fp.failed != nil {
		return fp.failed
	}
	if fp.sealing {
		return core.NewWriteProcessError("file processor is closing")
	}
	return nil
}

func (fp *FileProcessor) noteWriteLocked(device string, ts int64) {
	if max, ok := fp.deviceMaxTimes[device]; !ok || ts > max {
		fp.deviceMaxTimes[device] = ts
	}
	fp.res.UpdateStartTime(device, ts)
	if !fp.sequence {
		// Unsealed sequence files leave the end time unset until sealed;
		// the in-memory range extends it implicitly.
		fp.res.UpdateEndTime(device, ts)
	}
}

// ShouldClose reports whether the active memtable crossed the flush
// threshold.
func (fp *FileProcessor) ShouldClose() bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.active.Size() >= fp.cfg.MemtableSizeThreshold
}

// MemtableSize returns the active memtable's byte size.
func (fp *FileProcessor) MemtableSize() int64 {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.active.Size()
}

// swapAndSubmit moves the active memtable to the flushing slot and enqueues
// its flush. Blocks while a previous flush is still in flight.
func (fp *FileProcessor) swapAndSubmit(seal bool) (chan error, error) {
	for {
		fp.mu.Lock()
		if fp.flushing == nil {
			break
		}
		wait := fp.flushWait
		fp.mu.Unlock()
		<-wait
	}
	defer fp.mu.Unlock()

	mem := fp.active
	if mem.IsEmpty() && !seal {
		return nil, nil
	}
	version, err := fp.versionCtl.NextVersion()
	if err != nil {
		return nil, err
	}
	mem.Freeze()
	fp.flushing = mem
	fp.flushWait = make(chan struct{})
	fp.active = memtable.NewMemtable(version)

	done := make(chan error, 1)
	if !fp.pool.submit(&flushJob{fp: fp, mem: mem, seal: seal, done: done}) {
		fp.flushing = nil
		close(fp.flushWait)
		return nil, fmt.Errorf("flush pool is stopped")
	}
	return done, nil
}

// AsyncFlush schedules a flush of the active memtable without sealing.
func (fp *FileProcessor) AsyncFlush() error {
	_, err := fp.swapAndSubmit(false)
	return err
}

// SyncFlush flushes the active memtable and waits for it to be durable.
func (fp *FileProcessor) SyncFlush() error {
	done, err := fp.swapAndSubmit(false)
	if err != nil {
		return err
	}
	if done == nil {
		return nil
	}
	return <-done
}

// AsyncClose schedules the final flush and seal. Idempotent.
func (fp *FileProcessor) AsyncClose() error {
	fp.mu.Lock()
	if fp.sealing {
		fp.mu.Unlock()
		return nil
	}
	fp.sealing = true
	fp.mu.Unlock()
	if err := fp.res.SetCloseFlag(); err != nil {
		fp.logger.Error("cannot create close flag", "path", fp.Path(), "error", err)
	}
	_, err := fp.swapAndSubmit(true)
	return err
}

// SyncClose seals the file and blocks until it is durable and visible as a
// closed resource.
func (fp *FileProcessor) SyncClose() error {
	if err := fp.AsyncClose(); err != nil {
		return err
	}
	<-fp.sealedCh
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.failed
}

// Sealed returns a channel closed once the file is sealed or dropped.
func (fp *FileProcessor) Sealed() <-chan struct{} {
	return fp.sealedCh
}

// Query returns the read-only memtable snapshots (flushing first, then
// active) and the chunk metadata already written to the unsealed file, with
// tombstones replayed.
func (fp *FileProcessor) Query(device, measurement string) ([]*memtable.ReadOnlyMemChunk, []*tsfile.ChunkMetadata, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	var memChunks []*memtable.ReadOnlyMemChunk
	if fp.flushing != nil {
		if snap := fp.flushing.Snapshot(device, measurement); snap != nil && !snap.IsEmpty() {
			memChunks = append(memChunks, snap)
		}
	}
	if snap := fp.active.Snapshot(device, measurement); snap != nil && !snap.IsEmpty() {
		memChunks = append(memChunks, snap)
	}
	chunks := fp.writer.VisibleMetadata(device, measurement)
	mods, err := fp.res.ModFile().Records()
	if err != nil {
		return nil, nil, err
	}
	chunks = merge.ApplyModifications(chunks, mods, device, measurement)
	return memChunks, chunks, nil
}

// Delete applies a tombstone to the unsealed file: in memory against both
// memtables, and in the modification file for the chunks already on disk.
func (fp *FileProcessor) Delete(device, measurement string, upperBound int64) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.active.Delete(device, measurement, upperBound)
	if fp.flushing != nil {
		fp.flushing.Delete(device, measurement, upperBound)
	}
	if len(fp.writer.ChunkGroups()) > 0 || fp.flushing != nil {
		// Cover every version this file has flushed or is flushing; the
		// active memtable stays ahead of this bound, so samples inserted
		// after the delete are never hidden.
		return fp.res.ModFile().Append(resource.Deletion{
			Path:        core.SeriesPath(device, measurement),
			UpperBound:  upperBound,
			FileVersion: fp.active.Version() - 1,
		})
	}
	return nil
}

// runFlush is executed on a flush worker: write the memtable as chunk
// groups, retry with backoff on failure, then seal if requested.
func (fp *FileProcessor) runFlush(ctx context.Context, job *flushJob) error {
	ctx, span := fp.tracer.Start(ctx, "FileProcessor.flush")
	defer span.End()
	span.SetAttributes(
		attribute.String("file.path", fp.Path()),
		attribute.Int64("memtable.size_bytes", job.mem.Size()),
		attribute.Bool("flush.seal", job.seal),
	)

	var err error
	delay := initialFlushRetryDelay
	for attempt := 1; ; attempt++ {
		err = fp.flushOnce(job.mem)
		if err == nil {
			break
		}
		if attempt >= maxFlushRetries {
			fp.logger.Error("flush failed after max retries, closing file processor for writes",
				"path", fp.Path(), "attempts", attempt, "error", err)
			fp.mu.Lock()
			fp.failed = fmt.Errorf("flush of %s failed permanently: %w", fp.Path(), err)
			fp.flushing = nil
			close(fp.flushWait)
			if fp.sealing && !isClosed(fp.sealedCh) {
				close(fp.sealedCh)
			}
			fp.mu.Unlock()
			return err
		}
		fp.logger.Warn("flush error, retrying", "path", fp.Path(),
			"attempt", attempt, "next_delay", delay.String(), "error", err)
		time.Sleep(delay)
		delay *= 2
		if delay > maxFlushRetryDelay {
			delay = maxFlushRetryDelay
		}
	}

	fp.mu.Lock()
	fp.lastFlushed = job.mem.Version()
	fp.flushing = nil
	close(fp.flushWait)
	fp.mu.Unlock()
	job.mem.Release()

	if job.seal {
		return fp.seal(ctx)
	}
	return nil
}

// flushOnce writes one memtable into the file: one chunk group per device
// in sorted order, then the version record, then fsync.
func (fp *FileProcessor) flushOnce(mem *memtable.Memtable) error {
	series := mem.Series()
	currentDevice := ""
	open := false
	for _, s := range series {
		if len(s.Points) == 0 {
			continue
		}
		if s.Device != currentDevice {
			if open {
				if err := fp.writer.EndChunkGroup(); err != nil {
					return err
				}
			}
			if err := fp.writer.StartChunkGroup(s.Device); err != nil {
				return err
			}
			currentDevice = s.Device
			open = true
		}
		for from := 0; from < len(s.Points); from += fp.cfg.TargetChunkPointCount {
			to := from + fp.cfg.TargetChunkPointCount
			if to > len(s.Points) {
				to = len(s.Points)
			}
			cw := tsfile.NewChunkWriter(s.Schema, fp.compressor, fp.cfg.PointsPerPage)
			for _, p := range s.Points[from:to] {
				if err := cw.Write(p.Timestamp, p.Value); err != nil {
					return err
				}
			}
			if _, err := fp.writer.WriteChunk(cw); err != nil {
				return err
			}
		}
	}
	if open {
		if err := fp.writer.EndChunkGroup(); err != nil {
			return err
		}
	}
	if err := fp.writer.WriteVersion(mem.Version()); err != nil {
		return err
	}
	return fp.writer.Flush()
}

// seal finishes the file: metadata tail, side-car, closed flag, and the
// hand-off to the storage group processor.
func (fp *FileProcessor) seal(ctx context.Context) error {
	fp.mu.Lock()
	empty := len(fp.writer.ChunkGroups()) == 0
	fp.mu.Unlock()

	if empty {
		// Nothing was ever flushed; drop the file instead of sealing an
		// empty shell.
		fp.writer.Abort()
		os.Remove(fp.Path())
		fp.res.CleanCloseFlag()
		fp.res.SetDeleted(true)
		fp.mu.Lock()
		fp.dropped = true
		close(fp.sealedCh)
		fp.mu.Unlock()
		if fp.onSealed != nil {
			// Off the flush worker: the callback takes the storage group
			// lock, which a caller may hold while waiting on this worker.
			go fp.onSealed(fp, true)
		}
		return nil
	}

	if err := fp.writer.EndFile(ctx); err != nil {
		fp.mu.Lock()
		fp.failed = err
		close(fp.sealedCh)
		fp.mu.Unlock()
		return err
	}
	if fp.sequence {
		fp.mu.Lock()
		for device, max := range fp.deviceMaxTimes {
			fp.res.ForceUpdateEndTime(device, max)
		}
		fp.mu.Unlock()
	}
	fp.res.SetHistoricalVersions(map[int64]struct{}{fp.lastFlushed: {}})
	if err := fp.res.Serialize(); err != nil {
		fp.mu.Lock()
		fp.failed = err
		close(fp.sealedCh)
		fp.mu.Unlock()
		return err
	}
	fp.res.WriteLock()
	fp.res.Close()
	fp.res.WriteUnlock()
	if err := fp.res.CleanCloseFlag(); err != nil {
		fp.logger.Error("cannot clean close flag", "path", fp.Path(), "error", err)
	}
	fp.logger.Info("sealed file", "group", fp.groupName, "path", fp.Path(),
		"sequence", fp.sequence, "partition", fp.partition)
	fp.mu.Lock()
	close(fp.sealedCh)
	fp.mu.Unlock()
	if fp.onSealed != nil {
		go fp.onSealed(fp, false)
	}
	return nil
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
