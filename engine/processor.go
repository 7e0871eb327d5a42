// Package engine implements the storage-group engine core: write routing
// into partitioned sequence/unsequence files, the flush pipeline, tombstone
// deletes, query plan assembly and merge scheduling.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/granite/cache"
	"github.com/INLOpen/granite/compressors"
	"github.com/INLOpen/granite/config"
	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/merge"
	"github.com/INLOpen/granite/resource"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	seqDirName   = "seq"
	unseqDirName = "unseq"
)

// Options are the injected collaborators of a storage group processor.
// Every field is optional; defaults are created per group.
type Options struct {
	Logger        *slog.Logger
	Tracer        trace.Tracer
	WAL           core.WALAppender
	MetadataCache *cache.ChunkMetadataCache
	MergeManager  *merge.Manager
	// MergeEndHook runs after a merge's results became visible; tests use
	// it to synchronize with the asynchronous merge pipeline.
	MergeEndHook func()
}

// StorageGroupProcessor is the orchestrator of one storage group: it
// classifies writes as sequence or unsequence per partition, owns the
// working file processors, applies deletes, assembles query snapshots and
// triggers merges.
type StorageGroupProcessor struct {
	name   string
	cfg    config.EngineConfig
	logger *slog.Logger
	tracer trace.Tracer
	schema core.SchemaProvider
	wal    core.WALAppender

	metaCache        *cache.ChunkMetadataCache
	mergeManager     *merge.Manager
	ownsMergeManager bool
	versionCtl       *resource.VersionController
	flushPool        *flushPool
	readers          *readerManager
	compressor       core.Compressor

	mergeEndHook func()

	mu         sync.RWMutex
	workSeq    map[int64]*FileProcessor
	workUnseq  map[int64]*FileProcessor
	processors map[string]*FileProcessor
	seqFiles   []*resource.FileResource
	unseqFiles []*resource.FileResource
	// lastSeqTime is the seq/unseq classifier: the largest timestamp
	// admitted to the sequence population, per partition per device.
	lastSeqTime map[int64]map[string]int64
	merging     bool
	writeErr    error
}

// NewStorageGroupProcessor opens (and recovers) one storage group.
func NewStorageGroupProcessor(name string, cfg config.EngineConfig, schema core.SchemaProvider, opts Options) (*StorageGroupProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, fmt.Errorf("storage group %s needs a schema provider", name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("group", name)
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("engine")
	}
	compressor, err := compressors.Get(compressionOf(cfg.Compression))
	if err != nil {
		return nil, err
	}
	sysDir := filepath.Join(cfg.SysDir, name)
	if err := os.MkdirAll(sysDir, 0o755); err != nil {
		return nil, fmt.Errorf("create system dir for %s: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, name), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir for %s: %w", name, err)
	}
	versionCtl, err := resource.NewVersionController(sysDir)
	if err != nil {
		return nil, fmt.Errorf("version controller of %s: %w", name, err)
	}
	metaCache := opts.MetadataCache
	if metaCache == nil {
		metaCache = cache.NewChunkMetadataCache(cfg.MetadataCacheSize, logger)
	}
	mergeManager := opts.MergeManager
	owns := false
	if mergeManager == nil {
		mergeManager = merge.NewManager(cfg.MergeWorkers, logger)
		mergeManager.Start()
		owns = true
	}
	p := &StorageGroupProcessor{
		name:             name,
		cfg:              cfg,
		logger:           logger,
		tracer:           tracer,
		schema:           schema,
		wal:              opts.WAL,
		metaCache:        metaCache,
		mergeManager:     mergeManager,
		ownsMergeManager: owns,
		mergeEndHook:     opts.MergeEndHook,
		versionCtl:       versionCtl,
		flushPool:        newFlushPool(cfg.FlushWorkers, logger),
		readers:          newReaderManager(cfg.MaxDegreeOfIndexNode),
		compressor:       compressor,
		workSeq:          map[int64]*FileProcessor{},
		workUnseq:        map[int64]*FileProcessor{},
		processors:       map[string]*FileProcessor{},
		lastSeqTime:      map[int64]map[string]int64{},
	}
	if err := p.recover(); err != nil {
		p.flushPool.stop()
		if owns {
			mergeManager.Stop()
		}
		return nil, err
	}
	return p, nil
}

func compressionOf(name string) core.CompressionType {
	switch name {
	case "none":
		return core.CompressionNone
	case "lz4":
		return core.CompressionLZ4
	case "zstd":
		return core.CompressionZstd
	default:
		return core.CompressionSnappy
	}
}

func (p *StorageGroupProcessor) Name() string {
	return p.name
}

func (p *StorageGroupProcessor) sysDir() string {
	return filepath.Join(p.cfg.SysDir, p.name)
}

func (p *StorageGroupProcessor) partitionDir(partition int64, sequence bool) string {
	kind := unseqDirName
	if sequence {
		kind = seqDirName
	}
	return filepath.Join(p.cfg.DataDir, p.name, fmt.Sprintf("%d", partition), kind)
}

// resolveSchemas looks up every measurement of a plan through the schema
// oracle and checks value types.
func (p *StorageGroupProcessor) resolveSchemas(device string, measurements []string, values []interface{}) ([]core.MeasurementSchema, error) {
	schemas := make([]core.MeasurementSchema, len(measurements))
	for i, m := range measurements {
		schema, err := p.schema.SeriesSchema(device, m)
		if err != nil {
			return nil, core.NewWriteProcessError(fmt.Sprintf("no schema for %s.%s: %v", device, m, err))
		}
		if values != nil {
			if err := core.CheckValueType(schema.DataType, values[i]); err != nil {
				return nil, err
			}
		}
		schemas[i] = schema
	}
	return schemas, nil
}

// Insert routes one row: resolve partition, classify sequence vs
// unsequence against the device's high-water mark, hand to the working
// processor, then apply flush and force-close policies.
func (p *StorageGroupProcessor) Insert(plan *core.InsertPlan) error {
	_, span := p.tracer.Start(context.Background(), "StorageGroupProcessor.Insert")
	defer span.End()
	if err := plan.Validate(); err != nil {
		return err
	}
	schemas, err := p.resolveSchemas(plan.Device, plan.Measurements, plan.Values)
	if err != nil {
		return err
	}
	if p.wal != nil {
		if err := p.wal.Append(plan); err != nil {
			return fmt.Errorf("write-ahead log append: %w", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	partition := core.TimePartition(plan.Timestamp, p.cfg.PartitionInterval)
	span.SetAttributes(attribute.Int64("partition", partition), attribute.String("device", plan.Device))

	sequence := true
	if last, ok := p.lastSeqTime[partition][plan.Device]; ok && plan.Timestamp < last {
		sequence = false
	}
	fp, err := p.workingProcessorLocked(partition, sequence)
	if err != nil {
		return err
	}
	if err := fp.Insert(plan, schemas); err != nil {
		return err
	}
	if sequence {
		p.noteSeqTimeLocked(partition, plan.Device, plan.Timestamp)
	}
	p.applyClosePoliciesLocked(fp)
	return nil
}

// InsertTablet routes a multi-row plan, splitting it wherever the
// (partition, sequence) classification changes, and reports per-row
// results.
func (p *StorageGroupProcessor) InsertTablet(plan *core.InsertTabletPlan) []error {
	results := make([]error, plan.RowCount)
	fail := func(err error) []error {
		for i := range results {
			results[i] = err
		}
		return results
	}
	if err := plan.Validate(); err != nil {
		return fail(err)
	}
	schemas, err := p.resolveSchemas(plan.Device, plan.Measurements, nil)
	if err != nil {
		return fail(err)
	}
	if p.wal != nil {
		for r := 0; r < plan.RowCount; r++ {
			row, err := plan.RowPlan(r)
			if err != nil {
				return fail(err)
			}
			if err := p.wal.Append(row); err != nil {
				return fail(fmt.Errorf("write-ahead log append: %w", err))
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return fail(p.writeErr)
	}

	classify := func(r int) (int64, bool) {
		ts := plan.Timestamps[r]
		partition := core.TimePartition(ts, p.cfg.PartitionInterval)
		if last, ok := p.lastSeqTime[partition][plan.Device]; ok && ts < last {
			return partition, false
		}
		return partition, true
	}

	start := 0
	var touched []*FileProcessor
	for start < plan.RowCount {
		partition, sequence := classify(start)
		end := start + 1
		for end < plan.RowCount {
			pt, sq := classify(end)
			if pt != partition || sq != sequence {
				break
			}
			end++
		}
		fp, err := p.workingProcessorLocked(partition, sequence)
		if err == nil {
			err = fp.InsertTabletRows(plan, schemas, start, end)
		}
		for r := start; r < end; r++ {
			results[r] = err
		}
		if err == nil {
			if sequence {
				p.noteSeqTimeLocked(partition, plan.Device, plan.Timestamps[end-1])
			}
			touched = append(touched, fp)
		}
		start = end
	}
	for _, fp := range touched {
		p.applyClosePoliciesLocked(fp)
	}
	return results
}

func (p *StorageGroupProcessor) noteSeqTimeLocked(partition int64, device string, ts int64) {
	if p.lastSeqTime[partition] == nil {
		p.lastSeqTime[partition] = map[string]int64{}
	}
	if last, ok := p.lastSeqTime[partition][device]; !ok || ts > last {
		p.lastSeqTime[partition][device] = ts
	}
}

// workingProcessorLocked finds or creates the working file processor of a
// (partition, population) slot.
func (p *StorageGroupProcessor) workingProcessorLocked(partition int64, sequence bool) (*FileProcessor, error) {
	slot := p.workUnseq
	if sequence {
		slot = p.workSeq
	}
	if fp, ok := slot[partition]; ok {
		return fp, nil
	}
	dir := p.partitionDir(partition, sequence)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	version := p.versionCtl.CurrVersion() + 1
	path := filepath.Join(dir, resource.DataFileName(time.Now().UnixMilli(), version, 0))
	fp, err := newFileProcessor(p.name, path, partition, sequence, p.cfg,
		p.versionCtl, p.flushPool, p.compressor, p.logger, p.tracer, p.onProcessorSealed)
	if err != nil {
		return nil, err
	}
	slot[partition] = fp
	p.processors[path] = fp
	if sequence {
		p.seqFiles = append(p.seqFiles, fp.Resource())
		sortSeqResources(p.seqFiles)
	} else {
		p.unseqFiles = append(p.unseqFiles, fp.Resource())
	}
	p.logger.Info("opened working file", "path", path, "sequence", sequence, "partition", partition)
	return fp, nil
}

// applyClosePoliciesLocked triggers the flush-threshold close and the
// unsequence force-close ceiling.
func (p *StorageGroupProcessor) applyClosePoliciesLocked(fp *FileProcessor) {
	if fp.ShouldClose() {
		p.logger.Info("memtable over threshold, closing working file",
			"path", fp.Path(), "size", fp.MemtableSize())
		p.closeWorkingLocked(fp)
	}
	// Count unsealed unsequence files in this partition; force-close the
	// oldest working one when over the ceiling.
	unsealed := 0
	for _, res := range p.unseqFiles {
		if !res.IsClosed() && !res.IsDeleted() {
			if fp2, ok := p.processors[res.Path()]; ok && fp2.Partition() == fp.Partition() {
				unsealed++
			}
		}
	}
	if unsealed > p.cfg.UnseqFilesPerPartitionMax {
		if victim, ok := p.workUnseq[fp.Partition()]; ok {
			p.logger.Info("unsequence file ceiling reached, force-closing",
				"partition", fp.Partition(), "path", victim.Path())
			p.closeWorkingLocked(victim)
		}
	}
}

// closeWorkingLocked starts sealing a working processor and vacates its
// slot so the next write opens a fresh file.
func (p *StorageGroupProcessor) closeWorkingLocked(fp *FileProcessor) {
	if err := fp.AsyncClose(); err != nil {
		p.logger.Error("async close failed", "path", fp.Path(), "error", err)
		return
	}
	slot := p.workUnseq
	if fp.IsSequence() {
		slot = p.workSeq
	}
	if cur, ok := slot[fp.Partition()]; ok && cur == fp {
		delete(slot, fp.Partition())
	}
}

// onProcessorSealed is the seal callback: it drops the arena entry and, for
// files that stayed empty, removes the resource from the population lists.
func (p *StorageGroupProcessor) onProcessorSealed(fp *FileProcessor, dropped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.processors, fp.Path())
	slot := p.workUnseq
	if fp.IsSequence() {
		slot = p.workSeq
	}
	if cur, ok := slot[fp.Partition()]; ok && cur == fp {
		delete(slot, fp.Partition())
	}
	if dropped {
		p.removeResourceLocked(fp.Resource())
	}
}

func (p *StorageGroupProcessor) removeResourceLocked(res *resource.FileResource) {
	filter := func(files []*resource.FileResource) []*resource.FileResource {
		out := files[:0]
		for _, f := range files {
			if f != res {
				out = append(out, f)
			}
		}
		return out
	}
	p.seqFiles = filter(p.seqFiles)
	p.unseqFiles = filter(p.unseqFiles)
}

// AsyncCloseAllWorkingFileProcessors schedules a seal of every working
// file.
func (p *StorageGroupProcessor) AsyncCloseAllWorkingFileProcessors() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fp := range p.workingLocked() {
		p.closeWorkingLocked(fp)
	}
}

// SyncCloseAllWorkingFileProcessors seals every working file and waits.
func (p *StorageGroupProcessor) SyncCloseAllWorkingFileProcessors() {
	p.mu.Lock()
	working := p.workingLocked()
	for _, fp := range working {
		p.closeWorkingLocked(fp)
	}
	// Also wait for processors already in their closing window.
	var sealing []*FileProcessor
	for _, fp := range p.processors {
		sealing = append(sealing, fp)
	}
	p.mu.Unlock()
	for _, fp := range working {
		<-fp.Sealed()
	}
	for _, fp := range sealing {
		<-fp.Sealed()
	}
}

func (p *StorageGroupProcessor) workingLocked() []*FileProcessor {
	var out []*FileProcessor
	for _, fp := range p.workSeq {
		out = append(out, fp)
	}
	for _, fp := range p.workUnseq {
		out = append(out, fp)
	}
	return out
}

// WorkingUnseqProcessors returns the working unsequence file processors.
func (p *StorageGroupProcessor) WorkingUnseqProcessors() []*FileProcessor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*FileProcessor, 0, len(p.workUnseq))
	for _, fp := range p.workUnseq {
		out = append(out, fp)
	}
	return out
}

// WorkingSeqProcessors returns the working sequence file processors.
func (p *StorageGroupProcessor) WorkingSeqProcessors() []*FileProcessor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*FileProcessor, 0, len(p.workSeq))
	for _, fp := range p.workSeq {
		out = append(out, fp)
	}
	return out
}

// Delete broadcasts a tombstone: a modification record to every sealed
// overlapping file, and in-memory marks plus a modification record to every
// overlapping unsealed file.
func (p *StorageGroupProcessor) Delete(device, measurement string, upperBound int64) error {
	_, span := p.tracer.Start(context.Background(), "StorageGroupProcessor.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("device", device),
		attribute.String("measurement", measurement), attribute.Int64("upper_bound", upperBound))

	p.mu.Lock()
	defer p.mu.Unlock()
	apply := func(files []*resource.FileResource) error {
		for _, res := range files {
			if res.IsDeleted() || !res.ContainsDevice(device) {
				continue
			}
			if start, ok := res.StartTime(device); ok && start > upperBound {
				continue
			}
			if fp, ok := p.processors[res.Path()]; ok && !res.IsClosed() {
				if err := fp.Delete(device, measurement, upperBound); err != nil {
					return err
				}
				continue
			}
			if err := res.ModFile().Append(resource.Deletion{
				Path:        core.SeriesPath(device, measurement),
				UpperBound:  upperBound,
				FileVersion: res.MaxHistoricalVersion(),
			}); err != nil {
				return err
			}
		}
		return nil
	}
	if err := apply(p.seqFiles); err != nil {
		return err
	}
	return apply(p.unseqFiles)
}

// Merge selects candidates under the configured strategy and budget and
// submits a merge task. At most one merge per storage group runs at a time.
func (p *StorageGroupProcessor) Merge(fullMerge bool) error {
	p.mu.Lock()
	if p.merging {
		p.mu.Unlock()
		p.logger.Info("merge already in progress, skipping")
		return nil
	}
	seqSealed := sealedOf(p.seqFiles)
	unseqSealed := sealedOf(p.unseqFiles)
	p.mu.Unlock()

	selector := merge.NewFileSelector(p.cfg.MergeStrategy, seqSealed, unseqSealed,
		p.cfg.MergeMemoryBudget, p.cfg.TimeLowerBound, p.cfg.MaxDegreeOfIndexNode, p.logger)
	seqSel, unseqSel, cost, err := selector.Select()
	if err != nil {
		return fmt.Errorf("merge selection of %s: %w", p.name, err)
	}
	if len(seqSel) == 0 && len(unseqSel) == 0 {
		p.logger.Info("no merge candidates found")
		return nil
	}
	p.logger.Info("submitting merge task", "seq_files", len(seqSel),
		"unseq_files", len(unseqSel), "memory_cost", cost, "full_merge", fullMerge)

	p.mu.Lock()
	p.merging = true
	p.mu.Unlock()

	res := merge.NewResource(seqSel, unseqSel, p.cfg.MaxDegreeOfIndexNode)
	task := merge.NewTask(res, p.mergeTaskOptions(fullMerge, seqSel), p.mergeEndAction)
	if err := p.mergeManager.Submit(task); err != nil {
		p.mu.Lock()
		p.merging = false
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *StorageGroupProcessor) mergeTaskOptions(fullMerge bool, seqSel []*resource.FileResource) merge.TaskOptions {
	targetDir := filepath.Join(p.cfg.DataDir, p.name, "0", seqDirName)
	if len(seqSel) > 0 {
		targetDir = filepath.Dir(seqSel[0].Path())
	}
	return merge.TaskOptions{
		Strategy:              p.cfg.MergeStrategy,
		FullMerge:             fullMerge || p.cfg.ForceFullMerge,
		SysDir:                p.sysDir(),
		TargetDir:             targetDir,
		Schema:                p.schema,
		TargetChunkPointCount: p.cfg.TargetChunkPointCount,
		PointsPerPage:         p.cfg.PointsPerPage,
		Compression:           p.compressor.Type(),
		MaxDegreeOfIndexNode:  p.cfg.MaxDegreeOfIndexNode,
		BloomFilterErrorRate:  p.cfg.BloomFilterErrorRate,
		Logger:                p.logger,
	}
}

func sealedOf(files []*resource.FileResource) []*resource.FileResource {
	var out []*resource.FileResource
	for _, res := range files {
		if res.IsClosed() && !res.IsDeleted() && !res.IsMerging() {
			out = append(out, res)
		}
	}
	return out
}

// mergeEndAction swaps merge results into visibility: inplace-rewritten
// sequence files stay in place with refreshed side-cars, squeeze outputs
// replace their inputs, and consumed unsequence files are removed.
func (p *StorageGroupProcessor) mergeEndAction(seqFiles, unseqFiles []*resource.FileResource, logPath string, newFiles []*resource.FileResource) {
	defer func() {
		if p.mergeEndHook != nil {
			p.mergeEndHook()
		}
	}()
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, res := range seqFiles {
		p.readers.drop(res.Path())
		p.metaCache.Remove(res.Path())
	}
	if len(newFiles) > 0 {
		// Squeeze: decommission the sequence inputs.
		for _, res := range seqFiles {
			res.WriteLock()
			p.removeResourceLocked(res)
			p.readers.drop(res.Path())
			p.metaCache.Remove(res.Path())
			if err := res.Remove(); err != nil {
				p.logger.Error("cannot remove squeezed sequence file", "path", res.Path(), "error", err)
			}
			res.WriteUnlock()
		}
		p.seqFiles = append(p.seqFiles, newFiles...)
		sortSeqResources(p.seqFiles)
	}
	for _, res := range unseqFiles {
		res.WriteLock()
		p.removeResourceLocked(res)
		p.readers.drop(res.Path())
		p.metaCache.Remove(res.Path())
		if err := res.Remove(); err != nil {
			p.logger.Error("cannot remove merged unsequence file", "path", res.Path(), "error", err)
		}
		res.WriteUnlock()
	}
	for _, res := range seqFiles {
		res.SetMerging(false)
	}
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		p.logger.Error("cannot remove merge log", "path", logPath, "error", err)
	}
	p.merging = false
	p.logger.Info("merge finished", "seq_files", len(seqFiles),
		"unseq_files", len(unseqFiles), "new_files", len(newFiles))
}

// Close seals all working files, stops the pools and releases readers.
func (p *StorageGroupProcessor) Close() error {
	p.SyncCloseAllWorkingFileProcessors()
	p.flushPool.stop()
	if p.ownsMergeManager {
		p.mergeManager.Stop()
	}
	p.readers.closeAll()
	p.metaCache.Clear()
	return nil
}

// SyncDeleteDataFiles closes everything and removes every data file of the
// group (used by drops and tests).
func (p *StorageGroupProcessor) SyncDeleteDataFiles() error {
	if err := p.Close(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, res := range append(append([]*resource.FileResource{}, p.seqFiles...), p.unseqFiles...) {
		res.WriteLock()
		if err := res.Remove(); err != nil {
			p.logger.Error("cannot remove data file", "path", res.Path(), "error", err)
		}
		res.WriteUnlock()
	}
	p.seqFiles = nil
	p.unseqFiles = nil
	p.lastSeqTime = map[int64]map[string]int64{}
	return os.RemoveAll(filepath.Join(p.cfg.DataDir, p.name))
}
