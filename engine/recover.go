package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/INLOpen/granite/core"
	"github.com/INLOpen/granite/merge"
	"github.com/INLOpen/granite/resource"
	"github.com/INLOpen/granite/tsfile"

	"golang.org/x/sync/errgroup"
)

// recover rebuilds the storage group from disk: every partition's resources
// are deserialized (or rebuilt through self-check for files caught mid-seal),
// the seq/unseq classifier is restored, and any interrupted merge is handed
// to the merge recoverer before writes are admitted.
func (p *StorageGroupProcessor) recover() error {
	groupDir := filepath.Join(p.cfg.DataDir, p.name)
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		partition, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			p.logger.Warn("skipping unrecognized directory in storage group", "dir", entry.Name())
			continue
		}
		partitionDir := filepath.Join(groupDir, entry.Name())
		g.Go(func() error {
			seq, unseq, err := p.recoverPartition(partitionDir)
			if err != nil {
				return fmt.Errorf("recover partition %d of %s: %w", partition, p.name, err)
			}
			mu.Lock()
			defer mu.Unlock()
			p.seqFiles = append(p.seqFiles, seq...)
			p.unseqFiles = append(p.unseqFiles, unseq...)
			for _, res := range seq {
				for _, device := range res.Devices() {
					if end, ok := res.EndTime(device); ok {
						p.noteSeqTimeLocked(partition, device, end)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	sortSeqResources(p.seqFiles)

	if _, err := os.Stat(merge.LogPath(p.sysDir())); err == nil {
		p.logger.Info("found merge log, recovering interrupted merge")
		if err := merge.Recover(p.seqFiles, p.unseqFiles,
			p.cfg.ContinueMergeAfterReboot, p.mergeTaskOptions(p.cfg.ForceFullMerge, nil), p.mergeEndAction); err != nil {
			return fmt.Errorf("merge recovery of %s: %w", p.name, err)
		}
	}
	p.logger.Info("storage group recovered",
		"seq_files", len(p.seqFiles), "unseq_files", len(p.unseqFiles))
	return nil
}

func (p *StorageGroupProcessor) recoverPartition(partitionDir string) (seq, unseq []*resource.FileResource, err error) {
	for _, kind := range []string{seqDirName, unseqDirName} {
		dir := filepath.Join(partitionDir, kind)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		var names []string
		for _, e := range entries {
			name := e.Name()
			switch {
			case strings.HasSuffix(name, core.DataFileSuffix):
				names = append(names, name)
			case strings.HasSuffix(name, core.TempFileSuffix):
				// A side-car write that never finished its rename.
				os.Remove(filepath.Join(dir, name))
			}
		}
		sort.Strings(names)
		for _, name := range names {
			res, err := p.recoverFile(filepath.Join(dir, name))
			if err != nil {
				return nil, nil, err
			}
			if res == nil {
				continue
			}
			if kind == seqDirName {
				seq = append(seq, res)
			} else {
				unseq = append(unseq, res)
			}
		}
	}
	return seq, unseq, nil
}

// recoverFile restores one data file. Files with an intact side-car and no
// closing flag are taken as sealed; everything else goes through self-check:
// truncate to the safe prefix, reseal, rebuild and persist the side-car.
// Returns nil for files that held no complete chunk group at all.
func (p *StorageGroupProcessor) recoverFile(path string) (*resource.FileResource, error) {
	res := resource.NewFileResource(path)
	if res.ResourceFileExists() && !res.CloseFlagSet() {
		if err := res.Deserialize(); err == nil {
			res.SetClosed(true)
			return res, nil
		}
		p.logger.Warn("unreadable resource side-car, rebuilding from data file", "path", path)
	}

	w, result, err := tsfile.NewRestorableWriter(path, tsfile.WriterOptions{
		MaxDegreeOfIndexNode: p.cfg.MaxDegreeOfIndexNode,
		BloomFilterErrorRate: p.cfg.BloomFilterErrorRate,
		Logger:               p.logger,
		Tracer:               p.tracer,
	})
	if err != nil {
		return nil, err
	}
	if len(w.ChunkGroups()) == 0 {
		p.logger.Info("dropping empty or unrecoverable data file", "path", path)
		w.Abort()
		os.Remove(path)
		os.Remove(path + resource.ResourceSuffix)
		res.CleanCloseFlag()
		return nil, nil
	}
	if err := w.EndFile(context.Background()); err != nil {
		return nil, fmt.Errorf("reseal %s: %w", path, err)
	}
	for _, g := range w.ChunkGroups() {
		for _, cm := range g.Chunks {
			res.UpdateStartTime(g.Device, cm.StartTime())
			res.UpdateEndTime(g.Device, cm.EndTime())
		}
	}
	version := int64(0)
	for _, vp := range result.VersionInfo {
		if vp.Version > version {
			version = vp.Version
		}
	}
	if version == 0 {
		if v, err := res.Version(); err == nil {
			version = v
		}
	}
	res.SetHistoricalVersions(map[int64]struct{}{version: {}})
	if err := res.Serialize(); err != nil {
		return nil, err
	}
	res.SetClosed(true)
	if err := res.CleanCloseFlag(); err != nil {
		p.logger.Warn("cannot clean close flag", "path", path, "error", err)
	}
	p.logger.Info("recovered data file through self-check",
		"path", path, "safe_position", result.TruncatedPosition,
		"chunk_groups", len(w.ChunkGroups()))
	return res, nil
}
