package merge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/INLOpen/granite/config"
	"github.com/INLOpen/granite/resource"
	"github.com/shirou/gopsutil/v3/mem"
)

// FileSelector picks merge candidates from the full (seq, unseq) sets under
// a memory budget.
type FileSelector interface {
	// Select returns the chosen subsets and the estimated in-merge memory
	// cost. Empty subsets mean no feasible candidate.
	Select() (seqFiles, unseqFiles []*resource.FileResource, cost int64, err error)
}

// NewFileSelector builds the selector of one strategy.
func NewFileSelector(strategy config.MergeStrategy, seqFiles, unseqFiles []*resource.FileResource,
	budget, timeLowerBound int64, maxDegree int, logger *slog.Logger) FileSelector {
	if logger == nil {
		logger = slog.Default()
	}
	if budget <= 0 {
		budget = derivedBudget(logger)
	}
	base := &baseSelector{
		seqFiles:   filterAlive(seqFiles, timeLowerBound),
		unseqFiles: filterAlive(unseqFiles, timeLowerBound),
		budget:     budget,
		maxDegree:  maxDegree,
		logger:     logger,
	}
	switch strategy {
	case config.MergeSqueeze:
		return &SqueezeMaxFileSelector{baseSelector: base}
	case config.MergeIndependenceSize:
		return &IndependenceMaxFileSelector{baseSelector: base}
	default:
		return &InplaceMaxFileSelector{baseSelector: base}
	}
}

// derivedBudget caps an unset budget at a tenth of the available system
// memory.
func derivedBudget(logger *slog.Logger) int64 {
	const fallback = 256 * 1024 * 1024
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Available == 0 {
		logger.Warn("cannot read system memory, using fallback merge budget", "budget", fallback, "error", err)
		return fallback
	}
	return int64(vm.Available / 10)
}

func filterAlive(files []*resource.FileResource, timeLowerBound int64) []*resource.FileResource {
	out := make([]*resource.FileResource, 0, len(files))
	for _, f := range files {
		if !f.IsClosed() || f.IsMerging() || f.IsDeleted() {
			continue
		}
		if f.StillLives(timeLowerBound) {
			out = append(out, f)
		}
	}
	return out
}

// baseSelector implements the shared budget/feasibility protocol: a greedy
// pass with the loose cost bound, retried with the tight bound when nothing
// fits.
type baseSelector struct {
	seqFiles   []*resource.FileResource
	unseqFiles []*resource.FileResource
	budget     int64
	maxDegree  int
	logger     *slog.Logger
}

// looseCost is the cheap estimate: the whole unseq file is buffered, and
// roughly a tenth of each seq file (its metadata and one chunk per series)
// is resident during the merge.
func looseCost(f *resource.FileResource, isSeq bool) int64 {
	size, err := f.FileSize()
	if err != nil {
		return 0
	}
	if isSeq {
		return size / 10
	}
	return size
}

// tightCost walks the file's chunk metadata and sums, per series, the
// largest chunk estimated from consecutive chunk offsets. More accurate and
// much more expensive than looseCost.
func (s *baseSelector) tightCost(f *resource.FileResource, res *Resource) (int64, error) {
	reader, err := res.Reader(f)
	if err != nil {
		return 0, err
	}
	devices, err := reader.AllDevices()
	if err != nil {
		return 0, err
	}
	fileSize := reader.FileSize()
	var total int64
	for _, device := range devices {
		byMeasurement, err := reader.ChunkMetadataInDevice(device)
		if err != nil {
			return 0, err
		}
		for _, chunks := range byMeasurement {
			var maxChunk int64
			for i, cm := range chunks {
				end := fileSize
				if i+1 < len(chunks) {
					end = chunks[i+1].OffsetOfChunkHeader
				}
				if size := end - cm.OffsetOfChunkHeader; size > maxChunk {
					maxChunk = size
				}
			}
			total += maxChunk
		}
	}
	return total, nil
}

// versionsIntersect guards the lineage invariant: two files whose historical
// version sets intersect must not meet in one merge.
func versionsIntersect(a, b *resource.FileResource) bool {
	av := a.HistoricalVersions()
	for v := range b.HistoricalVersions() {
		if _, ok := av[v]; ok {
			return true
		}
	}
	return false
}

// overlappedSeqFiles returns the sequence files an unseq file must merge
// with: for each shared device, every sequence file whose end time reaches
// the unseq start (out-of-order data belongs before all of them), plus the
// last covering file when the unseq data trails the whole sequence
// population.
func overlappedSeqFiles(unseq *resource.FileResource, seqFiles []*resource.FileResource) []*resource.FileResource {
	needed := map[string]bool{}
	var out []*resource.FileResource
	add := func(seq *resource.FileResource) {
		if !needed[seq.Path()] {
			needed[seq.Path()] = true
			out = append(out, seq)
		}
	}
	for _, device := range unseq.Devices() {
		start, ok := unseq.StartTime(device)
		if !ok {
			continue
		}
		var lastCovering *resource.FileResource
		found := false
		for _, seq := range seqFiles {
			if !seq.ContainsDevice(device) {
				continue
			}
			lastCovering = seq
			if end, ok := seq.EndTime(device); ok && end >= start {
				add(seq)
				found = true
			}
		}
		if !found && lastCovering != nil {
			add(lastCovering)
		}
	}
	return out
}

// selectOverlapping is the greedy (seq, unseq) pick shared by the inplace
// and squeeze selectors.
func (s *baseSelector) selectOverlapping(useTightBound bool, scratch *Resource) ([]*resource.FileResource, []*resource.FileResource, int64, error) {
	cost := func(f *resource.FileResource, isSeq bool) (int64, error) {
		if useTightBound {
			return s.tightCost(f, scratch)
		}
		return looseCost(f, isSeq), nil
	}
	var selectedSeq, selectedUnseq []*resource.FileResource
	seqSelected := map[string]bool{}
	var total int64
	for _, unseq := range s.unseqFiles {
		overlapped := overlappedSeqFiles(unseq, s.seqFiles)
		if len(overlapped) == 0 {
			continue
		}
		conflict := false
		for _, seq := range overlapped {
			if versionsIntersect(unseq, seq) {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		delta, err := cost(unseq, false)
		if err != nil {
			return nil, nil, 0, err
		}
		var newSeq []*resource.FileResource
		for _, seq := range overlapped {
			if seqSelected[seq.Path()] {
				continue
			}
			c, err := cost(seq, true)
			if err != nil {
				return nil, nil, 0, err
			}
			delta += c
			newSeq = append(newSeq, seq)
		}
		if total+delta > s.budget {
			if len(selectedUnseq) == 0 {
				continue
			}
			break
		}
		total += delta
		selectedUnseq = append(selectedUnseq, unseq)
		for _, seq := range newSeq {
			seqSelected[seq.Path()] = true
			selectedSeq = append(selectedSeq, seq)
		}
	}
	return selectedSeq, selectedUnseq, total, nil
}

func (s *baseSelector) selectWithRetry(pick func(useTightBound bool, scratch *Resource) ([]*resource.FileResource, []*resource.FileResource, int64, error)) ([]*resource.FileResource, []*resource.FileResource, int64, error) {
	start := time.Now()
	scratch := NewResource(nil, nil, s.maxDegree)
	defer scratch.CloseReaders()
	s.logger.Info("selecting merge candidates",
		"seq_files", len(s.seqFiles), "unseq_files", len(s.unseqFiles), "budget", s.budget)
	seq, unseq, cost, err := pick(false, scratch)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("merge selection (loose bound): %w", err)
	}
	if len(unseq) == 0 && len(seq) == 0 {
		seq, unseq, cost, err = pick(true, scratch)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("merge selection (tight bound): %w", err)
		}
	}
	s.logger.Info("merge candidates selected",
		"seq_files", len(seq), "unseq_files", len(unseq),
		"memory_cost", cost, "elapsed", time.Since(start).String())
	return seq, unseq, cost, nil
}

// InplaceMaxFileSelector maximizes the number of files folded into the
// existing sequence files.
type InplaceMaxFileSelector struct {
	*baseSelector
}

func (s *InplaceMaxFileSelector) Select() ([]*resource.FileResource, []*resource.FileResource, int64, error) {
	return s.selectWithRetry(s.selectOverlapping)
}

// SqueezeMaxFileSelector maximizes the number of files squeezed into one new
// sequence file. The feasibility protocol is shared with inplace; only the
// executor differs.
type SqueezeMaxFileSelector struct {
	*baseSelector
}

func (s *SqueezeMaxFileSelector) Select() ([]*resource.FileResource, []*resource.FileResource, int64, error) {
	return s.selectWithRetry(s.selectOverlapping)
}

// IndependenceMaxFileSelector is the size-based variant: it rewrites runs of
// small adjacent sequence files into one file and ignores the unsequence
// population.
type IndependenceMaxFileSelector struct {
	*baseSelector
}

func (s *IndependenceMaxFileSelector) Select() ([]*resource.FileResource, []*resource.FileResource, int64, error) {
	return s.selectWithRetry(func(useTightBound bool, scratch *Resource) ([]*resource.FileResource, []*resource.FileResource, int64, error) {
		var selected []*resource.FileResource
		var total int64
		for _, seq := range s.seqFiles {
			var c int64
			var err error
			if useTightBound {
				c, err = s.tightCost(seq, scratch)
				if err != nil {
					return nil, nil, 0, err
				}
			} else {
				c = looseCost(seq, false)
			}
			if total+c > s.budget {
				break
			}
			conflict := false
			for _, other := range selected {
				if versionsIntersect(seq, other) {
					conflict = true
					break
				}
			}
			if conflict {
				continue
			}
			total += c
			selected = append(selected, seq)
		}
		if len(selected) < 2 {
			// Rewriting a single file gains nothing.
			return nil, nil, 0, nil
		}
		return selected, nil, total, nil
	})
}
