package merge

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

// Status classifies the final state of a merge log.
type Status int

const (
	// StatusNone: log missing or inputs never locked; nothing to recover.
	StatusNone Status = iota
	// StatusMergeStart: inputs locked, not every series merged.
	StatusMergeStart
	// StatusAllTsMerged: every series merged, file swap interrupted.
	StatusAllTsMerged
	// StatusMergeEnd: merge finished; only cleanup remains.
	StatusMergeEnd
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusMergeStart:
		return "MERGE_START"
	case StatusAllTsMerged:
		return "ALL_TS_MERGED"
	case StatusMergeEnd:
		return "MERGE_END"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// LogAnalyzer replays a merge log and reconstructs where the merge stopped:
// which series completed (as a bitmap over the deterministic series-union
// indexes), the last safe position of every merge target, and which targets
// were already swapped.
type LogAnalyzer struct {
	Status     Status
	SeqPaths   []string
	UnseqPaths []string
	// MergedSeries holds the indexes of completed series in the sorted
	// series union of the inputs.
	MergedSeries *roaring.Bitmap
	// FileLastPositions maps each merge target to its last logged safe
	// position; bytes beyond it are torn and must be truncated.
	FileLastPositions map[string]int64
	// MoveStarted maps original paths whose swap began to the safe end of
	// their pre-merge data section.
	MoveStarted map[string]int64
	// FilesEnded marks originals fully swapped into place.
	FilesEnded map[string]bool
}

// AnalyzeLog parses the merge log at path. A missing or empty log yields
// StatusNone.
func AnalyzeLog(path string) (*LogAnalyzer, error) {
	a := &LogAnalyzer{
		Status:            StatusNone,
		MergedSeries:      roaring.New(),
		FileLastPositions: map[string]int64{},
		MoveStarted:       map[string]int64{},
		FilesEnded:        map[string]bool{},
	}
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	section := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == recSeqFiles:
			section = recSeqFiles
		case line == recUnseqFiles:
			section = recUnseqFiles
		case line == recMergeStart:
			section = ""
			a.Status = StatusMergeStart
		case line == recAllTsEnd:
			a.Status = StatusAllTsMerged
		case line == recMergeEnd:
			a.Status = StatusMergeEnd
		case strings.HasPrefix(line, recTS+" "):
			fields := strings.Fields(line)
			if len(fields) < 3 {
				return nil, fmt.Errorf("malformed merge log record: %q", line)
			}
			idx, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("malformed merge log record: %q", line)
			}
			a.MergedSeries.Add(uint32(idx))
		case strings.HasPrefix(line, recPos+" "):
			fields := strings.Fields(line)
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed merge log record: %q", line)
			}
			pos, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed merge log record: %q", line)
			}
			a.FileLastPositions[fields[1]] = pos
		case strings.HasPrefix(line, recMoving+" "):
			fields := strings.Fields(line)
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed merge log record: %q", line)
			}
			pos, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed merge log record: %q", line)
			}
			a.MoveStarted[fields[1]] = pos
		case strings.HasPrefix(line, recFileEnd+" "):
			a.FilesEnded[strings.TrimSpace(strings.TrimPrefix(line, recFileEnd+" "))] = true
		default:
			switch section {
			case recSeqFiles:
				a.SeqPaths = append(a.SeqPaths, line)
			case recUnseqFiles:
				a.UnseqPaths = append(a.UnseqPaths, line)
			default:
				return nil, fmt.Errorf("unrecognized merge log record: %q", line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return a, nil
}
