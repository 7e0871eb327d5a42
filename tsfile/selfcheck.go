package tsfile

import (
	"bufio"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/INLOpen/granite/core"
)

// countingReader tracks the absolute file position of a buffered scan.
type countingReader struct {
	r   *bufio.Reader
	pos int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.pos += int64(n)
	return n, err
}

// SelfCheck scans a file from the header and finds the largest safe prefix:
// the position after the last complete chunk group or version record. A torn
// or unrecognized record never surfaces as an error; the scan simply stops
// and reports the last safe position. With fastFinish, a file whose tail
// magic matches is reported CheckComplete without scanning.
func SelfCheck(path string, fastFinish bool, logger *slog.Logger) (*CheckResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	if size < int64(core.HeaderLength) {
		return &CheckResult{Status: CheckIncompatible}, nil
	}
	header := make([]byte, core.HeaderLength)
	if _, err := file.ReadAt(header, 0); err != nil {
		return nil, err
	}
	if string(header[:len(core.MagicString)]) != core.MagicString ||
		string(header[len(core.MagicString):]) != core.VersionNumber {
		return &CheckResult{Status: CheckIncompatible}, nil
	}
	if size == int64(core.HeaderLength) {
		return &CheckResult{Status: CheckOnlyMagicHead, TruncatedPosition: int64(core.HeaderLength)}, nil
	}
	if fastFinish {
		tail := make([]byte, len(core.MagicString))
		if _, err := file.ReadAt(tail, size-int64(len(core.MagicString))); err == nil &&
			string(tail) == core.MagicString {
			return &CheckResult{Status: CheckComplete, TruncatedPosition: size}, nil
		}
	}

	if _, err := file.Seek(int64(core.HeaderLength), io.SeekStart); err != nil {
		return nil, err
	}
	cr := &countingReader{r: bufio.NewReader(file), pos: int64(core.HeaderLength)}

	result := &CheckResult{
		Status:            CheckTruncated,
		TruncatedPosition: int64(core.HeaderLength),
	}
	var currentChunks []*ChunkMetadata
	scanErr := func() error {
		for {
			markerPos := cr.pos
			marker, err := core.ReadByte(cr)
			if err != nil {
				return err
			}
			switch marker {
			case core.MarkerChunkHeader:
				// A torn chunk drops its whole chunk group: chunks of one
				// group may come from the same insertions, and a partial
				// group is not tolerable.
				chunkHeader, err := DeserializeChunkHeader(cr)
				if err != nil {
					return err
				}
				stats := core.NewStatistics(chunkHeader.DataType)
				for p := int32(0); p < chunkHeader.NumPages; p++ {
					pageHeader, err := DeserializePageHeader(cr, chunkHeader.DataType)
					if err != nil {
						return err
					}
					if _, err := io.CopyN(io.Discard, cr, int64(pageHeader.CompressedSize)); err != nil {
						return err
					}
					stats.Merge(pageHeader.Statistics)
				}
				currentChunks = append(currentChunks, &ChunkMetadata{
					MeasurementID:       chunkHeader.MeasurementID,
					DataType:            chunkHeader.DataType,
					OffsetOfChunkHeader: markerPos,
					Statistics:          stats,
					DeletedAt:           math.MinInt64,
				})
			case core.MarkerChunkGroupFooter:
				device, err := core.ReadString(cr)
				if err != nil {
					return err
				}
				if _, err := core.ReadInt64(cr); err != nil { // data size
					return err
				}
				if _, err := core.ReadInt32(cr); err != nil { // chunk count
					return err
				}
				result.ChunkGroups = append(result.ChunkGroups, ChunkGroupMetadata{
					Device: device,
					Chunks: currentChunks,
				})
				currentChunks = nil
				result.TruncatedPosition = cr.pos
			case core.MarkerVersion:
				version, err := core.ReadInt64(cr)
				if err != nil {
					return err
				}
				result.VersionInfo = append(result.VersionInfo, VersionPair{EndPosition: cr.pos, Version: version})
				result.TruncatedPosition = cr.pos
			case core.MarkerSeparator:
				// End of the data section: everything before the separator
				// is safe; the metadata tail is discarded so the caller can
				// keep appending.
				result.TruncatedPosition = markerPos
				return nil
			default:
				logger.Info("self-check stops at unexpected marker",
					"path", path, "position", markerPos, "marker", marker)
				return nil
			}
		}
	}()
	if scanErr != nil && scanErr != io.EOF {
		logger.Info("self-check cannot proceed, truncating",
			"path", path, "position", cr.pos, "error", scanErr)
	}
	// Chunks after the last complete group are dropped along with any
	// groups recovered past the truncated position.
	trimmed := result.ChunkGroups[:0]
	for _, g := range result.ChunkGroups {
		keep := true
		for _, cm := range g.Chunks {
			if cm.OffsetOfChunkHeader >= result.TruncatedPosition {
				keep = false
				break
			}
		}
		if keep {
			trimmed = append(trimmed, g)
		}
	}
	result.ChunkGroups = trimmed
	trimmedVersions := result.VersionInfo[:0]
	for _, vp := range result.VersionInfo {
		if vp.EndPosition <= result.TruncatedPosition {
			trimmedVersions = append(trimmedVersions, vp)
		}
	}
	result.VersionInfo = trimmedVersions
	return result, nil
}
