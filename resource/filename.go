package resource

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/INLOpen/granite/core"
)

// Data files are named {sysTime}-{version}-{mergeCnt}.gft. The embedded
// version orders sequence files within a partition; mergeCnt counts how many
// merges have rewritten the file.
func DataFileName(sysTime, version int64, mergeCnt int) string {
	return fmt.Sprintf("%d-%d-%d%s", sysTime, version, mergeCnt, core.DataFileSuffix)
}

// ParseDataFileName extracts the components of a data file name.
func ParseDataFileName(name string) (sysTime, version int64, mergeCnt int, err error) {
	base := strings.TrimSuffix(name, core.DataFileSuffix)
	if base == name {
		return 0, 0, 0, fmt.Errorf("not a data file name: %s", name)
	}
	parts := strings.Split(base, "-")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("malformed data file name: %s", name)
	}
	if sysTime, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed data file name %s: %w", name, err)
	}
	if version, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed data file name %s: %w", name, err)
	}
	if mergeCnt, err = strconv.Atoi(parts[2]); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed data file name %s: %w", name, err)
	}
	return sysTime, version, mergeCnt, nil
}
