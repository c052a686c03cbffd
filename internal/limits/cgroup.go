package limits

import (
	"os"
	"strconv"
	"strings"
)

// Cgroup filesystem locations for the container memory ceiling.
const (
	cgroupV2MemoryMax = "/sys/fs/cgroup/memory.max"
	cgroupV1MemoryMax = "/sys/fs/cgroup/memory/memory.limit_in_bytes"
)

// DetectMemoryLimit reads the container memory limit from the cgroup
// filesystem, trying v2 before v1. Returns 0 when no limit applies:
// bare metal, a v2 value of "max", or no cgroup mount at all.
func DetectMemoryLimit() (int64, error) {
	return readMemoryLimit(cgroupV2MemoryMax, cgroupV1MemoryMax)
}

func readMemoryLimit(v2Path, v1Path string) (int64, error) {
	if data, err := os.ReadFile(v2Path); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit == "max" {
			return 0, nil
		}
		return strconv.ParseInt(limit, 10, 64)
	}

	// v1 writes a number even for "unlimited"; values at or past the
	// kernel's page-rounded ceiling mean no effective limit.
	if data, err := os.ReadFile(v1Path); err == nil {
		limit, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, err
		}
		if limit >= int64(1)<<62 {
			return 0, nil
		}
		return limit, nil
	}

	return 0, nil
}
