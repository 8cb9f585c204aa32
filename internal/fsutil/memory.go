package fsutil

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
)

// minFreeRAM is kept free when sizing in-memory frame retention.
const minFreeRAM = 512 << 20

// GetSystemMemory returns available memory in bytes.
func GetSystemMemory() (uint64, error) {
	// Try to read /proc/meminfo for more accurate available memory
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
						return kb * 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return uint64(sysinfo.Freeram) * uint64(sysinfo.Unit), nil
}

// FrameBudget is how many frame sets of frameBytes each fit in half of the
// available memory while leaving minFreeRAM untouched, capped at limit.
func FrameBudget(available, frameBytes uint64, limit int) int {
	if frameBytes == 0 {
		return limit
	}
	if available <= minFreeRAM {
		return min(limit, 1)
	}
	usable := min(available/2, available-minFreeRAM)
	n := int(usable / frameBytes)
	return max(1, min(n, limit))
}

// SizeFrameStore caps the configured in-memory frame count by what the
// machine can hold, logging when it had to.
func SizeFrameStore(configured int, frameBytes uint64, logger *slog.Logger) int {
	available, err := GetSystemMemory()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return configured
	}
	n := FrameBudget(available, frameBytes, configured)
	if n < configured && logger != nil {
		logger.Info("frame store limited by available memory",
			"available", humanize.Bytes(available),
			"frame_set", humanize.Bytes(frameBytes),
			"configured", configured,
			"max_in_memory", n,
		)
	}
	return n
}
