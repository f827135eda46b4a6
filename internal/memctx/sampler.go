package memctx

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// SystemSampleFunc is the production sampler: total/used/available system
// bytes via unix.Sysinfo, process RSS via runtime.MemStats as an
// approximation (heliad does not parse /proc/self/status for this).
func SystemSampleFunc() (total, used, available, rss uint64) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		unit := uint64(info.Unit)
		if unit == 0 {
			unit = 1
		}
		total = uint64(info.Totalram) * unit
		available = uint64(info.Freeram) * unit
		if total >= available {
			used = total - available
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rss = ms.Sys

	return total, used, available, rss
}
