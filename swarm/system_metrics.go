package swarm

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMemory summarizes host memory for the startup headroom check.
// It is not exported through the metrics endpoint.
type SystemMemory struct {
	TotalGB     float64 `json:"total_gb"`
	AvailableGB float64 `json:"available_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// ReadSystemMemory samples host memory usage. Returns ok=false when the
// platform reports nothing usable, in which case callers skip the check.
func ReadSystemMemory() (SystemMemory, bool) {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return SystemMemory{}, false
	}
	return SystemMemory{
		TotalGB:     float64(vm.Total) / 1024 / 1024 / 1024,
		AvailableGB: float64(vm.Available) / 1024 / 1024 / 1024,
		UsedPercent: vm.UsedPercent,
	}, true
}

// CheckMemoryPressure returns a warning string when host memory headroom
// is too thin for the store to hold its queue comfortably, empty when
// fine. The threshold is deliberately coarse: the engine itself is
// small, but snapshots double peak usage while serializing.
func (s *Store) CheckMemoryPressure() string {
	sys, ok := ReadSystemMemory()
	if !ok {
		return ""
	}
	if sys.AvailableGB < 0.5 {
		s.log.Warnw("Low memory headroom",
			"available_gb", sys.AvailableGB,
			"used_percent", sys.UsedPercent)
		return "host has under 0.5GB available memory; snapshots may stall"
	}
	return ""
}
