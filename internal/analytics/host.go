// Package analytics reports host resource usage for the admin surface.
package analytics

import (
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// DiskUsageInfo holds disk space information for the data directory's volume.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// MemoryInfo holds process-host memory figures.
type MemoryInfo struct {
	UsedGB  float64 `json:"used_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// HostStats is the resource snapshot served on the status endpoint. The
// per-user databases live under the data directory, so its volume is the one
// that matters.
type HostStats struct {
	Disk   DiskUsageInfo `json:"disk"`
	Memory MemoryInfo    `json:"memory"`
}

const bytesPerGB = 1024 * 1024 * 1024

// Collect gathers a best-effort host snapshot; probe failures yield zeros
// rather than an error since the admin surface must stay up regardless.
func Collect(dataDir string) HostStats {
	var stats HostStats

	volumePath := filepath.VolumeName(dataDir)
	if volumePath == "" {
		volumePath = "/"
	} else {
		volumePath += "\\"
	}
	if usage, err := disk.Usage(volumePath); err == nil {
		stats.Disk = DiskUsageInfo{
			UsedGB:  float64(usage.Used) / bytesPerGB,
			FreeGB:  float64(usage.Free) / bytesPerGB,
			TotalGB: float64(usage.Total) / bytesPerGB,
			Percent: usage.UsedPercent,
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.Memory = MemoryInfo{
			UsedGB:  float64(vm.Used) / bytesPerGB,
			TotalGB: float64(vm.Total) / bytesPerGB,
			Percent: vm.UsedPercent,
		}
	}

	return stats
}
