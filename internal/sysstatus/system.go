package sysstatus

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// System reports host health for the status command. Probes that fail on
// the current platform report nil.
type System struct {
	DiskPath string
	Purpose  string
}

func (s System) Complete() map[string]any {
	out := map[string]any{
		"go_version":           runtime.Version(),
		"number_of_goroutines": runtime.NumGoroutine(),
		"uptime":               nil,
		"load_average":         nil,
		"filesystem_usage":     nil,
		"memory_usage":         nil,
		"os_version":           nil,
		"purpose":              s.Purpose,
	}
	if hostname, err := os.Hostname(); err == nil {
		out["hostname"] = hostname
	}
	if up, err := host.Uptime(); err == nil {
		out["uptime"] = map[string]uint64{"uptime_sec": up}
	}
	if avg, err := load.Avg(); err == nil {
		out["load_average"] = map[string]float64{"1m": avg.Load1, "5m": avg.Load5, "15m": avg.Load15}
	}
	path := s.DiskPath
	if path == "" {
		path = "/"
	}
	if du, err := disk.Usage(path); err == nil {
		out["filesystem_usage"] = map[string]any{
			path: map[string]uint64{"total": du.Total, "used": du.Used, "free": du.Free},
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory_usage"] = map[string]any{"total": vm.Total, "used_percent": vm.UsedPercent}
	}
	if info, err := host.Info(); err == nil {
		out["os_version"] = info.Platform + " " + info.PlatformVersion
	}
	return out
}
