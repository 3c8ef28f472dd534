// Package hostinfo collects lightweight host diagnostics attached to an
// agent's register and heartbeat messages for operator visibility — CPU
// count, total/used memory, and uptime. None of this feeds scheduling
// decisions (GPUs are the sole scheduled resource); it exists so a
// cluster operator inspecting `queue` output isn't flying blind.
package hostinfo

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Snapshot is a point-in-time read of host resource usage.
type Snapshot struct {
	Hostname      string
	CPUCount      int
	TotalMemoryMB uint64
	UsedMemoryMB  uint64
	UptimeSeconds uint64
}

// Collect gathers a Snapshot, logging (but not failing on) any
// individual stat that couldn't be read — host diagnostics degrading is
// never a reason to refuse a heartbeat.
func Collect(ctx context.Context, logger *zap.Logger) Snapshot {
	var snap Snapshot

	if info, err := host.InfoWithContext(ctx); err != nil {
		logger.Debug("hostinfo: host stats unavailable", zap.Error(err))
	} else {
		snap.Hostname = info.Hostname
		snap.UptimeSeconds = info.Uptime
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err != nil {
		logger.Debug("hostinfo: cpu count unavailable", zap.Error(err))
	} else {
		snap.CPUCount = counts
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		logger.Debug("hostinfo: memory stats unavailable", zap.Error(err))
	} else {
		snap.TotalMemoryMB = vm.Total / (1024 * 1024)
		snap.UsedMemoryMB = vm.Used / (1024 * 1024)
	}

	return snap
}
