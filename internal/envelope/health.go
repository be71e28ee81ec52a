package envelope

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/taskmgr818/worker-supervisor/internal/protocol"
)

// Probe reports the worker's current health.
type Probe func() (protocol.HealthStatus, *protocol.MemoryInfo)

// MemoryProbe returns a Probe that reads the resident set size of the
// hosting process and reports degraded once it exceeds limit bytes.
// A zero limit never degrades.
func MemoryProbe(limit uint64) Probe {
	proc, procErr := process.NewProcess(int32(os.Getpid()))

	return func() (protocol.HealthStatus, *protocol.MemoryInfo) {
		if procErr != nil {
			return protocol.HealthHealthy, nil
		}
		info, err := proc.MemoryInfo()
		if err != nil {
			return protocol.HealthHealthy, nil
		}

		mi := &protocol.MemoryInfo{Used: info.RSS, Limit: limit}
		if vm, err := mem.VirtualMemory(); err == nil {
			mi.Total = vm.Total
		}

		if limit > 0 && info.RSS > limit {
			return protocol.HealthDegraded, mi
		}
		return protocol.HealthHealthy, mi
	}
}

// ReportHealth sends a HEALTH message every interval until ctx is done or
// the port rejects a message.
func ReportHealth(ctx context.Context, p Port, interval time.Duration, probe Probe) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, memory := probe()
			if err := SendHealth(p, status, memory); err != nil {
				return
			}
		}
	}
}
