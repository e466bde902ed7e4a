package watchdog

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// hostTags snapshots resource usage at fire time.
func hostTags(ctx context.Context) map[string]string {
	tags := make(map[string]string, 4)

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		tags["host_memory_used_percent"] = fmt.Sprintf("%.1f", vm.UsedPercent)
	}
	// Zero interval compares against the previous call and never sleeps.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		tags["host_cpu_percent"] = fmt.Sprintf("%.1f", pct[0])
	}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			tags["process_rss_mb"] = fmt.Sprintf("%d", mi.RSS/1024/1024)
		}
	}
	if free, ok := tmpFreeMB(); ok {
		tags["tmp_free_mb"] = fmt.Sprintf("%d", free)
	}
	return tags
}
