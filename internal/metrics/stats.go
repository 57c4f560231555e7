package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// TreeStats is a resource sample summed over a process and its descendants.
type TreeStats struct {
	PID        int       `json:"pid"`
	Processes  int       `json:"processes"`
	CPUPercent float64   `json:"cpuPercent"`
	MemoryRSS  uint64    `json:"memoryRss"`
	MemoryMB   float64   `json:"memoryMb"`
	NumThreads int32     `json:"numThreads"`
	Uptime     float64   `json:"uptimeSeconds"`
	Timestamp  time.Time `json:"timestamp"`
}

// maxStatsDepth bounds the descendant walk.
const maxStatsDepth = 16

// SampleTree collects CPU and memory usage for pid and everything below it.
func SampleTree(ctx context.Context, pid int) (TreeStats, error) {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return TreeStats{}, err
	}
	st := TreeStats{PID: pid, Timestamp: time.Now()}
	if ct, err := root.CreateTimeWithContext(ctx); err == nil && ct > 0 {
		st.Uptime = time.Since(time.UnixMilli(ct)).Seconds()
	}
	var walk func(p *process.Process, depth int)
	walk = func(p *process.Process, depth int) {
		st.Processes++
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			st.CPUPercent += cpu
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			st.MemoryRSS += mem.RSS
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			st.NumThreads += n
		}
		if depth >= maxStatsDepth {
			return
		}
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			return
		}
		for _, c := range children {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	st.MemoryMB = float64(st.MemoryRSS) / 1024 / 1024
	return st, nil
}
