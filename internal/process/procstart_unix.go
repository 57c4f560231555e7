//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

var (
	bootOnce  sync.Once
	bootTime  int64
	clockTick int64
)

// getProcStartUnix returns the process start time in Unix seconds, 0 when unknown.
func getProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return linuxStartUnix(pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

func linuxStartUnix(pid int) int64 {
	ticks := statStartTicks(pid)
	if ticks <= 0 {
		return 0
	}
	bootOnce.Do(loadBootClock)
	if bootTime == 0 {
		return 0
	}
	return bootTime + ticks/clockTick
}

// statStartTicks reads field 22 (starttime) of /proc/<pid>/stat. The comm field
// may contain spaces, so parsing starts after the last ") ".
func statStartTicks(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end < 0 {
		return 0
	}
	fields := strings.Fields(line[end+2:])
	if len(fields) < 20 {
		return 0
	}
	v, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func loadBootClock() {
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	clockTick = clk

	f, err := os.Open("/proc/stat")
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bootTime, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			return
		}
	}
}
