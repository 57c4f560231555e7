package process

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// procRef identifies a process by pid and start time.
type procRef struct {
	pid   int
	start int64
}

// maxTreeDepth bounds the descendant walk.
const maxTreeDepth = 16

// descendants returns every process below pid, depth first.
func descendants(pid int) []procRef {
	var out []procRef
	var walk func(p *gopsproc.Process, depth int)
	walk = func(p *gopsproc.Process, depth int) {
		if depth > maxTreeDepth {
			return
		}
		// ErrorNoChildren and lookup failures both end the walk here
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			out = append(out, procRef{pid: int(c.Pid), start: getProcStartUnix(int(c.Pid))})
			walk(c, depth+1)
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	walk(p, 0)
	return out
}

// Descendants exposes the current descendant pids of pid.
func Descendants(pid int) []int {
	refs := descendants(pid)
	out := make([]int, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.pid)
	}
	return out
}

func sameProcess(r procRef) bool {
	if r.start == 0 {
		return true
	}
	now := getProcStartUnix(r.pid)
	return now == 0 || now == r.start
}

func signalPIDs(refs []procRef, force bool) {
	for _, r := range refs {
		if sameProcess(r) {
			_ = signalPID(r.pid, force)
		}
	}
}

// Alive reports whether pid refers to a live, non-zombie process.
func Alive(pid int) bool {
	return pid > 0 && pidAlive(pid)
}
