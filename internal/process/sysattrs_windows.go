//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const createNewProcessGroup = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// signalGroup has no polite variant on Windows; taskkill /T walks the tree.
func signalGroup(pid int, force bool) error {
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append([]string{"/F"}, args...)
	}
	// #nosec G204
	return exec.Command("taskkill", args...).Run()
}

func signalPID(pid int, force bool) error {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	if force {
		return p.Kill()
	}
	return p.Terminate()
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}
