package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// daemonize re-executes the current command line without --daemonize in a
// detached session, records the child's pid and returns. The caller exits.
func daemonize(out io.Writer, pidFile, logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(os.Args[1:])...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
			return fmt.Errorf("failed to create log dir: %w", err)
		}
		// #nosec G304
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	if pidFile != "" {
		if err := writePidFile(pidFile, cmd.Process.Pid); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	_, _ = fmt.Fprintf(out, "labvisor daemon started with PID %d\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

// daemonArgs drops --daemonize in both its bare and =value forms.
func daemonArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--daemonize" || strings.HasPrefix(a, "--daemonize=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func writePidFile(pidFile string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o750); err != nil {
		return err
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// readPidFile returns the pid recorded in pidFile.
func readPidFile(pidFile string) (int, error) {
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// removePidFile removes pidFile when it still records pid.
func removePidFile(pidFile string, pid int) error {
	if pidFile == "" {
		return nil
	}
	if got, err := readPidFile(pidFile); err != nil || got != pid {
		return nil
	}
	return os.Remove(pidFile)
}
