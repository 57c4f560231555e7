package manager

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/labvisor/internal/env"
	"github.com/loykin/labvisor/internal/port"
	"github.com/loykin/labvisor/internal/process"
	"github.com/loykin/labvisor/internal/readiness"
	"github.com/loykin/labvisor/internal/version"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// TestHelperProcess is not a real test. It plays a dev server: it listens on
// $PORT, forks a long-lived child and prints the readiness marker.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("LABVISOR_HELPER") != "1" {
		return
	}
	l, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	if err != nil {
		fmt.Println("Error: listen EADDRINUSE: address already in use")
		os.Exit(1)
	}
	child := exec.Command("sleep", "60")
	if err := child.Start(); err == nil {
		_ = os.WriteFile("child.pid", []byte(strconv.Itoa(child.Process.Pid)), 0o644)
	}
	fmt.Printf("  Local:   http://localhost:%s/\n", os.Getenv("PORT"))
	for {
		c, err := l.Accept()
		if err != nil {
			os.Exit(0)
		}
		_ = c.Close()
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func TestOSLauncherStopFreesPortAndKillsChildren(t *testing.T) {
	requireUnix(t)
	if testing.Short() {
		t.Skip("spawns real processes")
	}
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "v1"), 0o755))
	ports, err := port.NewAllocator("127.0.0.1", 47300, 47399)
	require.NoError(t, err)

	m, err := New(Options{
		Root:         root,
		Command:      shellQuote(os.Args[0]) + " -test.run=TestHelperProcess",
		Ports:        ports,
		Readiness:    readiness.TCPCheck{},
		ReadyTimeout: 10 * time.Second,
		StopWait:     2 * time.Second,
		Env:          env.New().WithSet("LABVISOR_HELPER", "1"),
		Launcher:     process.NewOSLauncher(nil),
	})
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	ctx := context.Background()
	v, err := m.Start(ctx, "v1", 0)
	require.NoError(t, err)
	require.Equal(t, version.StatusRunning, v.Status)
	assert.False(t, ports.Available(v.Port))

	var child int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(root, "v1", "child.pid"))
		if err != nil {
			return false
		}
		child, err = strconv.Atoi(string(b))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	_, err = m.Stop(ctx, "v1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return ports.Available(v.Port) }, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return !process.Alive(child) }, 3*time.Second, 20*time.Millisecond)
}
