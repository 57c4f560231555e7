package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/labvisor"
)

func TestHelpExitsZero(t *testing.T) {
	root := buildRoot(nil)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "serve")
	assert.Contains(t, out.String(), "bulk-start")
}

func TestCommandTree(t *testing.T) {
	root := buildRoot(nil)
	for _, path := range [][]string{
		{"serve"}, {"list"}, {"start"}, {"stop"}, {"bulk-start"}, {"bulk-stop"}, {"stop-all"},
		{"upload"}, {"trash", "list"}, {"trash", "move"}, {"trash", "restore"}, {"trash", "empty"},
		{"archive", "list"}, {"archive", "move"}, {"archive", "restore"},
		{"snapshot", "create"}, {"snapshot", "list"}, {"delete"}, {"stats"}, {"health"},
		{"events"}, {"login"}, {"logout"}, {"hash-password"}, {"init"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestArgValidation(t *testing.T) {
	for _, args := range [][]string{
		{"start"},
		{"stop", "a", "b"},
		{"upload"},
		{"list", "extra"},
		{"login"},
	} {
		root := buildRoot(nil)
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(args)
		assert.Error(t, root.Execute(), args)
	}
}

func TestHashPasswordCommand(t *testing.T) {
	root := buildRoot(nil)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"hash-password", "--password", "hunter2", "--cost", "4"})
	require.NoError(t, root.Execute())
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
}

func TestHashPasswordFromStdin(t *testing.T) {
	root := buildRoot(nil)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("piped\n"))
	root.SetArgs([]string{"hash-password", "--cost", "4"})
	require.NoError(t, root.Execute())
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("piped")))

	root = buildRoot(nil)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader("\n"))
	root.SetArgs([]string{"hash-password"})
	assert.Error(t, root.Execute())
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "labvisor.toml")

	root := buildRoot(nil)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"init", "-o", path, "--profile", "shared", "--admin-user", "ops", "--admin-password", "pw"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "shared profile")

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	cfg, err := labvisor.LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Enabled)
	require.Len(t, cfg.Auth.Users, 1)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cfg.Auth.Users[0].PasswordHash), []byte("pw")))
	assert.Len(t, cfg.Auth.JWTSecret, 64)

	root = buildRoot(nil)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"init", "-o", path})
	assert.Error(t, root.Execute())

	root = buildRoot(nil)
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"init", "-o", "-", "--profile", "history", "--root", "/srv/labs"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "/srv/labs")
	assert.Contains(t, out.String(), "sqlite://labvisor-history.db")

	root = buildRoot(nil)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"init", "-o", "-", "--profile", "bogus"})
	assert.Error(t, root.Execute())
}
