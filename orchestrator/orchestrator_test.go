package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michalspano/appointdent/errors"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func readCount(t *testing.T, dir string) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "count"))
	if err != nil {
		return 0
	}
	n := 0
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		_ = line
		n++
	}
	return n
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sessions"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "patients"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644))

	names, err := Discover(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sessions", "patients"}, names)
}

func TestDiscoverMissingRoot(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestBuildRetryCap(t *testing.T) {
	dir := t.TempDir()
	// Every build attempt appends a line and fails; reinstall succeeds.
	writeScript(t, dir, "build.sh", `echo attempt >> count; exit 1`)
	writeScript(t, dir, "reinstall.sh", `exit 0`)

	o := New(WithLogger(quietLogger()))
	err := o.Launch(context.Background(), []ServiceSpec{{
		Name: "broken",
		Dir:  dir,
		Commands: Commands{
			Build:     []string{"sh", "build.sh"},
			Reinstall: []string{"sh", "reinstall.sh"},
			Start:     []string{"true"},
		},
	}})

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBuildFailed)
	assert.Equal(t, 2, readCount(t, dir), "build must run exactly twice")
	assert.Equal(t, StateBuildFailed, o.State("broken"))
}

func TestBuildSucceedsAfterReinstall(t *testing.T) {
	dir := t.TempDir()
	// The build needs node_modules, which only the reinstall step provides.
	writeScript(t, dir, "build.sh", `test -f node_modules`)
	writeScript(t, dir, "reinstall.sh", `touch node_modules`)
	writeScript(t, dir, "start.sh", `echo up; sleep 30`)

	o := New(WithLogger(quietLogger()))
	defer o.Shutdown()

	err := o.Launch(context.Background(), []ServiceSpec{{
		Name: "sessions",
		Dir:  dir,
		Commands: Commands{
			Build:     []string{"sh", "build.sh"},
			Reinstall: []string{"sh", "reinstall.sh"},
			Start:     []string{"sh", "start.sh"},
		},
	}})

	require.NoError(t, err)
	assert.Equal(t, StateRunning, o.State("sessions"))
}

func TestLaunchIsolatesBuildFailures(t *testing.T) {
	broken := t.TempDir()
	writeScript(t, broken, "build.sh", `exit 1`)
	writeScript(t, broken, "reinstall.sh", `exit 1`)

	good := t.TempDir()
	writeScript(t, good, "start.sh", `echo up; sleep 30`)

	o := New(WithLogger(quietLogger()))
	defer o.Shutdown()

	err := o.Launch(context.Background(), []ServiceSpec{
		{
			Name: "broken",
			Dir:  broken,
			Commands: Commands{
				Build:     []string{"sh", "build.sh"},
				Reinstall: []string{"sh", "reinstall.sh"},
				Start:     []string{"true"},
			},
		},
		{
			Name: "good",
			Dir:  good,
			Commands: Commands{
				Build:     []string{"true"},
				Reinstall: []string{"true"},
				Start:     []string{"sh", "start.sh"},
			},
		},
	})

	require.Error(t, err)
	assert.Equal(t, StateBuildFailed, o.State("broken"))
	assert.Equal(t, StateRunning, o.State("good"))
}

func TestShutdownKillsChildren(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "start.sh", `echo up; sleep 60`)

	o := New(WithLogger(quietLogger()))
	err := o.Launch(context.Background(), []ServiceSpec{{
		Name: "sessions",
		Dir:  dir,
		Commands: Commands{
			Build:     []string{"true"},
			Reinstall: []string{"true"},
			Start:     []string{"sh", "start.sh"},
		},
	}})
	require.NoError(t, err)
	require.Equal(t, StateRunning, o.State("sessions"))

	o.Shutdown()
	assert.Equal(t, StateTerminated, o.State("sessions"))

	// Repeat calls are no-ops.
	o.Shutdown()
}

func TestLaunchAfterShutdownRefused(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "start.sh", `echo up; sleep 60`)

	o := New(WithLogger(quietLogger()))
	o.Shutdown()

	err := o.Launch(context.Background(), []ServiceSpec{{
		Name: "sessions",
		Dir:  dir,
		Commands: Commands{
			Build:     []string{"true"},
			Reinstall: []string{"true"},
			Start:     []string{"sh", "start.sh"},
		},
	}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestChildCrashSurfacedNotFatal(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "start.sh", `echo up; exit 3`)

	var (
		mu       sync.Mutex
		exited   string
		exitErr  error
		notified = make(chan struct{})
	)

	o := New(
		WithLogger(quietLogger()),
		WithOnExit(func(service string, err error) {
			mu.Lock()
			exited, exitErr = service, err
			mu.Unlock()
			close(notified)
		}),
	)
	defer o.Shutdown()

	err := o.Launch(context.Background(), []ServiceSpec{{
		Name: "crashy",
		Dir:  dir,
		Commands: Commands{
			Build:     []string{"true"},
			Reinstall: []string{"true"},
			Start:     []string{"sh", "start.sh"},
		},
	}})
	require.NoError(t, err)

	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "crashy", exited)
	assert.Error(t, exitErr)
}

func TestSpawnScrubsPortVariable(t *testing.T) {
	t.Setenv("PORT", "9999")

	dir := t.TempDir()
	writeScript(t, dir, "start.sh", `echo up; env > child.env; sleep 30`)

	o := New(WithLogger(quietLogger()))
	defer o.Shutdown()

	err := o.Launch(context.Background(), []ServiceSpec{{
		Name: "sessions",
		Dir:  dir,
		Commands: Commands{
			Build:     []string{"true"},
			Reinstall: []string{"true"},
			Start:     []string{"sh", "start.sh"},
		},
	}})
	require.NoError(t, err)

	var env string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "child.env"))
		if err != nil {
			return false
		}
		env = string(data)
		return true
	}, 5*time.Second, 20*time.Millisecond)

	for _, line := range strings.Split(env, "\n") {
		assert.False(t, strings.HasPrefix(line, "PORT="), "child inherited PORT: %s", line)
	}
}

func TestEnvWithout(t *testing.T) {
	env := []string{"PORT=3000", "HOME=/root", "PORTLAND=or"}
	got := envWithout(env, "PORT")
	assert.Equal(t, []string{"HOME=/root", "PORTLAND=or"}, got)
}
