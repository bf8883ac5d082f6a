package launch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/go-go-golems/devlaunch/pkg/state"
	"github.com/stretchr/testify/require"
)

func TestExecSpawner_SpawnStop_Sleep(t *testing.T) {
	dir := t.TempDir()
	logsDir := filepath.Join(dir, "logs")
	s := NewExecSpawner(SpawnerOptions{LogsDir: logsDir, Shell: "bash", ShutdownTimeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := s.Spawn(ctx, ServiceSpec{Name: "sleepy", Dir: dir, Command: "echo started; sleep 10"})
	require.NoError(t, res.Err)
	require.True(t, res.OK())
	pid := res.PID()
	require.Greater(t, pid, 0)
	require.True(t, res.Handle.Alive())

	// The service leads its own process group, detached from the test binary.
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	require.Equal(t, pid, pgid)

	require.FileExists(t, res.StdoutLog)
	require.FileExists(t, res.StderrLog)
	require.True(t, strings.HasPrefix(res.StdoutLog, logsDir))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, res.Handle.Stop(stopCtx))

	deadline := time.Now().Add(3 * time.Second)
	for state.ProcessAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	require.False(t, state.ProcessAlive(pid))

	b, err := os.ReadFile(res.StdoutLog)
	require.NoError(t, err)
	require.Contains(t, string(b), "started")
}

func TestExecSpawner_PassesEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	s := NewExecSpawner(SpawnerOptions{
		LogsDir: filepath.Join(dir, "logs"),
		Shell:   "bash",
	})
	t.Setenv("DEVLAUNCH_BASE", "base")

	out := filepath.Join(dir, "env.txt")
	res := s.Spawn(context.Background(), ServiceSpec{
		Name:    "env",
		Dir:     dir,
		Command: "echo \"$DEVLAUNCH_BASE $DEVLAUNCH_SVC $(pwd)\" > env.txt",
		Env:     map[string]string{"DEVLAUNCH_SVC": "svc"},
	})
	require.NoError(t, res.Err)

	var b []byte
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		b, _ = os.ReadFile(out)
		if strings.HasSuffix(string(b), "\n") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, "base svc "+resolved+"\n", string(b))
}

func TestExecSpawner_ReportsSynchronousFailures(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing shell", func(t *testing.T) {
		s := NewExecSpawner(SpawnerOptions{LogsDir: filepath.Join(dir, "logs"), Shell: "/nonexistent/shell"})
		res := s.Spawn(context.Background(), ServiceSpec{Name: "ui", Dir: dir, Command: "true"})
		require.Error(t, res.Err)
		require.False(t, res.OK())
		require.Contains(t, res.Err.Error(), "spawn ui")
	})

	t.Run("missing dir", func(t *testing.T) {
		s := NewExecSpawner(SpawnerOptions{LogsDir: filepath.Join(dir, "logs")})
		res := s.Spawn(context.Background(), ServiceSpec{Name: "ui", Dir: filepath.Join(dir, "nope"), Command: "true"})
		require.Error(t, res.Err)
	})

	t.Run("empty command", func(t *testing.T) {
		s := NewExecSpawner(SpawnerOptions{LogsDir: filepath.Join(dir, "logs")})
		res := s.Spawn(context.Background(), ServiceSpec{Name: "ui", Dir: dir, Command: "  "})
		require.Error(t, res.Err)
	})
}

func TestExecSpawner_BrokenCommandIsNotASpawnError(t *testing.T) {
	dir := t.TempDir()
	s := NewExecSpawner(SpawnerOptions{LogsDir: filepath.Join(dir, "logs")})

	// The shell starts fine; the missing program only fails inside the child.
	res := s.Spawn(context.Background(), ServiceSpec{Name: "api", Dir: dir, Command: "definitely-not-a-real-program-xyz"})
	require.NoError(t, res.Err)
	require.True(t, res.OK())
}

func TestExecSpawner_TerminalPrefix(t *testing.T) {
	s := NewExecSpawner(SpawnerOptions{Shell: "/bin/sh", Terminal: []string{"x-terminal-emulator", "-e"}})
	require.Equal(t,
		[]string{"x-terminal-emulator", "-e", "/bin/sh", "-c", "streamlit run app.py"},
		s.argv("streamlit run app.py"))
}

func TestExecSpawner_LogFilesAreNeverShared(t *testing.T) {
	dir := t.TempDir()
	s := NewExecSpawner(SpawnerOptions{LogsDir: filepath.Join(dir, "logs")})
	fixed := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	a := s.Spawn(context.Background(), ServiceSpec{Name: "ui", Dir: dir, Command: "true"})
	b := s.Spawn(context.Background(), ServiceSpec{Name: "ui", Dir: dir, Command: "true"})
	require.NoError(t, a.Err)
	require.NoError(t, b.Err)

	require.NotEqual(t, a.StdoutLog, b.StdoutLog)
	require.NotEqual(t, a.StderrLog, b.StderrLog)
	require.FileExists(t, b.StdoutLog)
	require.FileExists(t, b.StderrLog)
}

func TestProcessHandle_IgnoresReusedPID(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("requires /proc")
	}
	dir := t.TempDir()
	s := NewExecSpawner(SpawnerOptions{LogsDir: filepath.Join(dir, "logs"), ShutdownTimeout: time.Second})

	res := s.Spawn(context.Background(), ServiceSpec{Name: "api", Dir: dir, Command: "sleep 30"})
	require.NoError(t, res.Err)
	require.NotZero(t, res.StartTicks)
	defer func() { _ = res.Handle.Stop(context.Background()) }()

	// Same PID, different start time: some other process owns it now.
	stale := NewProcessHandle(res.PID(), res.StartTicks+1, time.Second)
	require.False(t, stale.Alive())
	require.NoError(t, stale.Stop(context.Background()))
	require.True(t, res.Handle.Alive(), "stale handle must not signal the live process")
}
