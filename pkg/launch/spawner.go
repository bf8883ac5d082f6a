package launch

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-go-golems/devlaunch/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultShell = "/bin/sh"

type SpawnerOptions struct {
	// LogsDir receives one stdout and one stderr file per spawned service.
	LogsDir string
	// Shell runs ServiceSpec.Command as `<Shell> -c <Command>`.
	Shell string
	// Terminal, if set, prefixes the shell invocation, e.g.
	// ["x-terminal-emulator", "-e"], giving each service its own window.
	Terminal        []string
	ShutdownTimeout time.Duration
}

// ExecSpawner starts services as detached OS processes in their own session.
type ExecSpawner struct {
	opts SpawnerOptions
	now  func() time.Time
}

var _ Spawner = (*ExecSpawner)(nil)

func NewExecSpawner(opts SpawnerOptions) *ExecSpawner {
	if opts.Shell == "" {
		opts.Shell = DefaultShell
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 3 * time.Second
	}
	return &ExecSpawner{opts: opts, now: time.Now}
}

func (s *ExecSpawner) Spawn(ctx context.Context, svc ServiceSpec) LaunchResult {
	res := LaunchResult{Service: svc, At: s.now()}
	rec, err := s.spawn(ctx, svc)
	if err != nil {
		res.Err = errors.Wrapf(err, "spawn %s", svc.Name)
		return res
	}
	res.Handle = rec.handle
	res.StartTicks = rec.startTicks
	res.StdoutLog = rec.stdoutPath
	res.StderrLog = rec.stderrPath
	return res
}

type spawned struct {
	handle     ProcessHandle
	startTicks uint64
	stdoutPath string
	stderrPath string
}

func (s *ExecSpawner) spawn(ctx context.Context, svc ServiceSpec) (spawned, error) {
	if svc.Name == "" {
		return spawned{}, errors.New("service name is required")
	}
	if strings.TrimSpace(svc.Command) == "" {
		return spawned{}, errors.Errorf("service %q missing command", svc.Name)
	}
	if svc.Dir == "" {
		return spawned{}, errors.Errorf("service %q missing working dir", svc.Name)
	}
	if err := checkDir(svc.Dir); err != nil {
		return spawned{}, err
	}
	if s.opts.LogsDir == "" {
		return spawned{}, errors.New("missing LogsDir")
	}
	if err := os.MkdirAll(s.opts.LogsDir, 0o755); err != nil {
		return spawned{}, errors.Wrap(err, "mkdir logs dir")
	}

	// Plain files rather than pipes: the service keeps writing after the
	// launcher has exited.
	stdoutFile, stderrFile, err := s.openLogs(svc.Name)
	if err != nil {
		return spawned{}, err
	}
	defer func() { _ = stdoutFile.Close() }()
	defer func() { _ = stderrFile.Close() }()

	argv := s.argv(svc.Command)
	if _, err := exec.LookPath(argv[0]); err != nil {
		return spawned{}, errors.Wrapf(err, "resolve %s", argv[0])
	}

	// Not CommandContext: cancelling the launcher must not kill the service.
	// #nosec G204 -- command comes from the local launcher config.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = svc.Dir
	cmd.Env = mergeEnv(os.Environ(), svc.Env)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	select {
	case <-ctx.Done():
		return spawned{}, ctx.Err()
	default:
	}

	if err := cmd.Start(); err != nil {
		return spawned{}, errors.Wrap(err, "start service")
	}

	pid := cmd.Process.Pid
	startTicks, err := state.ProcessStartTicks(pid)
	if err != nil {
		log.Debug().Err(err).Int("pid", pid).Msg("could not read process start time")
	}
	log.Info().Str("service", svc.Name).Int("pid", pid).Str("dir", svc.Dir).Msg("service spawned")
	go func() { _ = cmd.Wait() }()

	return spawned{
		handle:     NewProcessHandle(pid, startTicks, s.opts.ShutdownTimeout),
		startTicks: startTicks,
		stdoutPath: stdoutFile.Name(),
		stderrPath: stderrFile.Name(),
	}, nil
}

// openLogs creates a fresh stdout/stderr pair for one spawn. Names carry
// microseconds and, on collision, a counter, so two spawns never share a
// file.
func (s *ExecSpawner) openLogs(name string) (*os.File, *os.File, error) {
	base := filepath.Join(s.opts.LogsDir, name+"-"+s.now().Format("20060102-150405.000000"))
	for i := 0; ; i++ {
		prefix := base
		if i > 0 {
			prefix = fmt.Sprintf("%s-%d", base, i)
		}
		stdout, err := os.OpenFile(prefix+".stdout.log", os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o600)
		if stderrors.Is(err, os.ErrExist) && i < 100 {
			continue
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "open stdout log")
		}
		stderr, err := os.OpenFile(prefix+".stderr.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			_ = stdout.Close()
			return nil, nil, errors.Wrap(err, "open stderr log")
		}
		return stdout, stderr, nil
	}
}

func (s *ExecSpawner) argv(command string) []string {
	argv := append([]string{}, s.opts.Terminal...)
	return append(argv, s.opts.Shell, "-c", command)
}

func checkDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return errors.Wrap(err, "stat working dir")
	}
	if !fi.IsDir() {
		return errors.Errorf("working dir %q is not a directory", dir)
	}
	return nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
