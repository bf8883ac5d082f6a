package launch

import (
	"context"
	"syscall"
	"time"

	"github.com/go-go-golems/devlaunch/pkg/state"
	"github.com/pkg/errors"
)

type processHandle struct {
	pid             int
	startTicks      uint64
	shutdownTimeout time.Duration
}

// NewProcessHandle wraps a PID that leads its own process group, as every
// service started by ExecSpawner does. startTicks pins the handle to that
// exact process: once the PID is reused, the handle reports it dead and
// Stop leaves it alone.
func NewProcessHandle(pid int, startTicks uint64, shutdownTimeout time.Duration) ProcessHandle {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 3 * time.Second
	}
	return &processHandle{pid: pid, startTicks: startTicks, shutdownTimeout: shutdownTimeout}
}

func (h *processHandle) PID() int { return h.pid }

func (h *processHandle) Alive() bool { return state.OwnsProcess(h.pid, h.startTicks) }

func (h *processHandle) Stop(ctx context.Context) error {
	if !h.Alive() {
		return nil
	}
	return terminatePIDGroup(ctx, h.pid, h.shutdownTimeout)
}

// terminatePIDGroup sends SIGTERM to the group led by pid, then SIGKILL if
// it is still there after timeout.
func terminatePIDGroup(ctx context.Context, pid int, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	signalGroup(pid, syscall.SIGTERM)
	gone, err := waitGone(ctx, pid, timeout)
	if err != nil || gone {
		return err
	}

	signalGroup(pid, syscall.SIGKILL)
	gone, err = waitGone(ctx, pid, 2*time.Second)
	if err != nil {
		return err
	}
	if !gone {
		return errors.Errorf("failed to stop pid %d", pid)
	}
	return nil
}

func signalGroup(pid int, sig syscall.Signal) {
	if pgid, err := syscall.Getpgid(pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = syscall.Kill(pid, sig)
}

func waitGone(ctx context.Context, pid int, d time.Duration) (bool, error) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	deadline := time.Now().Add(d)
	for state.ProcessAlive(pid) {
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-t.C:
		}
	}
	return true, nil
}
