package state

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

const (
	StateDirName    = ".devlaunch"
	StateFilename   = "state.json"
	LockFilename    = "state.lock"
	JournalFilename = "events.jsonl"
	LogsDirName     = "logs"
)

type State struct {
	WorkingDir string         `json:"working_dir"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Launches   []LaunchRecord `json:"launches"`
}

// LaunchRecord is one issued spawn. Records are only ever appended; a second
// launcher run adds its own records next to the earlier ones.
type LaunchRecord struct {
	RunID     string            `json:"run_id"`
	Service   string            `json:"service"`
	PID       int               `json:"pid"`
	Command   string            `json:"command"`
	Dir       string            `json:"dir"`
	Port      int               `json:"port,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	StdoutLog string            `json:"stdout_log"`
	StderrLog string            `json:"stderr_log"`
	StartedAt time.Time         `json:"started_at"`
	// StartTicks is the kernel start time of PID (field 22 of
	// /proc/<pid>/stat). A live PID with a different start time has been
	// reused by another process.
	StartTicks uint64 `json:"start_ticks,omitempty"`
}

func StatePath(workingDir string) string {
	return filepath.Join(workingDir, StateDirName, StateFilename)
}

func LockPath(workingDir string) string {
	return filepath.Join(workingDir, StateDirName, LockFilename)
}

func JournalPath(workingDir string) string {
	return filepath.Join(workingDir, StateDirName, JournalFilename)
}

func LogsDir(workingDir string) string {
	return filepath.Join(workingDir, StateDirName, LogsDirName)
}

func Load(workingDir string) (*State, error) {
	b, err := os.ReadFile(StatePath(workingDir))
	if err != nil {
		return nil, errors.Wrap(err, "read state")
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "parse state json")
	}
	return &s, nil
}

// LoadOptional returns an empty state when none has been written yet.
func LoadOptional(workingDir string) (*State, error) {
	s, err := Load(workingDir)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return &State{WorkingDir: workingDir}, nil
		}
		return nil, err
	}
	return s, nil
}

func Save(workingDir string, s *State) error {
	if s == nil {
		return errors.New("nil state")
	}
	if err := os.MkdirAll(filepath.Dir(StatePath(workingDir)), 0o755); err != nil {
		return errors.Wrap(err, "mkdir state dir")
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}
	tmp := StatePath(workingDir) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "write state")
	}
	if err := os.Rename(tmp, StatePath(workingDir)); err != nil {
		return errors.Wrap(err, "rename state")
	}
	return nil
}

// Append adds rec to the state file under an exclusive file lock, so that
// concurrent launcher runs in the same directory do not lose records.
func Append(workingDir string, rec LaunchRecord) error {
	return withLock(workingDir, func() error {
		s, err := LoadOptional(workingDir)
		if err != nil {
			return err
		}
		now := time.Now()
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.WorkingDir = workingDir
		s.UpdatedAt = now
		rec.Env = SanitizeEnv(rec.Env)
		s.Launches = append(s.Launches, rec)
		return Save(workingDir, s)
	})
}

func Remove(workingDir string) error {
	return withLock(workingDir, func() error {
		if err := os.Remove(StatePath(workingDir)); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrap(err, "remove state")
		}
		return nil
	})
}

func withLock(workingDir string, fn func() error) error {
	if err := os.MkdirAll(filepath.Join(workingDir, StateDirName), 0o755); err != nil {
		return errors.Wrap(err, "mkdir state dir")
	}
	lock := flock.New(LockPath(workingDir))
	if err := lock.Lock(); err != nil {
		return errors.Wrap(err, "lock state")
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if stderrors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}

// OwnsProcess reports whether pid is alive and is still the process that
// was started at startTicks. Without /proc there is nothing to compare and
// liveness alone decides.
func OwnsProcess(pid int, startTicks uint64) bool {
	if !ProcessAlive(pid) {
		return false
	}
	cur, err := ProcessStartTicks(pid)
	if err != nil {
		return !procAvailable()
	}
	return startTicks != 0 && cur == startTicks
}

// ProcessStartTicks returns the start time of pid in clock ticks since boot.
func ProcessStartTicks(pid int) (uint64, error) {
	fields, err := procStatFields(pid)
	if err != nil {
		return 0, err
	}
	// fields[0] is field 3 (state), so starttime (field 22) is fields[19].
	if len(fields) < 20 {
		return 0, errors.Errorf("short /proc/%d/stat", pid)
	}
	v, err := strconv.ParseUint(string(fields[19]), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse start time of pid %d", pid)
	}
	return v, nil
}

func procAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// procStatFields returns the fields of /proc/<pid>/stat that follow comm.
func procStatFields(pid int) ([][]byte, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, err
	}
	// pid (comm) state ...; comm may itself contain ')'.
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return nil, errors.Errorf("malformed /proc/%d/stat", pid)
	}
	return bytes.Fields(bytes.TrimSpace(b[i+1:])), nil
}

func isZombie(pid int) bool {
	fields, err := procStatFields(pid)
	if err != nil || len(fields) < 1 || len(fields[0]) < 1 {
		return false
	}
	return fields[0][0] == 'Z'
}
