package launch

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type spawnCall struct {
	name    string
	command string
	at      time.Time
}

type recordingSpawner struct {
	clock clockwork.Clock
	fail  map[string]error

	mu    sync.Mutex
	calls []spawnCall
}

func (s *recordingSpawner) Spawn(ctx context.Context, svc ServiceSpec) LaunchResult {
	now := s.clock.Now()
	s.mu.Lock()
	s.calls = append(s.calls, spawnCall{name: svc.Name, command: svc.Command, at: now})
	n := len(s.calls)
	s.mu.Unlock()

	if err := s.fail[svc.Name]; err != nil {
		return LaunchResult{Service: svc, Err: err, At: now}
	}
	return LaunchResult{Service: svc, Handle: fakeHandle{pid: 1000 + n}, At: now}
}

func (s *recordingSpawner) snapshot() []spawnCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spawnCall{}, s.calls...)
}

type fakeHandle struct{ pid int }

func (h fakeHandle) PID() int                       { return h.pid }
func (h fakeHandle) Alive() bool                    { return true }
func (h fakeHandle) Stop(ctx context.Context) error { return nil }

type recordingAck struct {
	calls int
	err   error
}

func (a *recordingAck) Wait(ctx context.Context) error {
	a.calls++
	return a.err
}

type sinkFunc func(ev LaunchEvent)

func (f sinkFunc) Emit(ctx context.Context, ev LaunchEvent) error {
	f(ev)
	return nil
}

type recorderFunc func(runID string, res LaunchResult) error

func (f recorderFunc) Record(runID string, res LaunchResult) error { return f(runID, res) }

func testPlan(dir string, delay time.Duration) Plan {
	return Plan{
		UI:      ServiceSpec{Name: "ui", Dir: dir, Command: "launch-ui", Port: 8501},
		API:     ServiceSpec{Name: "api", Dir: dir, Command: "launch-api --port 8000", Port: 8000},
		Delay:   delay,
		UIURLs:  []string{"http://localhost:8501", "http://localhost:8502"},
		APIURL:  "http://localhost:8000",
		DocsURL: "http://localhost:8000/docs",
	}
}

// runAdvancing runs l in the background and advances the fake clock once the
// launcher is parked on its delay timer.
func runAdvancing(t *testing.T, l *Launcher, fc *clockwork.FakeClock, d time.Duration) (*Report, error) {
	t.Helper()
	type out struct {
		rep *Report
		err error
	}
	done := make(chan out, 1)
	go func() {
		rep, err := l.Run(context.Background())
		done <- out{rep, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(d)

	select {
	case o := <-done:
		return o.rep, o.err
	case <-ctx.Done():
		t.Fatal("launcher did not finish")
		return nil, nil
	}
}

func TestLauncher_EndToEndSequence(t *testing.T) {
	dir := t.TempDir()
	fc := clockwork.NewFakeClock()
	sp := &recordingSpawner{clock: fc}
	ack := &recordingAck{}
	var out bytes.Buffer

	l, err := New(testPlan(dir, 3*time.Second), Options{
		Spawner:  sp,
		Clock:    fc,
		Out:      &out,
		Ack:      ack,
		NewRunID: func() string { return "run-1" },
	})
	require.NoError(t, err)

	rep, err := runAdvancing(t, l, fc, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, "run-1", rep.RunID)

	calls := sp.snapshot()
	require.Len(t, calls, 2)
	require.Equal(t, "launch-ui", calls[0].command)
	require.Equal(t, "launch-api --port 8000", calls[1].command)
	require.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 3*time.Second)

	require.Equal(t, []string{
		"http://localhost:8501",
		"http://localhost:8502",
		"http://localhost:8000",
		"http://localhost:8000/docs",
	}, rep.URLs)
	for _, u := range rep.URLs {
		require.Contains(t, out.String(), u)
	}
	require.Equal(t, 1, ack.calls)
	require.Equal(t, StateDone, l.State())
}

func TestLauncher_APIIsNotSpawnedBeforeDelayElapses(t *testing.T) {
	dir := t.TempDir()
	fc := clockwork.NewFakeClock()
	sp := &recordingSpawner{clock: fc}

	l, err := New(testPlan(dir, 3*time.Second), Options{Spawner: sp, Clock: fc})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.Run(context.Background())
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 1))

	require.Len(t, sp.snapshot(), 1)
	require.Equal(t, StateUILaunched, l.State())

	fc.Advance(2 * time.Second)
	require.Len(t, sp.snapshot(), 1)

	fc.Advance(1 * time.Second)
	require.NoError(t, <-done)
	require.Len(t, sp.snapshot(), 2)
}

func TestLauncher_RunTwiceIssuesFourSpawns(t *testing.T) {
	dir := t.TempDir()
	fc := clockwork.NewFakeClock()
	sp := &recordingSpawner{clock: fc}
	var recorded []string

	l, err := New(testPlan(dir, time.Second), Options{
		Spawner: sp,
		Clock:   fc,
		Recorder: recorderFunc(func(runID string, res LaunchResult) error {
			recorded = append(recorded, res.Service.Name)
			return nil
		}),
	})
	require.NoError(t, err)

	_, err = runAdvancing(t, l, fc, time.Second)
	require.NoError(t, err)
	_, err = runAdvancing(t, l, fc, time.Second)
	require.NoError(t, err)

	calls := sp.snapshot()
	require.Len(t, calls, 4)
	require.Equal(t, []string{"ui", "api", "ui", "api"}, []string{calls[0].name, calls[1].name, calls[2].name, calls[3].name})
	require.Equal(t, []string{"ui", "api", "ui", "api"}, recorded)
}

func TestLauncher_UISpawnFailureStopsSequence(t *testing.T) {
	dir := t.TempDir()
	fc := clockwork.NewFakeClock()
	sp := &recordingSpawner{clock: fc, fail: map[string]error{"ui": errors.New("exec: not found")}}
	ack := &recordingAck{}
	var out bytes.Buffer

	l, err := New(testPlan(dir, 3*time.Second), Options{Spawner: sp, Clock: fc, Out: &out, Ack: ack})
	require.NoError(t, err)

	rep, err := l.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
	require.Len(t, sp.snapshot(), 1)
	require.Len(t, rep.Results, 1)
	require.False(t, rep.Results[0].OK())
	require.Equal(t, 0, ack.calls)
	require.Contains(t, out.String(), "Failed to start ui service")
	require.Equal(t, StateDone, l.State())
}

func TestLauncher_InvalidWorkingDirSpawnsNothing(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sp := &recordingSpawner{clock: fc}

	l, err := New(testPlan("/nonexistent/devlaunch-test", time.Second), Options{Spawner: sp, Clock: fc})
	require.NoError(t, err)

	_, err = l.Run(context.Background())
	require.Error(t, err)
	require.Empty(t, sp.snapshot())
}

func TestLauncher_AckErrorDoesNotFailRun(t *testing.T) {
	dir := t.TempDir()
	fc := clockwork.NewFakeClock()
	sp := &recordingSpawner{clock: fc}
	ack := &recordingAck{err: context.Canceled}

	l, err := New(testPlan(dir, 0), Options{Spawner: sp, Clock: fc, Ack: ack})
	require.NoError(t, err)

	rep, err := l.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Results, 2)
	require.Equal(t, 1, ack.calls)
}

func TestLauncher_CancelDuringDelay(t *testing.T) {
	dir := t.TempDir()
	fc := clockwork.NewFakeClock()
	sp := &recordingSpawner{clock: fc}

	l, err := New(testPlan(dir, time.Minute), Options{Spawner: sp, Clock: fc})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Run(ctx)
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, fc.BlockUntilContext(waitCtx, 1))
	cancel()

	err = <-done
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, sp.snapshot(), 1)
}

func TestLauncher_EmitsEventsInOrder(t *testing.T) {
	dir := t.TempDir()
	fc := clockwork.NewFakeClock()
	sp := &recordingSpawner{clock: fc}
	var mu sync.Mutex
	var types []string

	l, err := New(testPlan(dir, time.Second), Options{
		Spawner: sp,
		Clock:   fc,
		Ack:     &recordingAck{},
		Events: sinkFunc(func(ev LaunchEvent) {
			mu.Lock()
			types = append(types, ev.Type)
			mu.Unlock()
		}),
	})
	require.NoError(t, err)

	_, err = runAdvancing(t, l, fc, time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		EventRunStarted,
		EventLaunchIssued,
		EventDelayStarted,
		EventLaunchIssued,
		EventURLsAnnounced,
		EventAckAwaiting,
		EventRunFinished,
	}, types)
}

func TestNew_RejectsNegativeDelay(t *testing.T) {
	_, err := New(testPlan(os.TempDir(), -time.Second), Options{Spawner: &recordingSpawner{clock: clockwork.NewFakeClock()}})
	require.Error(t, err)
}

func TestPlan_JSONDelayIsDurationString(t *testing.T) {
	b, err := json.Marshal(testPlan(t.TempDir(), 3*time.Second))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, "3s", decoded["delay"])
	require.Contains(t, decoded, "ui")
	require.Contains(t, decoded, "ui_urls")
}
