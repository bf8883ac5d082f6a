package launch

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Spawner Spawner
	// Clock drives the inter-launch delay. Defaults to the real clock.
	Clock clockwork.Clock
	// Out receives the operator-facing status text.
	Out io.Writer
	// Ack blocks until the operator dismisses the launcher. Nil returns
	// right after the URLs are printed.
	Ack      Acknowledger
	Events   EventSink
	Recorder Recorder
	NewRunID func() string
}

// Launcher brings up the UI service, waits a fixed delay, brings up the API
// service and prints where both should be reachable. It never checks
// whether the services actually came up.
type Launcher struct {
	plan Plan
	opts Options

	mu    sync.Mutex
	state RunState
}

func New(plan Plan, opts Options) (*Launcher, error) {
	if opts.Spawner == nil {
		return nil, errors.New("missing Spawner")
	}
	if plan.Delay < 0 {
		return nil, errors.Errorf("negative inter-launch delay %s", plan.Delay)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	return &Launcher{plan: plan, opts: opts, state: StateIdle}, nil
}

func (l *Launcher) State() RunState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Launcher) setState(s RunState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run performs one launch sequence. It returns an error only when a spawn
// could not be issued (or ctx was cancelled during the delay); later
// failures inside the services are not observed.
func (l *Launcher) Run(ctx context.Context) (*Report, error) {
	l.setState(StateIdle)
	defer l.setState(StateDone)

	runID := l.opts.NewRunID()
	rep := &Report{RunID: runID}
	logger := log.With().Str("run_id", runID).Logger()

	for _, svc := range l.plan.Services() {
		if err := checkDir(svc.Dir); err != nil {
			return rep, errors.Wrapf(err, "service %s", svc.Name)
		}
	}

	l.emit(ctx, LaunchEvent{RunID: runID, Type: EventRunStarted})

	res, err := l.launch(ctx, runID, l.plan.UI)
	rep.Results = append(rep.Results, res)
	if err != nil {
		return rep, err
	}
	l.setState(StateUILaunched)

	if err := l.sleep(ctx, runID); err != nil {
		return rep, err
	}

	res, err = l.launch(ctx, runID, l.plan.API)
	rep.Results = append(rep.Results, res)
	if err != nil {
		return rep, err
	}
	l.setState(StateAPILaunched)

	rep.URLs = l.plan.URLs()
	l.announce(rep)
	l.emit(ctx, LaunchEvent{RunID: runID, Type: EventURLsAnnounced, URLs: rep.URLs})

	l.setState(StateAwaitingAck)
	if l.opts.Ack != nil {
		l.emit(ctx, LaunchEvent{RunID: runID, Type: EventAckAwaiting})
		if err := l.opts.Ack.Wait(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("acknowledgment failed; services keep running")
		}
	}

	l.emit(context.WithoutCancel(ctx), LaunchEvent{RunID: runID, Type: EventRunFinished})
	logger.Info().Int("services", len(rep.Results)).Msg("launch sequence complete")
	return rep, nil
}

func (l *Launcher) launch(ctx context.Context, runID string, svc ServiceSpec) (LaunchResult, error) {
	l.printf("Starting %s service: %s\n", svc.Name, svc.Command)

	res := l.opts.Spawner.Spawn(ctx, svc)
	if res.Err != nil || res.Handle == nil {
		err := res.Err
		if err == nil {
			err = errors.Errorf("spawn %s returned no process", svc.Name)
			res.Err = err
		}
		l.printf("Failed to start %s service: %v\n", svc.Name, err)
		l.emit(ctx, LaunchEvent{
			RunID:   runID,
			Type:    EventLaunchFailed,
			Service: svc.Name,
			Command: svc.Command,
			Error:   err.Error(),
			At:      res.At,
		})
		return res, err
	}

	l.emit(ctx, LaunchEvent{
		RunID:   runID,
		Type:    EventLaunchIssued,
		Service: svc.Name,
		Command: svc.Command,
		PID:     res.PID(),
		At:      res.At,
	})
	if l.opts.Recorder != nil {
		if err := l.opts.Recorder.Record(runID, res); err != nil {
			log.Warn().Err(err).Str("service", svc.Name).Msg("could not record launch")
		}
	}
	return res, nil
}

func (l *Launcher) sleep(ctx context.Context, runID string) error {
	d := l.plan.Delay
	if d <= 0 {
		return nil
	}
	l.printf("Waiting %s before starting the next service...\n", d)
	l.emit(ctx, LaunchEvent{RunID: runID, Type: EventDelayStarted, Delay: d.String()})

	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "inter-launch delay")
	case <-l.opts.Clock.After(d):
		return nil
	}
}

func (l *Launcher) announce(rep *Report) {
	l.printf("\nServices launched. They should be reachable at:\n")
	for i, u := range l.plan.UIURLs {
		switch i {
		case 0:
			l.printf("  UI:       %s\n", u)
		default:
			l.printf("            %s (if the first port is taken)\n", u)
		}
	}
	if l.plan.APIURL != "" {
		l.printf("  API:      %s\n", l.plan.APIURL)
	}
	if l.plan.DocsURL != "" {
		l.printf("  API docs: %s\n", l.plan.DocsURL)
	}
	for _, res := range rep.Results {
		if res.StdoutLog != "" || res.StderrLog != "" {
			l.printf("  %s logs: %s %s\n", res.Service.Name, res.StdoutLog, res.StderrLog)
		}
	}
	l.printf("\n")
}

func (l *Launcher) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(l.opts.Out, format, args...)
}

func (l *Launcher) emit(ctx context.Context, ev LaunchEvent) {
	if l.opts.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = l.opts.Clock.Now()
	}
	if err := l.opts.Events.Emit(ctx, ev); err != nil {
		log.Debug().Err(err).Str("event", ev.Type).Msg("could not emit launch event")
	}
}
