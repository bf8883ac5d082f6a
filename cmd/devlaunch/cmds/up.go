package cmds

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	"github.com/go-go-golems/devlaunch/pkg/ack"
	"github.com/go-go-golems/devlaunch/pkg/config"
	"github.com/go-go-golems/devlaunch/pkg/events"
	"github.com/go-go-golems/devlaunch/pkg/launch"
	"github.com/go-go-golems/devlaunch/pkg/preflight"
	"github.com/go-go-golems/devlaunch/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newUpCmd() *cobra.Command {
	var delay time.Duration
	var noWait bool
	var noState bool
	var noJournal bool
	var skipPreflight bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the UI service, wait, start the API service and print their URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			plan, err := cfg.Plan()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("delay") {
				if delay < 0 {
					return errors.New("--delay must be >= 0")
				}
				plan.Delay = delay
			}

			if !skipPreflight {
				logFindings(preflight.Run(preflightOptions(cfg)))
			}

			lopts := launch.Options{
				Spawner: launch.NewExecSpawner(launch.SpawnerOptions{
					LogsDir:         state.LogsDir(cfg.WorkingDir),
					Shell:           cfg.Shell,
					Terminal:        cfg.Terminal,
					ShutdownTimeout: opts.Timeout,
				}),
				Out: cmd.OutOrStdout(),
			}
			lopts.Ack = ack.None{}
			if !noWait {
				lopts.Ack = ack.New(cmd.InOrStdin(), cmd.OutOrStdout())
			}
			if !noState {
				lopts.Recorder = &stateRecorder{workingDir: cfg.WorkingDir}
			}

			if noJournal {
				return runLauncher(cmd.Context(), plan, lopts)
			}
			return runWithJournal(cmd.Context(), cfg.WorkingDir, plan, lopts)
		},
	}

	cmd.Flags().DurationVar(&delay, "delay", config.DefaultDelaySeconds*time.Second, "Delay between starting the UI and the API service")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Exit right after printing the URLs instead of waiting for a key")
	cmd.Flags().BoolVar(&noState, "no-state", false, "Do not record launched processes in .devlaunch/state.json")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "Do not append launch events to .devlaunch/events.jsonl")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Skip the advisory preflight checks")
	return cmd
}

func runLauncher(ctx context.Context, plan launch.Plan, opts launch.Options) error {
	l, err := launch.New(plan, opts)
	if err != nil {
		return err
	}
	_, err = l.Run(ctx)
	return err
}

// runWithJournal runs the launcher next to an in-memory event bus whose
// handlers write the launch journal.
func runWithJournal(parent context.Context, workingDir string, plan launch.Plan, opts launch.Options) error {
	bus, err := events.NewInMemoryBus()
	if err != nil {
		return err
	}

	journalPath := state.JournalPath(workingDir)
	if err := os.MkdirAll(filepath.Dir(journalPath), 0o755); err != nil {
		return errors.Wrap(err, "mkdir journal dir")
	}
	journal := events.NewJournalWriter(journalPath)
	defer func() { _ = journal.Close() }()

	events.RegisterJournal(bus, journal)
	events.RegisterLogger(bus)
	opts.Events = &events.Publisher{Pub: bus.Publisher}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := bus.Run(egCtx)
		if stderrors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		defer cancel()
		select {
		case <-bus.Running():
		case <-egCtx.Done():
			return nil
		}
		return runLauncher(egCtx, plan, opts)
	})

	if err := eg.Wait(); err != nil {
		return errors.Wrap(err, "up")
	}
	return nil
}

func preflightOptions(cfg config.File) preflight.Options {
	return preflight.Options{
		WorkingDir: cfg.WorkingDir,
		Shell:      cfg.Shell,
		Commands: map[string]string{
			"ui":  cfg.UIStartCommand,
			"api": cfg.APIStartCommand,
		},
		EnvFile:     cfg.EnvFilePath(),
		RequiredEnv: cfg.RequiredEnv,
	}
}

func logFindings(findings []preflight.Finding) {
	for _, f := range findings {
		switch f.Severity {
		case preflight.SeverityOK:
			log.Debug().Str("check", f.Check).Msg(f.Message)
		case preflight.SeverityWarn:
			log.Warn().Str("check", f.Check).Msg(f.Message)
		default:
			log.Error().Str("check", f.Check).Msg(f.Message)
		}
	}
}
