package cmds

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-go-golems/devlaunch/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type serviceStatus struct {
	RunID      string    `json:"run_id"`
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	Alive      bool      `json:"alive"`
	Port       int       `json:"port,omitempty"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	Stdout     string    `json:"stdout_log"`
	Stderr     string    `json:"stderr_log"`
	StderrTail []string  `json:"stderr_tail,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var tailLines int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded launches and whether their processes are still alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			workingDir, err := workingDirOnly(opts)
			if err != nil {
				return err
			}
			st, err := state.LoadOptional(workingDir)
			if err != nil {
				return err
			}

			services := collectStatus(st, tailLines)

			if asJSON {
				b, err := json.MarshalIndent(map[string]any{"services": services}, "", "  ")
				if err != nil {
					return errors.Wrap(err, "marshal status")
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}

			if len(services) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no launches recorded")
				return nil
			}
			rows := make([][]string, 0, len(services))
			for _, s := range services {
				alive := "dead"
				if s.Alive {
					alive = "alive"
				}
				port := ""
				if s.Port > 0 {
					port = strconv.Itoa(s.Port)
				}
				rows = append(rows, []string{
					shortRunID(s.RunID),
					s.Service,
					strconv.Itoa(s.PID),
					alive,
					port,
					s.StartedAt.Local().Format(time.DateTime),
					s.Command,
				})
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(),
				renderTable([]string{"RUN", "SERVICE", "PID", "STATE", "PORT", "STARTED", "COMMAND"}, rows, 2, 4))

			for _, s := range services {
				if s.Alive || len(s.StderrTail) == 0 {
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\n%s (pid %d) stderr tail:\n", s.Service, s.PID)
				for _, line := range s.StderrTail {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", line)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tailLines, "tail-lines", 10, "How many stderr lines to include for dead services (0 disables)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func collectStatus(st *state.State, tailLines int) []serviceStatus {
	out := make([]serviceStatus, 0, len(st.Launches))
	for _, rec := range st.Launches {
		s := serviceStatus{
			RunID:     rec.RunID,
			Service:   rec.Service,
			PID:       rec.PID,
			Alive:     state.OwnsProcess(rec.PID, rec.StartTicks),
			Port:      rec.Port,
			Command:   rec.Command,
			StartedAt: rec.StartedAt,
			Stdout:    rec.StdoutLog,
			Stderr:    rec.StderrLog,
		}
		if !s.Alive && tailLines > 0 && rec.StderrLog != "" {
			if lines, err := state.TailLines(rec.StderrLog, tailLines, state.DefaultTailBytes); err == nil {
				s.StderrTail = lines
			}
		}
		out = append(out, s)
	}
	return out
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
