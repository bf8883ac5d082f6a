package cmds

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-go-golems/devlaunch/pkg/events"
	"github.com/go-go-golems/devlaunch/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var since string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the launch journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			workingDir, err := workingDirOnly(opts)
			if err != nil {
				return err
			}

			var sinceT time.Time
			if since != "" {
				sinceT, err = dateparse.ParseLocal(since)
				if err != nil {
					return errors.Wrapf(err, "parse --since %q", since)
				}
			}

			evs, err := events.ReadJournal(state.JournalPath(workingDir), sinceT)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				b, err := json.MarshalIndent(map[string]any{"events": evs}, "", "  ")
				if err != nil {
					return errors.Wrap(err, "marshal events")
				}
				_, _ = fmt.Fprintln(out, string(b))
				return nil
			}
			for _, ev := range evs {
				parts := []string{ev.At.Local().Format(time.DateTime), shortRunID(ev.RunID), ev.Type}
				if ev.Service != "" {
					parts = append(parts, ev.Service)
				}
				if ev.PID > 0 {
					parts = append(parts, fmt.Sprintf("pid=%d", ev.PID))
				}
				if ev.Delay != "" {
					parts = append(parts, "delay="+ev.Delay)
				}
				if ev.Error != "" {
					parts = append(parts, "error="+ev.Error)
				}
				_, _ = fmt.Fprintln(out, strings.Join(parts, " "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Only show events at or after this time (e.g. \"2026-10-17 09:00\")")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON")
	return cmd
}
