package cmds

import (
	"context"
	"fmt"

	"github.com/go-go-golems/devlaunch/pkg/launch"
	"github.com/go-go-golems/devlaunch/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop every recorded service that is still running and clear the state",
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

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			stopped := 0
			var lastErr error
			for _, rec := range st.Launches {
				h := launch.NewProcessHandle(rec.PID, rec.StartTicks, opts.Timeout)
				if !h.Alive() {
					continue
				}
				if err := h.Stop(ctx); err != nil {
					log.Error().Err(err).Str("service", rec.Service).Int("pid", rec.PID).Msg("stop failed")
					lastErr = err
					continue
				}
				log.Info().Str("service", rec.Service).Int("pid", rec.PID).Msg("service stopped")
				stopped++
			}
			if lastErr != nil {
				return errors.Wrap(lastErr, "down")
			}
			if err := state.Remove(workingDir); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stopped %d service(s)\n", stopped)
			return nil
		},
	}
}
